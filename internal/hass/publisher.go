package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/ev-charging-manager/internal/bus"
	"github.com/jkaberg/ev-charging-manager/internal/engine"
	"github.com/jkaberg/ev-charging-manager/internal/mqtt"
)

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	ObjectID          string   `json:"object_id,omitempty"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// SensorConfig defines one entity derived from the charger state topic.
type SensorConfig struct {
	Name        string
	EntityID    string
	EntityType  string
	Template    string
	DeviceClass string
	Unit        string
	Icon        string
	StateClass  string
	Category    string
}

var sessionSensors = []SensorConfig{
	{Name: "State", EntityID: "state", EntityType: "sensor", Template: "{{ value_json.state }}", Icon: "mdi:ev-station"},
	{Name: "Charging session", EntityID: "charging", EntityType: "binary_sensor",
		Template: "{{ 'ON' if value_json.state == 'tracking' else 'OFF' }}", DeviceClass: "battery_charging"},
	{Name: "Session energy", EntityID: "session_energy", EntityType: "sensor",
		Template: "{{ value_json.session.energy_kwh | default(0) }}", DeviceClass: "energy", Unit: "kWh", StateClass: "total_increasing"},
	{Name: "Session cost", EntityID: "session_cost", EntityType: "sensor",
		Template: "{{ value_json.session.cost_total | default(0) }}", Icon: "mdi:cash", StateClass: "total"},
	{Name: "Session average power", EntityID: "session_power", EntityType: "sensor",
		Template: "{{ value_json.session.avg_power_w | default(0) }}", DeviceClass: "power", Unit: "W", StateClass: "measurement"},
	{Name: "Session duration", EntityID: "session_duration", EntityType: "sensor",
		Template: "{{ value_json.session.duration_seconds | default(0) }}", DeviceClass: "duration", Unit: "s"},
	{Name: "Session user", EntityID: "session_user", EntityType: "sensor",
		Template: "{{ value_json.session.user_name | default('') }}", Icon: "mdi:account"},
	{Name: "Session vehicle", EntityID: "session_vehicle", EntityType: "sensor",
		Template: "{{ value_json.session.vehicle_name | default('') }}", Icon: "mdi:car-electric"},
	{Name: "Session data gap", EntityID: "session_data_gap", EntityType: "binary_sensor",
		Template: "{{ 'ON' if value_json.session and value_json.session.data_gap else 'OFF' }}", DeviceClass: "problem", Category: "diagnostic"},
}

// Notification is published on <base>/notifications. Consumers key on ID so
// repeated warnings replace each other.
type Notification struct {
	ID      string `json:"notification_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Publisher mirrors controller state and lifecycle events to MQTT.
type Publisher struct {
	client          Client
	discoveryPrefix string
	version         string
	logger          *logrus.Logger

	mu               sync.Mutex
	names            map[string]string
	publishedSensors map[string]bool // Tracks published discovery configs
}

// NewPublisher creates a publisher. Discovery configs go below discoveryPrefix.
func NewPublisher(client Client, discoveryPrefix, version string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client:           client,
		discoveryPrefix:  discoveryPrefix,
		version:          version,
		logger:           logger,
		names:            make(map[string]string),
		publishedSensors: make(map[string]bool),
	}
}

// Announce publishes discovery, availability and the current state of
// every charger. It is safe to call again after a reconnect.
func (p *Publisher) Announce(statuses []engine.Status) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	for _, st := range statuses {
		p.mu.Lock()
		p.names[st.ChargerID] = st.ChargerName
		p.mu.Unlock()

		p.publishDiscoveryConfigs(st.ChargerID, st.ChargerName)
		if err := p.PublishStatus(st); err != nil {
			p.logger.WithError(err).WithField("charger", st.ChargerID).Warn("Failed to publish charger state")
		}
	}
	return p.PublishAvailability(true)
}

// Run publishes bus events until ctx is cancelled. Publish failures are
// logged and never stop the loop.
func (p *Publisher) Run(ctx context.Context, events <-chan bus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := p.Handle(ev); err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"charger": ev.ChargerID,
					"kind":    ev.Kind,
				}).Warn("Failed to publish session event")
			}
		}
	}
}

// Handle publishes a single event: notification payloads on the event
// topic, and the resulting running state on the retained state topic.
func (p *Publisher) Handle(ev bus.Event) error {
	st := engine.Status{
		ChargerID:   ev.ChargerID,
		ChargerName: p.name(ev.ChargerID),
		State:       engine.StateTracking,
		Session:     ev.Session,
		UpdatedAt:   ev.At,
	}

	switch ev.Kind {
	case bus.KindStarted:
		if ev.Started != nil {
			if err := p.publishJSON(p.eventTopic(ev.ChargerID, ev.Kind), ev.Started, false); err != nil {
				return err
			}
		}
	case bus.KindCompleted:
		if ev.Completed == nil {
			return nil
		}
		return p.publishJSON(p.eventTopic(ev.ChargerID, ev.Kind), ev.Completed, false)
	case bus.KindEnded:
		st.State = engine.StateIdle
		st.Session = nil
	case bus.KindUpdated:
	default:
		return nil
	}
	return p.PublishStatus(st)
}

// PublishStatus publishes st retained on <base>/<charger>/state.
func (p *Publisher) PublishStatus(st engine.Status) error {
	return p.publishJSON(p.stateTopic(st.ChargerID), st, true)
}

// PublishAvailability publishes the bridge-wide availability.
func (p *Publisher) PublishAvailability(online bool) error {
	payload := mqtt.AvailabilityOffline
	if online {
		payload = mqtt.AvailabilityOnline
	}
	topic := p.client.AvailabilityTopic()
	if err := p.client.Publish(topic, []byte(payload), true); err != nil {
		return fmt.Errorf("failed to publish availability to %s: %w", topic, err)
	}
	return nil
}

// Notify publishes a notification keyed by id.
func (p *Publisher) Notify(_ context.Context, id, title, message string) error {
	n := Notification{ID: id, Title: title, Message: message}
	return p.publishJSON(p.client.BaseTopic()+"/notifications", n, false)
}

func (p *Publisher) name(chargerID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.names[chargerID]
}

func (p *Publisher) stateTopic(chargerID string) string {
	return mqtt.BuildCleanTopic(p.client.BaseTopic(), chargerID, "state")
}

func (p *Publisher) eventTopic(chargerID string, kind bus.Kind) string {
	return mqtt.BuildCleanTopic(p.client.BaseTopic(), chargerID, "event", string(kind))
}

// publishDiscoveryConfigs publishes every session entity of a charger once.
func (p *Publisher) publishDiscoveryConfigs(chargerID, chargerName string) {
	device := HADevice{
		Identifiers:  []string{fmt.Sprintf("evcm_%s", chargerID)},
		Name:         chargerName,
		Model:        "Charging session tracker",
		Manufacturer: "EV Charging Manager",
		SWVersion:    p.version,
	}
	for _, sensor := range sessionSensors {
		if err := p.publishDiscoveryForSensor(chargerID, sensor, device); err != nil {
			p.logger.WithError(err).WithField("sensor", sensor.Name).Error("Failed to publish discovery config")
		}
	}
}

func (p *Publisher) publishDiscoveryForSensor(chargerID string, sensor SensorConfig, device HADevice) error {
	uniqueID := fmt.Sprintf("evcm_%s_%s", chargerID, sensor.EntityID)

	p.mu.Lock()
	done := p.publishedSensors[uniqueID]
	p.mu.Unlock()
	if done {
		return nil
	}

	config := HADiscoveryConfig{
		Name:              sensor.Name,
		UniqueID:          uniqueID,
		ObjectID:          uniqueID,
		StateTopic:        p.stateTopic(chargerID),
		ValueTemplate:     sensor.Template,
		DeviceClass:       sensor.DeviceClass,
		UnitOfMeasurement: sensor.Unit,
		Icon:              sensor.Icon,
		StateClass:        sensor.StateClass,
		EntityCategory:    sensor.Category,
		AvailabilityTopic: p.client.AvailabilityTopic(),
		Device:            device,
	}

	topic := fmt.Sprintf("%s/%s/evcm_%s/%s/config", p.discoveryPrefix, sensor.EntityType, chargerID, sensor.EntityID)
	if err := p.publishJSON(topic, config, true); err != nil {
		return fmt.Errorf("failed to publish %s discovery config: %w", sensor.Name, err)
	}

	p.logger.WithFields(logrus.Fields{
		"charger":   chargerID,
		"entity_id": sensor.EntityID,
		"topic":     topic,
	}).Debug("Published sensor discovery config")

	p.mu.Lock()
	p.publishedSensors[uniqueID] = true
	p.mu.Unlock()
	return nil
}

func (p *Publisher) publishJSON(topic string, v interface{}, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	if err := p.client.Publish(topic, payload, retained); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
