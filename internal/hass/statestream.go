// Package hass bridges Home Assistant over MQTT: entity states come in via
// the statestream integration, session state and events go out with
// discovery so they appear as entities.
package hass

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/ev-charging-manager/internal/metrics"
	"github.com/jkaberg/ev-charging-manager/internal/mqtt"
	"github.com/jkaberg/ev-charging-manager/internal/sensors"
)

// Client is the subset of *mqtt.Client the bridge needs.
type Client interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler mqtt.Handler) error
	IsConnected() bool
	BaseTopic() string
	AvailabilityTopic() string
}

// Target is told about changes to the entities it watches.
// *engine.Controller implements it.
type Target interface {
	Watches(entityID string) bool
	Notify(entityID string)
}

// Statestream feeds the state cache from <prefix>/<domain>/<object_id>/state
// messages and wakes the targets watching a changed entity.
type Statestream struct {
	client Client
	prefix string
	states *sensors.StateCache
	logger *logrus.Logger

	mu      sync.RWMutex
	targets []Target
}

// NewStatestream creates an ingester for the given statestream base topic.
func NewStatestream(client Client, prefix string, states *sensors.StateCache, logger *logrus.Logger) *Statestream {
	return &Statestream{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		states: states,
		logger: logger,
	}
}

// AddTarget registers t for change notifications.
func (s *Statestream) AddTarget(t Target) {
	s.mu.Lock()
	s.targets = append(s.targets, t)
	s.mu.Unlock()
}

// Start subscribes to every entity state below the prefix. Retained state
// messages arrive right away and prime the cache.
func (s *Statestream) Start() error {
	return s.client.Subscribe(s.prefix+"/+/+/state", s.HandleMessage)
}

// HandleMessage stores one state message and notifies interested targets
// when the value changed.
func (s *Statestream) HandleMessage(topic string, payload []byte) {
	entityID, ok := s.EntityID(topic)
	if !ok {
		s.logger.WithField("topic", topic).Debug("Ignoring unexpected statestream topic")
		return
	}
	metrics.StateMessages.Inc()

	if !s.states.Set(entityID, string(payload)) {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.targets {
		if t.Watches(entityID) {
			t.Notify(entityID)
		}
	}
}

// EntityID maps a statestream topic to its entity id.
func (s *Statestream) EntityID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, s.prefix+"/")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "state" || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0] + "." + parts[1], true
}
