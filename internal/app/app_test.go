package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/ev-charging-manager/internal/config"
	"github.com/jkaberg/ev-charging-manager/internal/domain"
	"github.com/jkaberg/ev-charging-manager/internal/engine"
	"github.com/jkaberg/ev-charging-manager/internal/identity"
	"github.com/jkaberg/ev-charging-manager/internal/mqtt"
	"github.com/jkaberg/ev-charging-manager/internal/store"
)

const chargersDoc = `
chargers:
  - id: garage
    name: Garage
    energy_unit: kWh
    charging_value: Charging
    entities:
      car_status: sensor.garage_status
      energy: sensor.garage_energy
      rfid: select.garage_trx
`

// broker is an in-process stand-in for an MQTT broker: retained messages
// are replayed to new subscribers.
type broker struct {
	mu        sync.Mutex
	retained  map[string][]byte
	handlers  map[string]mqtt.Handler
	published map[string][][]byte
}

func newBroker() *broker {
	return &broker{
		retained:  make(map[string][]byte),
		handlers:  make(map[string]mqtt.Handler),
		published: make(map[string][][]byte),
	}
}

func (b *broker) Publish(topic string, payload []byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], payload)
	if retained {
		b.retained[topic] = payload
	}
	return nil
}

func (b *broker) Subscribe(topic string, handler mqtt.Handler) error {
	b.mu.Lock()
	b.handlers[topic] = handler
	prefix := strings.TrimSuffix(topic, "+/+/state")
	var replay []string
	for t := range b.retained {
		if strings.HasPrefix(t, prefix) && strings.HasSuffix(t, "/state") {
			replay = append(replay, t)
		}
	}
	retained := make(map[string][]byte, len(replay))
	for _, t := range replay {
		retained[t] = b.retained[t]
	}
	b.mu.Unlock()

	for t, p := range retained {
		handler(t, p)
	}
	return nil
}

func (b *broker) IsConnected() bool         { return true }
func (b *broker) BaseTopic() string         { return "evcm" }
func (b *broker) AvailabilityTopic() string { return "evcm/availability" }

// state publishes an entity state the way mqtt_statestream does.
func (b *broker) state(entityID, value string) {
	topic := "homeassistant/statestream/" + strings.Replace(entityID, ".", "/", 1) + "/state"
	b.mu.Lock()
	b.retained[topic] = []byte(value)
	h := b.handlers["homeassistant/statestream/+/+/state"]
	b.mu.Unlock()
	if h != nil {
		h(topic, []byte(value))
	}
}

func (b *broker) last(topic string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.published[topic]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRun_EndToEnd(t *testing.T) {
	f, err := config.ParseChargers([]byte(chargersDoc))
	require.NoError(t, err)

	cfg := config.GetDefaultConfig()
	cfg.Store = config.StoreMemory
	cfg.HTTPAddr = ""
	require.NoError(t, cfg.Validate())

	b := newBroker()
	b.state("sensor.garage_status", "Charging")
	b.state("select.garage_trx", "1")
	b.state("sensor.garage_energy", "10.0")

	mem := store.NewMemoryStore(10)
	clk := &clock{now: time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)}
	logger, _ := test.NewNullLogger()
	a, err := New(Options{
		Config:   cfg,
		Chargers: f.Chargers,
		Identities: identity.StaticSource{Data: identity.Snapshot{
			Users:        []identity.User{{ID: "u1", Name: "Petra", Type: identity.UserTypeRegular}},
			RfidMappings: []identity.RfidMapping{{CardIndex: 0, UserID: "u1"}},
		}},
		Store:             mem,
		MQTT:              b,
		Version:           "test",
		Logger:            logger,
		ControllerOptions: []engine.Option{engine.WithClock(clk.Now)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, ok := a.Registry().Status("garage")
		return ok && st.State == engine.StateTracking
	}, 2*time.Second, 10*time.Millisecond, "charging at startup opens a session")

	st, _ := a.Registry().Status("garage")
	assert.Equal(t, "Petra", st.Session.UserName)
	assert.NotNil(t, b.last("homeassistant/sensor/evcm_garage/session_energy/config"))
	assert.NotNil(t, b.last("evcm/garage/event/session_started"))

	clk.Advance(time.Hour)
	b.state("sensor.garage_energy", "21.0")
	b.state("sensor.garage_status", "Complete")

	require.Eventually(t, func() bool {
		hist, err := mem.Sessions(context.Background(), "garage", 0)
		return err == nil && len(hist) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hist, _ := mem.Sessions(context.Background(), "garage", 0)
	assert.Equal(t, 11.0, hist[0].EnergyKWh)

	require.Eventually(t, func() bool {
		var c domain.SessionCompleted
		raw := b.last("evcm/garage/event/session_completed")
		return raw != nil && json.Unmarshal(raw, &c) == nil && c.EnergyKWh == 11.0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		var s engine.Status
		raw := b.last("evcm/garage/state")
		return raw != nil && json.Unmarshal(raw, &s) == nil && s.State == engine.StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, "offline", string(b.last("evcm/availability")))
}

func TestRun_RecoversSnapshot(t *testing.T) {
	f, err := config.ParseChargers([]byte(chargersDoc))
	require.NoError(t, err)
	cfg := config.GetDefaultConfig()
	cfg.Store = config.StoreMemory
	cfg.HTTPAddr = ""

	start := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore(10)
	snap := domain.NewSession("s-prev", domain.Attribution{UserName: "Petra", UserType: identity.UserTypeRegular},
		"Garage", start, 10.0, "static")
	snap.EnergyKWh = 4.0
	require.NoError(t, mem.SaveActive(context.Background(), "garage", snap))

	b := newBroker()
	b.state("sensor.garage_status", "Complete")
	b.state("sensor.garage_energy", "14.0")
	b.state("select.garage_trx", "0")

	clk := &clock{now: start.Add(2 * time.Hour)}
	logger, _ := test.NewNullLogger()
	a, err := New(Options{
		Config:            cfg,
		Chargers:          f.Chargers,
		Identities:        identity.StaticSource{},
		Store:             mem,
		MQTT:              b,
		Logger:            logger,
		ControllerOptions: []engine.Option{engine.WithClock(clk.Now)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		hist, err := mem.Sessions(context.Background(), "garage", 0)
		return err == nil && len(hist) == 1
	}, 2*time.Second, 10*time.Millisecond, "snapshot finalised while offline")

	hist, _ := mem.Sessions(context.Background(), "garage", 0)
	assert.Equal(t, "s-prev", hist[0].ID)
	assert.True(t, hist[0].Reconstructed)

	raw, err := mem.LoadActive(context.Background(), "garage")
	require.NoError(t, err)
	assert.Nil(t, raw)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_CardSlotReportsLate(t *testing.T) {
	f, err := config.ParseChargers([]byte(chargersDoc))
	require.NoError(t, err)
	cfg := config.GetDefaultConfig()
	cfg.Store = config.StoreMemory
	cfg.HTTPAddr = ""

	start := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore(10)
	card := 1
	snap := domain.NewSession("s-prev", domain.Attribution{UserName: "Petra", UserType: identity.UserTypeRegular, RfidIndex: &card},
		"Garage", start, 10.0, "static")
	snap.EnergyKWh = 4.0
	require.NoError(t, mem.SaveActive(context.Background(), "garage", snap))

	b := newBroker()
	b.state("sensor.garage_status", "Charging")
	b.state("sensor.garage_energy", "14.5")

	clk := &clock{now: start.Add(30 * time.Minute)}
	logger, _ := test.NewNullLogger()
	a, err := New(Options{
		Config:            cfg,
		Chargers:          f.Chargers,
		Identities:        identity.StaticSource{},
		Store:             mem,
		MQTT:              b,
		Logger:            logger,
		ControllerOptions: []engine.Option{engine.WithClock(clk.Now)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	b.state("select.garage_trx", "2")

	require.Eventually(t, func() bool {
		st, ok := a.Registry().Status("garage")
		return ok && st.State == engine.StateTracking && st.Session != nil && st.Session.EnergyKWh == 4.5
	}, 3*time.Second, 10*time.Millisecond)

	st, _ := a.Registry().Status("garage")
	assert.Equal(t, "s-prev", st.Session.ID, "the interrupted session continues")
	assert.True(t, st.Session.Reconstructed)

	hist, err := mem.Sessions(context.Background(), "garage", 0)
	require.NoError(t, err)
	assert.Empty(t, hist, "nothing finalised")

	cancel()
	require.NoError(t, <-done)
}

func TestRegistry(t *testing.T) {
	f, err := config.ParseChargers([]byte(chargersDoc))
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	cfg := config.GetDefaultConfig()
	a, err := New(Options{Config: cfg, Chargers: f.Chargers, Identities: identity.StaticSource{},
		Store: store.NewMemoryStore(1), Logger: logger})
	require.NoError(t, err)

	r := a.Registry()
	assert.True(t, r.Watches("sensor.garage_energy"))
	assert.False(t, r.Watches("sensor.other"))
	assert.ElementsMatch(t, []string{"sensor.garage_status", "sensor.garage_energy", "select.garage_trx"}, r.Entities())

	_, ok := r.Status("garage")
	assert.True(t, ok)
	_, ok = r.Status("carport")
	assert.False(t, ok)

	c, _ := r.Get("garage")
	assert.Error(t, r.Add(c), "duplicate ids are rejected")
	assert.Len(t, r.Statuses(), 1)

	_, err = New(Options{Config: cfg})
	assert.Error(t, err)
}
