package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/ev-charging-manager/internal/bus"
	"github.com/jkaberg/ev-charging-manager/internal/pricing"
)

// interrupted runs a session up to 5 kWh, persists it and "restarts" the
// process by building a fresh controller over the same store.
func interrupted(t *testing.T, h *harness) string {
	t.Helper()
	h.startCharging()
	h.clock.Advance(45 * time.Minute)
	h.set(entWh, "15.0")
	h.change(entWh)
	h.ctrl.SaveSnapshot(context.Background())
	id := h.ctrl.Status().Session.ID

	h.ctrl.Close()
	h.ctrl = h.newController()
	h.clock.Advance(15 * time.Minute)
	return id
}

func TestRecover_NoSnapshotIsNoop(t *testing.T) {
	h := newHarness(t, chargerConfig())
	require.NoError(t, h.ctrl.Recover(context.Background()))
	require.NoError(t, h.ctrl.Recover(context.Background()))

	assert.Equal(t, StateIdle, h.ctrl.Status().State)
	assert.Empty(t, h.pub.events)
	assert.Empty(t, h.history())
}

func TestRecover_ResumesSameSession(t *testing.T) {
	h := newHarness(t, chargerConfig())
	id := interrupted(t, h)

	h.set(entCar, "Charging", entTrx, "1", entWh, "17.0")
	require.NoError(t, h.ctrl.Recover(context.Background()))

	st := h.ctrl.Status()
	require.Equal(t, StateTracking, st.State)
	require.NotNil(t, st.Session)
	assert.Equal(t, id, st.Session.ID)
	assert.True(t, st.Session.Reconstructed)
	assert.Equal(t, 7.0, st.Session.EnergyKWh, "energy consumed while offline is counted")
	assert.Equal(t, 17.5, st.Session.CostTotal)
	assert.Empty(t, h.pub.of(bus.KindStarted), "no second start notification")

	require.NoError(t, h.ctrl.Recover(context.Background()), "recovering twice is harmless")
	assert.Equal(t, id, h.ctrl.Status().Session.ID)

	h.set(entWh, "18.0")
	h.change(entWh)
	assert.Equal(t, 8.0, h.ctrl.Status().Session.EnergyKWh)

	h.clock.Advance(time.Hour)
	h.stopCharging()
	completed := h.pub.of(bus.KindCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].Completed.SessionID)
	assert.True(t, completed[0].Completed.Reconstructed)
	assert.Equal(t, "Petra", completed[0].Completed.UserName)
}

func TestRecover_ChargingEndedWhileOffline(t *testing.T) {
	h := newHarness(t, chargerConfig())
	id := interrupted(t, h)

	h.set(entCar, "Complete", entWh, "16.0")
	require.NoError(t, h.ctrl.Recover(context.Background()))

	assert.Equal(t, StateIdle, h.ctrl.Status().State)
	completed := h.pub.of(bus.KindCompleted)
	require.Len(t, completed, 1, "exactly one completion")
	c := completed[0].Completed
	assert.Equal(t, id, c.SessionID)
	assert.True(t, c.Reconstructed)
	assert.Equal(t, 5.0, c.EnergyKWh, "last known energy")
	assert.Equal(t, 12.5, c.Cost, "last known cost")
	assert.EqualValues(t, 60, c.DurationMinutes)

	require.Len(t, h.history(), 1)
	assert.Nil(t, h.active())

	require.NoError(t, h.ctrl.Recover(context.Background()))
	assert.Len(t, h.pub.of(bus.KindCompleted), 1, "second recovery finds nothing")
}

func TestRecover_DifferentCardStartsNewSession(t *testing.T) {
	h := newHarness(t, chargerConfig())
	id := interrupted(t, h)

	h.set(entCar, "Charging", entTrx, "2", entWh, "15.0")
	require.NoError(t, h.ctrl.Recover(context.Background()))

	completed := h.pub.of(bus.KindCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].Completed.SessionID)
	assert.Equal(t, "Petra", completed[0].Completed.UserName)
	assert.True(t, completed[0].Completed.Reconstructed)

	started := h.pub.of(bus.KindStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "Ola", started[0].Started.UserName)
	assert.NotEqual(t, id, started[0].Started.SessionID)

	st := h.ctrl.Status()
	assert.Equal(t, StateTracking, st.State)
	assert.False(t, st.Session.Reconstructed)
	assert.Equal(t, 15.0, st.Session.EnergyStartKWh)
}

func TestRecover_CardSlotUnavailableResumes(t *testing.T) {
	h := newHarness(t, chargerConfig())
	id := interrupted(t, h)

	h.set(entCar, "Charging", entTrx, "unavailable", entWh, "16.0")
	require.NoError(t, h.ctrl.Recover(context.Background()))

	st := h.ctrl.Status()
	require.Equal(t, StateTracking, st.State)
	assert.Equal(t, id, st.Session.ID, "session kept until the card slot reports")
	assert.True(t, st.Session.DataGap)
	assert.Empty(t, h.pub.of(bus.KindCompleted))
	assert.Empty(t, h.pub.of(bus.KindStarted))

	h.set(entTrx, "1")
	h.change(entTrx)
	st = h.ctrl.Status()
	assert.Equal(t, id, st.Session.ID, "same card continues the session")
	assert.Equal(t, 6.0, st.Session.EnergyKWh)
	assert.Empty(t, h.pub.of(bus.KindCompleted))
}

func TestRecover_CardSlotReportsDifferentCard(t *testing.T) {
	h := newHarness(t, chargerConfig())
	id := interrupted(t, h)

	h.set(entCar, "Charging", entTrx, "unavailable", entWh, "16.0")
	require.NoError(t, h.ctrl.Recover(context.Background()))
	require.Equal(t, id, h.ctrl.Status().Session.ID)

	h.set(entTrx, "2")
	h.change(entTrx)

	completed := h.pub.of(bus.KindCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].Completed.SessionID)
	assert.Equal(t, "Petra", completed[0].Completed.UserName)
	assert.True(t, completed[0].Completed.Reconstructed)

	started := h.pub.of(bus.KindStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "Ola", started[0].Started.UserName)

	st := h.ctrl.Status()
	assert.Equal(t, StateTracking, st.State)
	assert.NotEqual(t, id, st.Session.ID)
	assert.Equal(t, 16.0, st.Session.EnergyStartKWh)

	h.set(entTrx, "1")
	h.change(entTrx)
	assert.Len(t, h.pub.of(bus.KindStarted), 1, "card changes after reconciliation are ignored")
}

func TestRecover_MeterBelowStartFinalises(t *testing.T) {
	h := newHarness(t, chargerConfig())
	id := interrupted(t, h)

	h.set(entCar, "Charging", entTrx, "1", entWh, "3.0")
	require.NoError(t, h.ctrl.Recover(context.Background()))

	completed := h.pub.of(bus.KindCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].Completed.SessionID)
	assert.True(t, completed[0].Completed.Reconstructed)
	assert.True(t, h.warned("Energy meter below snapshot start, finalising snapshot"))

	st := h.ctrl.Status()
	require.Equal(t, StateTracking, st.State, "same card keeps charging in a new session")
	assert.NotEqual(t, id, st.Session.ID)
	assert.Equal(t, 3.0, st.Session.EnergyStartKWh)
}

func TestRecover_MalformedSnapshotDiscarded(t *testing.T) {
	h := newHarness(t, chargerConfig())
	h.store.PutActiveRaw(h.cfg.ID, []byte(`{"id":"x","user_name":12345}`))
	h.set(entCar, "Charging", entTrx, "1", entWh, "10")

	require.NoError(t, h.ctrl.Recover(context.Background()))
	assert.Equal(t, StateIdle, h.ctrl.Status().State)
	assert.True(t, h.warned("Discarding unusable active session snapshot"))
	assert.Nil(t, h.active())
	assert.Empty(t, h.pub.events)

	h.change(entCar)
	assert.Equal(t, StateTracking, h.ctrl.Status().State, "controller works normally afterwards")
}

func TestRecover_MicroSnapshotDiscarded(t *testing.T) {
	h := newHarness(t, chargerConfig())
	h.startCharging()
	h.set(entWh, "10.01")
	h.change(entWh)
	h.ctrl.Close()
	h.ctrl = h.newController()
	h.clock.Advance(time.Hour)

	h.set(entCar, "Complete")
	require.NoError(t, h.ctrl.Recover(context.Background()))
	assert.Empty(t, h.pub.of(bus.KindCompleted))
	assert.Empty(t, h.history())
	assert.Nil(t, h.active())
}

func TestRecover_SpotResumesHourAccounting(t *testing.T) {
	h := newHarness(t, spotConfig())
	h.set(entCar, "Charging", entTrx, "1", entWh, "0", entSpot, "1.00")
	h.change(entCar)

	h.clock.Set(time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC))
	h.set(entWh, "2.0")
	h.change(entWh)
	h.ctrl.CloseHour(context.Background(), h.clock.Now())
	h.ctrl.SaveSnapshot(context.Background())
	h.ctrl.Close()

	h.ctrl = h.newController()
	h.clock.Set(time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC))
	h.set(entWh, "3.0")
	require.NoError(t, h.ctrl.Recover(context.Background()))

	st := h.ctrl.Status().Session
	require.NotNil(t, st)
	require.Len(t, st.PriceDetails, 1)
	rate := (1.00 + 0.85) * 1.25
	assert.InDelta(t, 3.0*rate, st.CostTotal, 1e-3, "closed hour plus live partial hour")

	h.clock.Set(time.Date(2026, 3, 1, 15, 45, 0, 0, time.UTC))
	h.stopCharging()
	hist := h.history()
	require.Len(t, hist, 1)
	require.Len(t, hist[0].PriceDetails, 2)
	assert.Equal(t, 1.0, hist[0].PriceDetails[1].KWh)
	assert.True(t, hist[0].PriceDetails[1].Hour.Equal(time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)))
	assert.Equal(t, pricing.ModeSpot, hist[0].CostMethod)
}

func TestRecover_SpotFinalisesTrailingHour(t *testing.T) {
	h := newHarness(t, spotConfig())
	h.set(entCar, "Charging", entTrx, "1", entWh, "0", entSpot, "1.00")
	h.change(entCar)

	h.clock.Set(time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC))
	h.set(entWh, "2.0")
	h.change(entWh)
	h.ctrl.CloseHour(context.Background(), h.clock.Now())
	h.clock.Set(time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC))
	h.set(entWh, "3.0")
	h.change(entWh)
	h.ctrl.SaveSnapshot(context.Background())
	h.ctrl.Close()

	h.ctrl = h.newController()
	h.clock.Set(time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC))
	h.set(entCar, "Complete", entSpot, "unavailable")
	require.NoError(t, h.ctrl.Recover(context.Background()))

	hist := h.history()
	require.Len(t, hist, 1)
	s := hist[0]
	require.Len(t, s.PriceDetails, 2)
	last := s.PriceDetails[1]
	assert.True(t, last.Hour.Equal(time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1.0, last.KWh)
	rate := (1.00 + 0.85) * 1.25
	assert.InDelta(t, rate, last.Cost, 1e-3, "live estimate of the open hour")
	assert.InDelta(t, 3.0*rate, s.CostTotal, 1e-3, "last known cost")
	assert.InDelta(t, pricing.SpotTotal(s.PriceDetails), s.CostTotal, 1e-9, "breakdown adds up to the total")
}
