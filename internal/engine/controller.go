// Package engine runs the per-charging-point session state machine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jkaberg/ev-charging-manager/internal/bus"
	"github.com/jkaberg/ev-charging-manager/internal/config"
	"github.com/jkaberg/ev-charging-manager/internal/domain"
	"github.com/jkaberg/ev-charging-manager/internal/identity"
	"github.com/jkaberg/ev-charging-manager/internal/metrics"
	"github.com/jkaberg/ev-charging-manager/internal/pricing"
	"github.com/jkaberg/ev-charging-manager/internal/sensors"
	"github.com/jkaberg/ev-charging-manager/internal/store"
)

// State of a controller.
type State string

const (
	StateIdle       State = "idle"
	StateTracking   State = "tracking"
	StateCompleting State = "completing"
)

// Publisher receives lifecycle events. *bus.Bus implements it.
type Publisher interface {
	Publish(ev bus.Event)
}

// Deps are the collaborators of a controller.
type Deps struct {
	Reader     sensors.Reader
	Identities identity.Source
	Store      store.Store
	Publisher  Publisher
	Logger     *logrus.Logger
}

// Status is the running state exposed to presentation layers.
type Status struct {
	ChargerID   string          `json:"charger_id"`
	ChargerName string          `json:"charger_name"`
	State       State           `json:"state"`
	Session     *domain.Session `json:"session"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Option customises a controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIDGenerator replaces the random session id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

type triggerKind int

const (
	triggerState triggerKind = iota
	triggerHour
)

type trigger struct {
	kind      triggerKind
	entityID  string
	at        time.Time
	sessionID string
}

// Controller owns the session lifecycle of one charging point. Exported
// handlers are serialised by a mutex; Run feeds them from a single loop.
type Controller struct {
	cfg      config.ChargerConfig
	pricing  *pricing.Engine
	resolver *identity.Resolver
	deps     Deps
	log      *logrus.Entry
	now      func() time.Time
	newID    func() string
	watched  map[string]struct{}

	mu            sync.Mutex
	state         State
	session       *domain.Session
	lastStatus    sensors.Reading
	lastEnergyKWh float64
	hourStart     time.Time
	hourEnergy    float64 // session energy at the start of the open spot hour
	hourTimer     *time.Timer
	gaps          map[string]bool
	cardPending   bool // resumed before the card slot reported

	triggers  chan trigger
	done      chan struct{}
	closeOnce sync.Once
	status    atomic.Pointer[Status]
}

// New builds an idle controller. Call Recover before Run.
func New(cfg config.ChargerConfig, deps Deps, opts ...Option) (*Controller, error) {
	pe, err := pricing.New(cfg.Pricing)
	if err != nil {
		return nil, fmt.Errorf("charger %s: %w", cfg.ID, err)
	}
	if deps.Reader == nil || deps.Store == nil || deps.Identities == nil {
		return nil, fmt.Errorf("charger %s: reader, store and identity source are required", cfg.ID)
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	log := deps.Logger.WithField("charger", cfg.ID)

	c := &Controller{
		cfg:      cfg,
		pricing:  pe,
		resolver: identity.NewResolver(log),
		deps:     deps,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
		watched:  make(map[string]struct{}),
		state:    StateIdle,
		gaps:     make(map[string]bool),
		triggers: make(chan trigger, 64),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	for _, e := range cfg.WatchedEntities() {
		c.watched[e] = struct{}{}
	}
	if pe.Mode() == pricing.ModeSpot && pe.SpotPriceEntity() != "" {
		c.watched[pe.SpotPriceEntity()] = struct{}{}
	}
	metrics.ActiveSession.WithLabelValues(cfg.ID).Set(0)
	c.refreshStatus()
	return c, nil
}

// ID returns the charging point id.
func (c *Controller) ID() string { return c.cfg.ID }

// Config returns the charging point definition.
func (c *Controller) Config() config.ChargerConfig { return c.cfg }

// Watches reports whether a change of entityID is relevant.
func (c *Controller) Watches(entityID string) bool {
	_, ok := c.watched[entityID]
	return ok
}

// Status returns the latest running state. Safe for concurrent use.
func (c *Controller) Status() Status {
	return *c.status.Load()
}

// Notify queues a state-change notification for the Run loop. Bursts are
// coalesced: when the queue is full the notification is dropped, since the
// queued ones will read the same latest state.
func (c *Controller) Notify(entityID string) {
	if !c.Watches(entityID) {
		return
	}
	select {
	case c.triggers <- trigger{kind: triggerState, entityID: entityID}:
	case <-c.done:
	default:
		c.log.WithField("entity", entityID).Debug("Trigger queue full, coalescing notification")
	}
}

// post delivers a timer trigger, giving up once the controller is closed.
func (c *Controller) post(t trigger) {
	select {
	case c.triggers <- t:
	case <-c.done:
	}
}

// Run processes triggers and persists the active session periodically until
// ctx is cancelled or Close is called.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Options.PersistenceInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-c.done:
			return nil
		case t := <-c.triggers:
			switch t.kind {
			case triggerState:
				c.HandleStateChange(ctx, t.entityID)
			case triggerHour:
				c.closeHourFor(ctx, t.sessionID, t.at)
			}
		case <-ticker.C:
			c.SaveSnapshot(ctx)
		}
	}
}

// shutdown saves the active session one last time so a restart can recover
// it, then tears the controller down.
func (c *Controller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), config.StoreTimeout)
	defer cancel()
	c.SaveSnapshot(ctx)
	c.Close()
}

// Close cancels all timers. Pending timer callbacks become no-ops.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.stopHourTimer()
		c.mu.Unlock()
	})
}

// HandleStateChange evaluates the state machine against the current sensor
// readings. entityID names the entity that changed and is only used for
// logging.
func (c *Controller) HandleStateChange(ctx context.Context, entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.refreshStatus()

	switch c.state {
	case StateIdle:
		status := c.read(c.cfg.Entities.CarStatus)
		if !status.Equals(c.cfg.ChargingValue) {
			return
		}
		trx, ok := c.readTrx()
		if !ok {
			c.log.WithField("entity", entityID).Debug("Charging without a card slot value, waiting")
			return
		}
		// Flip before any work so a burst of notifications cannot start twice.
		c.state = StateTracking
		c.start(ctx, status, trx)

	case StateTracking:
		status := c.carStatus()
		if !status.Equals(c.cfg.ChargingValue) {
			c.state = StateCompleting
			c.complete(ctx)
			return
		}
		if c.cardPending && c.reconcileCard(ctx, status) {
			return
		}
		c.update(ctx)
	}
}

// CloseHour bills the open spot hour at boundary at. It is a no-op unless a
// spot-priced session is being tracked.
func (c *Controller) CloseHour(ctx context.Context, at time.Time) {
	c.mu.Lock()
	id := ""
	if c.session != nil {
		id = c.session.ID
	}
	c.mu.Unlock()
	c.closeHourFor(ctx, id, at)
}

func (c *Controller) closeHourFor(ctx context.Context, sessionID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.refreshStatus()

	if c.state != StateTracking || c.session == nil || c.session.ID != sessionID {
		return
	}
	if c.pricing.Mode() != pricing.ModeSpot {
		return
	}
	c.closeHour(at)
	c.scheduleHour()
	c.refreshDerived(c.now())
	c.publish(bus.KindUpdated)
}

// SaveSnapshot persists the active session, if any.
func (c *Controller) SaveSnapshot(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateTracking || c.session == nil {
		return
	}
	c.saveActive(ctx)
}

// ---------------------------------------------------------------------------
// Lifecycle (callers hold c.mu)
// ---------------------------------------------------------------------------

func (c *Controller) start(ctx context.Context, status, trx sensors.Reading) {
	now := c.now()
	res := c.resolver.Resolve(c.deps.Identities.Snapshot(), trx)

	var uid *string
	if c.cfg.Entities.RfidUID != "" {
		if r := c.read(c.cfg.Entities.RfidUID); r.Valid {
			v := r.Raw
			uid = &v
		}
	}

	energy, energyOK := c.readEnergy()
	s := domain.NewSession(c.newID(), domain.AttributionFrom(res, uid), c.cfg.Name, now, energy, c.pricing.Mode())
	c.session = s
	c.lastStatus = status
	c.lastEnergyKWh = energy
	c.gaps = make(map[string]bool)
	if !energyOK {
		c.markGap(c.cfg.Entities.Energy)
	}
	if p, ok := c.readFloat(c.cfg.Entities.Power); ok && p > 0 {
		s.MaxPowerW = p
	}
	if v, ok := c.readFloat(c.cfg.Entities.TotalEnergy); ok {
		s.ChargerTotalBeforeKWh = &v
	}

	if c.pricing.Mode() == pricing.ModeSpot {
		c.hourStart = now.Truncate(time.Hour)
		c.hourEnergy = 0
		c.scheduleHour()
	}
	c.refreshDerived(now)
	c.saveActive(ctx)

	c.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"user":       s.UserName,
		"user_type":  s.UserType,
		"vehicle":    deref(s.VehicleName),
		"trx":        trx.Raw,
		"reason":     res.Reason,
	}).Info("Session started")
	metrics.SessionsStarted.WithLabelValues(c.cfg.ID, s.UserType).Inc()
	metrics.ActiveSession.WithLabelValues(c.cfg.ID).Set(1)
	c.publish(bus.KindStarted)
}

func (c *Controller) update(ctx context.Context) {
	s := c.session
	if s == nil {
		return
	}
	if e, ok := c.readEnergy(); ok {
		c.applyEnergy(e)
	} else {
		c.markGap(c.cfg.Entities.Energy)
	}
	if c.cfg.Entities.Power != "" {
		if p, ok := c.readFloat(c.cfg.Entities.Power); ok {
			if p > s.MaxPowerW {
				s.MaxPowerW = p
			}
		} else {
			c.markGap(c.cfg.Entities.Power)
		}
	}
	if c.cfg.Entities.TotalEnergy != "" {
		if _, ok := c.readFloat(c.cfg.Entities.TotalEnergy); !ok {
			c.markGap(c.cfg.Entities.TotalEnergy)
		}
	}

	now := c.now()
	c.refreshDerived(now)
	metrics.SessionEnergy.WithLabelValues(c.cfg.ID).Set(s.EnergyKWh)
	c.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"energy_kwh": s.EnergyKWh,
		"cost":       s.CostTotal,
	}).Debug("Session update")
	c.publish(bus.KindUpdated)
}

// applyEnergy folds a meter reading (kWh) into the session. A reading below
// the previous one is a meter reset: the start reading is re-based so the
// energy already counted is kept.
func (c *Controller) applyEnergy(reading float64) {
	s := c.session
	if reading < c.lastEnergyKWh || reading < s.EnergyStartKWh {
		rebased := reading - s.EnergyKWh
		c.log.WithFields(logrus.Fields{
			"session_id": s.ID,
			"previous":   c.lastEnergyKWh,
			"reading":    reading,
			"old_start":  s.EnergyStartKWh,
			"new_start":  rebased,
		}).Warn("Energy meter went backwards, treating as reset")
		s.EnergyStartKWh = rebased
	}
	c.lastEnergyKWh = reading
	if rel := reading - s.EnergyStartKWh; rel > s.EnergyKWh {
		s.EnergyKWh = rel
	}
}

// refreshDerived recomputes cost, guest price, averages and estimates.
func (c *Controller) refreshDerived(now time.Time) {
	s := c.session
	switch c.pricing.Mode() {
	case pricing.ModeStatic:
		s.CostTotal = c.pricing.Static(s.EnergyKWh)
	case pricing.ModeSpot:
		partial := s.EnergyKWh - c.hourEnergy
		if partial < 0 {
			partial = 0
		}
		live := c.pricing.SpotHour(c.hourStart, partial, c.spotPrice())
		s.CostTotal = pricing.Round4(pricing.SpotTotal(s.PriceDetails) + live.Cost)
	}
	s.ChargePriceTotal = pricing.GuestPrice(s.GuestPricing, s.EnergyKWh, s.CostTotal)
	s.EstimatedSocAddedPct = domain.EstimateChargeAdded(s.EnergyKWh, s.EfficiencyFactor, s.VehicleBatteryKWh)
	s.UpdateAveragePower(now)
}

// closeHour appends the open hour to the breakdown and opens the next one.
func (c *Controller) closeHour(at time.Time) {
	s := c.session
	kwh := s.EnergyKWh - c.hourEnergy
	if kwh < 0 {
		kwh = 0
	}
	price := c.spotPrice()
	if price == nil {
		c.log.WithFields(logrus.Fields{
			"session_id": s.ID,
			"entity":     c.pricing.SpotPriceEntity(),
			"hour":       c.hourStart.Format(time.RFC3339),
			"fallback":   c.pricing.FallbackPrice(),
		}).Warn("Spot price unavailable, using fallback price")
		metrics.SpotFallbacks.WithLabelValues(c.cfg.ID).Inc()
	}
	s.PriceDetails = append(s.PriceDetails, c.pricing.SpotHour(c.hourStart, kwh, price))
	s.CostTotal = pricing.SpotTotal(s.PriceDetails)
	c.hourEnergy = s.EnergyKWh
	c.hourStart = at.Truncate(time.Hour)
}

func (c *Controller) complete(ctx context.Context) {
	s := c.session
	if s == nil {
		c.reset()
		return
	}
	now := c.now()
	c.stopHourTimer()

	// The charger often reports its final meter value together with the
	// status change.
	if e, ok := c.readEnergy(); ok {
		c.applyEnergy(e)
	}

	if c.pricing.Mode() == pricing.ModeSpot {
		c.closeHour(now)
	} else {
		s.CostTotal = c.pricing.Static(s.EnergyKWh)
	}
	s.ChargePriceTotal = pricing.GuestPrice(s.GuestPricing, s.EnergyKWh, s.CostTotal)
	s.EstimatedSocAddedPct = domain.EstimateChargeAdded(s.EnergyKWh, s.EfficiencyFactor, s.VehicleBatteryKWh)
	s.Finish(now)
	c.crossValidate(s)

	c.finalize(ctx, s)
	c.reset()
}

// crossValidate compares the tracked energy with the charger's lifetime
// counter. It only ever logs.
func (c *Controller) crossValidate(s *domain.Session) {
	after, ok := c.readFloat(c.cfg.Entities.TotalEnergy)
	if !ok {
		return
	}
	s.ChargerTotalAfterKWh = &after
	if s.ChargerTotalBeforeKWh == nil {
		return
	}
	delta := after - *s.ChargerTotalBeforeKWh
	if delta <= 0 {
		if s.EnergyKWh > 0 {
			c.log.WithFields(logrus.Fields{
				"session_id":  s.ID,
				"tracked_kwh": s.EnergyKWh,
				"counter_kwh": delta,
			}).Warn("Charger total counter did not advance during session")
		}
		return
	}
	deviation := abs(delta-s.EnergyKWh) / delta
	if deviation > c.cfg.Options.CrossValidationThreshold {
		c.log.WithFields(logrus.Fields{
			"session_id":    s.ID,
			"tracked_kwh":   s.EnergyKWh,
			"counter_kwh":   delta,
			"deviation_pct": pricing.Round2(deviation * 100),
		}).Warn("Session energy deviates from charger total counter")
	}
}

// finalize applies the micro-session filter, records and announces s, and
// drops the persisted snapshot.
func (c *Controller) finalize(ctx context.Context, s *domain.Session) {
	fields := logrus.Fields{
		"session_id":    s.ID,
		"duration_s":    s.DurationSeconds,
		"energy_kwh":    s.EnergyKWh,
		"reconstructed": s.Reconstructed,
	}
	minDuration := c.cfg.Options.MinDuration()
	minEnergy := c.cfg.Options.MinEnergyKWh()
	micro := time.Duration(s.DurationSeconds)*time.Second < minDuration || s.EnergyKWh < minEnergy

	if micro {
		c.log.WithFields(fields).Info("Micro-session discarded")
		metrics.SessionsCompleted.WithLabelValues(c.cfg.ID, metrics.OutcomeDiscarded).Inc()
	} else {
		sctx, cancel := context.WithTimeout(ctx, config.StoreTimeout)
		if err := c.deps.Store.AddSession(sctx, c.cfg.ID, s); err != nil {
			c.log.WithFields(fields).WithError(err).Error("Failed to persist completed session")
			metrics.PersistenceErrors.WithLabelValues(c.cfg.ID, "add_session").Inc()
		}
		cancel()
		c.log.WithFields(fields).WithField("cost", s.CostTotal).Info("Session completed")
		metrics.SessionsCompleted.WithLabelValues(c.cfg.ID, metrics.OutcomeRecorded).Inc()
		metrics.EnergyDelivered.WithLabelValues(c.cfg.ID).Add(s.EnergyKWh)
		payload := s.CompletedPayload()
		c.emit(bus.Event{Kind: bus.KindCompleted, Completed: &payload, Session: s.Clone()})
	}
	c.emit(bus.Event{Kind: bus.KindEnded, Session: s.Clone(), Discarded: micro})

	sctx, cancel := context.WithTimeout(ctx, config.StoreTimeout)
	defer cancel()
	if err := c.deps.Store.ClearActive(sctx, c.cfg.ID); err != nil {
		c.log.WithError(err).Error("Failed to clear active session")
		metrics.PersistenceErrors.WithLabelValues(c.cfg.ID, "clear_active").Inc()
	}
}

func (c *Controller) reset() {
	c.stopHourTimer()
	c.session = nil
	c.lastStatus = sensors.Unavailable
	c.lastEnergyKWh = 0
	c.hourStart = time.Time{}
	c.hourEnergy = 0
	c.gaps = make(map[string]bool)
	c.cardPending = false
	c.state = StateIdle
	metrics.ActiveSession.WithLabelValues(c.cfg.ID).Set(0)
	metrics.SessionEnergy.WithLabelValues(c.cfg.ID).Set(0)
}

// ---------------------------------------------------------------------------
// Helpers (callers hold c.mu)
// ---------------------------------------------------------------------------

func (c *Controller) read(entityID string) sensors.Reading {
	if entityID == "" {
		return sensors.Unavailable
	}
	return c.deps.Reader.Read(entityID)
}

func (c *Controller) readFloat(entityID string) (float64, bool) {
	if entityID == "" {
		return 0, false
	}
	r := c.deps.Reader.Read(entityID)
	v, err := r.Float()
	if err != nil {
		if r.Valid {
			c.log.WithFields(logrus.Fields{"entity": entityID, "value": r.Raw}).Debug("Ignoring non-numeric reading")
		}
		return 0, false
	}
	return v, true
}

func (c *Controller) readEnergy() (float64, bool) {
	v, ok := c.readFloat(c.cfg.Entities.Energy)
	if !ok {
		return 0, false
	}
	return c.cfg.EnergyKWh(v), true
}

// readTrx returns the card-slot reading and whether a session may start.
// Chargers without a card-slot entity start on charge status alone.
func (c *Controller) readTrx() (sensors.Reading, bool) {
	if c.cfg.Entities.Rfid == "" {
		return sensors.Unavailable, true
	}
	r := c.deps.Reader.Read(c.cfg.Entities.Rfid)
	return r, r.Valid
}

// carStatus returns the charge status while tracking, keeping the last
// known value through a dropout.
func (c *Controller) carStatus() sensors.Reading {
	r := c.read(c.cfg.Entities.CarStatus)
	if !r.Valid {
		c.markGap(c.cfg.Entities.CarStatus)
		return c.lastStatus
	}
	c.lastStatus = r
	return r
}

func (c *Controller) spotPrice() *float64 {
	v, ok := c.readFloat(c.pricing.SpotPriceEntity())
	if !ok {
		return nil
	}
	return &v
}

func (c *Controller) markGap(entityID string) {
	if c.session == nil {
		return
	}
	c.session.DataGap = true
	if c.gaps[entityID] {
		return
	}
	c.gaps[entityID] = true
	c.log.WithFields(logrus.Fields{
		"session_id": c.session.ID,
		"entity":     entityID,
	}).Warn("Sensor unavailable during session, keeping last known value")
	metrics.DataGaps.WithLabelValues(c.cfg.ID, entityID).Inc()
}

func (c *Controller) scheduleHour() {
	c.stopHourTimer()
	if c.session == nil {
		return
	}
	now := c.now()
	next := now.Truncate(time.Hour).Add(time.Hour)
	id := c.session.ID
	c.hourTimer = time.AfterFunc(next.Sub(now), func() {
		c.post(trigger{kind: triggerHour, at: next, sessionID: id})
	})
}

func (c *Controller) stopHourTimer() {
	if c.hourTimer != nil {
		c.hourTimer.Stop()
		c.hourTimer = nil
	}
}

func (c *Controller) saveActive(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, config.StoreTimeout)
	defer cancel()
	if err := c.deps.Store.SaveActive(sctx, c.cfg.ID, c.session); err != nil {
		c.log.WithError(err).WithField("session_id", c.session.ID).Error("Failed to persist active session")
		metrics.PersistenceErrors.WithLabelValues(c.cfg.ID, "save_active").Inc()
	}
}

func (c *Controller) publish(kind bus.Kind) {
	if c.session == nil {
		return
	}
	ev := bus.Event{Kind: kind, Session: c.session.Clone()}
	if kind == bus.KindStarted {
		payload := c.session.StartedPayload()
		ev.Started = &payload
	}
	c.emit(ev)
}

func (c *Controller) emit(ev bus.Event) {
	if c.deps.Publisher == nil {
		return
	}
	ev.ChargerID = c.cfg.ID
	ev.At = c.now()
	c.deps.Publisher.Publish(ev)
}

func (c *Controller) refreshStatus() {
	c.status.Store(&Status{
		ChargerID:   c.cfg.ID,
		ChargerName: c.cfg.Name,
		State:       c.state,
		Session:     c.session.Clone(),
		UpdatedAt:   c.now(),
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
