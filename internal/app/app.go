// Package app wires the charging-point controllers to their inputs and
// outputs and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jkaberg/ev-charging-manager/internal/api"
	"github.com/jkaberg/ev-charging-manager/internal/bus"
	"github.com/jkaberg/ev-charging-manager/internal/config"
	"github.com/jkaberg/ev-charging-manager/internal/engine"
	"github.com/jkaberg/ev-charging-manager/internal/hass"
	"github.com/jkaberg/ev-charging-manager/internal/identity"
	"github.com/jkaberg/ev-charging-manager/internal/notify"
	"github.com/jkaberg/ev-charging-manager/internal/sensors"
	"github.com/jkaberg/ev-charging-manager/internal/store"
)

const busBuffer = 64

// Options are the collaborators built by main.
type Options struct {
	Config     *config.Config
	Chargers   []config.ChargerConfig
	Identities identity.Source
	Store      store.Store
	// MQTT is optional; without it no entity states arrive and nothing is
	// published, but history stays queryable over HTTP.
	MQTT    hass.Client
	Version string
	Logger  *logrus.Logger

	// ControllerOptions are applied to every controller (tests inject a clock).
	ControllerOptions []engine.Option
}

// App is the assembled process.
type App struct {
	opts     Options
	states   *sensors.StateCache
	bus      *bus.Bus
	registry *Registry
	logger   *logrus.Logger
}

// New builds a controller per charging point.
func New(opts Options) (*App, error) {
	if opts.Config == nil || opts.Store == nil || opts.Identities == nil || opts.Logger == nil {
		return nil, fmt.Errorf("config, store, identity source and logger are required")
	}
	a := &App{
		opts:     opts,
		states:   sensors.NewStateCache(opts.Logger),
		bus:      bus.New(),
		registry: NewRegistry(),
		logger:   opts.Logger,
	}
	for _, cfg := range opts.Chargers {
		ctrl, err := engine.New(cfg, engine.Deps{
			Reader:     a.states,
			Identities: opts.Identities,
			Store:      opts.Store,
			Publisher:  a.bus,
			Logger:     opts.Logger,
		}, opts.ControllerOptions...)
		if err != nil {
			return nil, err
		}
		if err := a.registry.Add(ctrl); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Registry returns the controller registry.
func (a *App) Registry() *Registry { return a.registry }

// States returns the entity state cache fed by the statestream.
func (a *App) States() *sensors.StateCache { return a.states }

// Bus returns the lifecycle event bus.
func (a *App) Bus() *bus.Bus { return a.bus }

// Run starts every worker and blocks until ctx is cancelled or a worker
// fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.opts.Config
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, ctx := errgroup.WithContext(ctx)

	// Consumers subscribe before any controller can emit.
	var notifier notify.Notifier = notify.NewLogNotifier(a.logger)
	var publisher *hass.Publisher
	if a.opts.MQTT != nil {
		publisher = hass.NewPublisher(a.opts.MQTT, cfg.DiscoveryPrefix, a.opts.Version, a.logger)
		notifier = publisher
		events, unsub := a.bus.Subscribe(busBuffer)
		defer unsub()
		grp.Go(func() error { return publisher.Run(ctx, events) })
	}

	monitorPath := ""
	if cfg.Store == config.StoreFile {
		monitorPath = filepath.Join(cfg.DataDir, "unknown_sessions.json")
	}
	monitor := notify.NewUnknownSessionMonitor(notifier, cfg.UnknownThreshold, cfg.UnknownWindow, monitorPath, a.logger)
	if err := monitor.Load(); err != nil {
		a.logger.WithError(err).Warn("Starting with an empty unknown session log")
	}
	monitorEvents, unsubMonitor := a.bus.Subscribe(busBuffer)
	defer unsubMonitor()
	grp.Go(func() error { return monitor.Run(ctx, monitorEvents) })

	// Entity states.
	if a.opts.MQTT != nil {
		stream := hass.NewStatestream(a.opts.MQTT, cfg.StatestreamPrefix, a.states, a.logger)
		stream.AddTarget(a.registry)
		if err := stream.Start(); err != nil {
			return fmt.Errorf("subscribe to statestream: %w", err)
		}
		a.awaitStates(ctx, config.StateSettleTimeout)
	} else {
		a.logger.Warn("No MQTT broker configured; sessions cannot be tracked")
	}

	if publisher != nil {
		if err := publisher.Announce(a.registry.Statuses()); err != nil {
			a.logger.WithError(err).Warn("Failed to announce chargers")
		}
	}

	// Recovery runs before the loops so no trigger races it.
	for _, c := range a.registry.Controllers() {
		if err := c.Recover(ctx); err != nil {
			a.logger.WithError(err).WithField("charger", c.ID()).Error("Recovery failed, starting idle")
		}
		c.Notify(c.Config().Entities.CarStatus)
	}

	for _, c := range a.registry.Controllers() {
		c := c
		grp.Go(func() error {
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("charger %s: %w", c.ID(), err)
			}
			return nil
		})
	}

	if cfg.HasHTTP() {
		server := api.NewServer(a.registry, a.opts.Store, a.logger)
		grp.Go(func() error { return server.ListenAndServe(ctx, cfg.HTTPAddr) })
	}

	a.logger.WithField("chargers", len(a.registry.Controllers())).Info("Charging session tracking started")

	err := grp.Wait()
	if publisher != nil {
		if perr := publisher.PublishAvailability(false); perr != nil {
			a.logger.WithError(perr).Debug("Failed to publish offline availability")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// awaitStates waits until the required entities of every charger have
// reported, so recovery sees real readings. Brokers deliver retained states
// right after subscribing.
func (a *App) awaitStates(ctx context.Context, timeout time.Duration) {
	var required []string
	for _, c := range a.registry.Controllers() {
		e := c.Config().Entities
		required = append(required, e.CarStatus, e.Energy)
		if e.Rfid != "" {
			required = append(required, e.Rfid)
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(config.StatePollInterval)
	defer ticker.Stop()

	for {
		missing := 0
		for _, id := range required {
			if a.states.LastUpdated(id).IsZero() {
				missing++
			}
		}
		if missing == 0 {
			a.logger.WithField("entities", a.states.Len()).Debug("Entity states primed")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			a.logger.WithField("missing", missing).Warn("Not all charger entities reported before recovery")
			return
		case <-ticker.C:
		}
	}
}
