package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/ev-charging-manager/internal/bus"
	"github.com/jkaberg/ev-charging-manager/internal/config"
	"github.com/jkaberg/ev-charging-manager/internal/domain"
	"github.com/jkaberg/ev-charging-manager/internal/metrics"
	"github.com/jkaberg/ev-charging-manager/internal/pricing"
	"github.com/jkaberg/ev-charging-manager/internal/sensors"
)

// Recover reconciles a persisted active session with the current sensor
// state. Without a snapshot, or once a session is being tracked, it does
// nothing. Only a failing store read is returned; every other problem is
// logged and the controller ends up idle or tracking.
func (c *Controller) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.refreshStatus()

	if c.state != StateIdle || c.session != nil {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, config.StoreTimeout)
	raw, err := c.deps.Store.LoadActive(sctx, c.cfg.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("load active session: %w", err)
	}
	if raw == nil {
		return nil
	}

	snap, err := domain.ParseSnapshot(raw)
	if err != nil {
		c.log.WithError(err).Warn("Discarding unusable active session snapshot")
		sctx, cancel := context.WithTimeout(ctx, config.StoreTimeout)
		defer cancel()
		if err := c.deps.Store.ClearActive(sctx, c.cfg.ID); err != nil {
			c.log.WithError(err).Error("Failed to clear active session")
		}
		return nil
	}

	status := c.read(c.cfg.Entities.CarStatus)
	charging := status.Equals(c.cfg.ChargingValue)
	trx, trxOK := c.readTrx()
	meter, meterOK := c.readEnergy()

	log := c.log.WithFields(logrus.Fields{
		"session_id": snap.ID,
		"charging":   charging,
		"trx":        trx.Raw,
	})

	switch {
	case meterOK && meter < snap.EnergyStartKWh:
		log.WithFields(logrus.Fields{
			"meter":       meter,
			"start_meter": snap.EnergyStartKWh,
		}).Warn("Energy meter below snapshot start, finalising snapshot")
		c.finalizeReconstructed(ctx, snap)
		c.startIfCharging(ctx, charging, status, trx, trxOK)

	case !charging:
		log.Info("Charging ended while offline, finalising snapshot")
		c.finalizeReconstructed(ctx, snap)

	case !trxOK:
		log.Warn("Card slot unavailable, resuming session until it reports")
		c.adopt(ctx, snap, status, meter, meterOK, false)

	case sameCard(snap.RfidIndex, c.cardIndex(trx)):
		log.Info("Resuming session after restart")
		c.adopt(ctx, snap, status, meter, meterOK, true)

	default:
		log.Info("Card slot changed while offline, finalising snapshot")
		c.finalizeReconstructed(ctx, snap)
		c.startIfCharging(ctx, charging, status, trx, trxOK)
	}
	return nil
}

func (c *Controller) startIfCharging(ctx context.Context, charging bool, status, trx sensors.Reading, trxOK bool) {
	if !charging || !trxOK {
		return
	}
	c.state = StateTracking
	c.start(ctx, status, trx)
}

// finalizeReconstructed closes a snapshot with its last known energy and cost.
func (c *Controller) finalizeReconstructed(ctx context.Context, snap *domain.Session) {
	snap.Reconstructed = true
	if snap.CostMethod == pricing.ModeSpot {
		closeTrailingHour(snap)
	}
	snap.Finish(c.now())
	c.finalize(ctx, snap)
}

// closeTrailingHour books the hour that was open when the snapshot was taken.
// Its cost is the live estimate already included in CostTotal, so the hourly
// breakdown keeps adding up to the total.
func closeTrailingHour(snap *domain.Session) {
	kwh := snap.EnergyKWh - snap.ClosedHoursKWh()
	cost := pricing.Round4(snap.CostTotal - pricing.SpotTotal(snap.PriceDetails))
	if kwh <= 0 && cost <= 0 {
		return
	}
	if kwh < 0 {
		kwh = 0
	}
	if cost < 0 {
		cost = 0
	}
	hour := snap.StartedAt.Truncate(time.Hour)
	if n := len(snap.PriceDetails); n > 0 {
		hour = snap.PriceDetails[n-1].Hour.Add(time.Hour)
	}
	d := pricing.HourDetail{
		Hour: hour,
		KWh:  math.Round(kwh*1000) / 1000,
		Cost: cost,
	}
	if kwh > 0 {
		d.Rate = pricing.Round4(cost / kwh)
	}
	snap.PriceDetails = append(snap.PriceDetails, d)
	snap.CostTotal = pricing.SpotTotal(snap.PriceDetails)
}

// reconcileCard checks a session resumed without a card-slot value once the
// slot reports. A different card closes the resumed session and starts a new
// one, in which case it returns true.
func (c *Controller) reconcileCard(ctx context.Context, status sensors.Reading) bool {
	trx, ok := c.readTrx()
	if !ok {
		return false
	}
	c.cardPending = false
	if sameCard(c.session.RfidIndex, c.cardIndex(trx)) {
		c.log.WithField("session_id", c.session.ID).Info("Card slot confirms resumed session")
		return false
	}
	c.log.WithFields(logrus.Fields{
		"session_id": c.session.ID,
		"trx":        trx.Raw,
	}).Info("Card slot changed while offline, closing resumed session")
	c.state = StateCompleting
	c.complete(ctx)
	c.state = StateTracking
	c.start(ctx, status, trx)
	return true
}

// adopt continues tracking a snapshot. Energy consumed while offline is
// picked up from the meter as long as it did not go backwards. Without a
// card-slot value the session is kept until the slot reports.
func (c *Controller) adopt(ctx context.Context, snap *domain.Session, status sensors.Reading, meter float64, meterOK, cardKnown bool) {
	now := c.now()
	snap.Reconstructed = true
	c.session = snap
	c.state = StateTracking
	c.lastStatus = status
	c.gaps = make(map[string]bool)
	if !cardKnown {
		c.cardPending = true
		c.markGap(c.cfg.Entities.Rfid)
	}

	if meterOK {
		c.lastEnergyKWh = meter
		if rel := meter - snap.EnergyStartKWh; rel > snap.EnergyKWh {
			snap.EnergyKWh = rel
		}
	} else {
		c.lastEnergyKWh = snap.EnergyStartKWh + snap.EnergyKWh
		c.markGap(c.cfg.Entities.Energy)
	}

	if c.pricing.Mode() == pricing.ModeSpot {
		c.hourEnergy = snap.ClosedHoursKWh()
		c.hourStart = now.Truncate(time.Hour)
		if n := len(snap.PriceDetails); n > 0 {
			if next := snap.PriceDetails[n-1].Hour.Add(time.Hour); next.Before(c.hourStart) {
				c.hourStart = next
			}
		} else if first := snap.StartedAt.Truncate(time.Hour); first.Before(c.hourStart) {
			c.hourStart = first
		}
		c.scheduleHour()
	}

	c.refreshDerived(now)
	c.saveActive(ctx)
	metrics.ActiveSession.WithLabelValues(c.cfg.ID).Set(1)
	metrics.SessionEnergy.WithLabelValues(c.cfg.ID).Set(snap.EnergyKWh)
	c.publish(bus.KindUpdated)
}

// cardIndex maps a card-slot reading to the zero-based index the resolver
// would produce, or nil.
func (c *Controller) cardIndex(trx sensors.Reading) *int {
	if !trx.Valid {
		return nil
	}
	v, err := trx.Int()
	if err != nil || v == 0 {
		return nil
	}
	idx := v - 1
	return &idx
}

func sameCard(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
