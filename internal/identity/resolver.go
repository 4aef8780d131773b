package identity

import (
	"github.com/jkaberg/ev-charging-manager/internal/sensors"
	"github.com/sirupsen/logrus"
)

// Reason explains how a resolution was reached.
type Reason string

const (
	ReasonMatched   Reason = "matched"
	ReasonTrxNull   Reason = "trx_was_null"
	ReasonTrxZero   Reason = "trx_was_zero"
	ReasonTypeError Reason = "rfid_type_error"
	ReasonUnmapped  Reason = "rfid_unmapped"
	ReasonInactive  Reason = "rfid_inactive"
)

// UnknownUserName is the attribution name used whenever resolution fails.
const UnknownUserName = "Unknown"

// Resolution is the immutable outcome of resolving one card-slot value.
// It is produced fresh at every session start and never reused.
type Resolution struct {
	UserName          string
	UserType          string
	VehicleName       *string
	VehicleBatteryKWh *float64
	EfficiencyFactor  *float64
	RfidIndex         *int
	CardUID           *string
	GuestPricing      *GuestPricing
	Reason            Reason
}

// Matched reports whether a user was attributed.
func (r Resolution) Matched() bool { return r.Reason == ReasonMatched }

func unknown(reason Reason, index *int) Resolution {
	return Resolution{
		UserName:  UnknownUserName,
		UserType:  UserTypeUnknown,
		RfidIndex: index,
		Reason:    reason,
	}
}

// Resolver maps raw card-slot values to attributions. It holds no state of
// its own; every call works only on the snapshot passed in.
type Resolver struct {
	logger *logrus.Entry
}

// NewResolver returns a resolver logging through logger.
func NewResolver(logger *logrus.Entry) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve turns the card-slot reading into an attribution using snap.
// Callers are expected not to start a session for an unavailable reading;
// if they do anyway the result carries ReasonTrxNull.
func (r *Resolver) Resolve(snap Snapshot, trx sensors.Reading) Resolution {
	if !trx.Valid {
		r.logger.Warn("Resolving card slot without a value")
		return unknown(ReasonTrxNull, nil)
	}

	value, err := trx.Int()
	if err != nil {
		r.logger.WithField("trx", trx.Raw).Warn("Unexpected card slot value, treating as type error")
		return unknown(ReasonTypeError, nil)
	}

	// 0 means the charger was unlocked without a card
	if value == 0 {
		return unknown(ReasonTrxZero, nil)
	}

	index := value - 1
	fields := logrus.Fields{"trx": trx.Raw, "card_index": index}

	mapping, ok := snap.mapping(index)
	if !ok {
		r.logger.WithFields(fields).Warn("No RFID mapping found for card slot")
		return unknown(ReasonUnmapped, &index)
	}
	if !mapping.IsActive() {
		r.logger.WithFields(fields).Warn("RFID mapping for card slot is inactive")
		return unknown(ReasonInactive, &index)
	}

	user, ok := snap.user(mapping.UserID)
	if !ok {
		r.logger.WithFields(fields).WithField("user_id", mapping.UserID).Warn("User referenced by RFID mapping not found")
		return unknown(ReasonUnmapped, &index)
	}

	res := Resolution{
		UserName:  user.Name,
		UserType:  user.Type,
		RfidIndex: &index,
		CardUID:   mapping.CardUID,
		Reason:    ReasonMatched,
	}
	if res.UserName == "" {
		res.UserName = UnknownUserName
	}
	if res.UserType == "" {
		res.UserType = UserTypeRegular
	}

	if mapping.VehicleID != nil && *mapping.VehicleID != "" {
		if v, found := snap.vehicle(*mapping.VehicleID); found {
			name := v.Name
			battery := v.UsableBattery()
			res.VehicleName = &name
			res.VehicleBatteryKWh = &battery
			if v.ChargingEfficiency != nil {
				eff := *v.ChargingEfficiency
				res.EfficiencyFactor = &eff
			}
		} else {
			r.logger.WithFields(fields).WithField("vehicle_id", *mapping.VehicleID).Warn("Vehicle referenced by RFID mapping not found")
		}
	}

	if res.UserType == UserTypeGuest && user.GuestPricing != nil {
		gp := *user.GuestPricing
		res.GuestPricing = &gp
	}

	return res
}
