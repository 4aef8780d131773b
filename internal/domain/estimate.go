package domain

// EstimateChargeAdded approximates the state-of-charge percentage added:
// energy × efficiency / battery × 100. Missing efficiency or a missing/zero
// battery capacity yields no estimate.
func EstimateChargeAdded(energyKWh float64, efficiency, batteryKWh *float64) *float64 {
	if efficiency == nil || batteryKWh == nil || *batteryKWh == 0 {
		return nil
	}
	pct := energyKWh * *efficiency / *batteryKWh * 100
	return &pct
}
