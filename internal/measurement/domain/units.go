package measurement

import (
	"math"
)

// EnergyToPower converts an interval energy in kWh to average power in kW.
func EnergyToPower(energyKWh, intervalHours float64) float64 {
	if math.IsNaN(energyKWh) {
		return math.NaN()
	}
	return energyKWh / math.Max(intervalHours, MinIntervalHours)
}

// NormalizePower fills KeySinkPowerKW on every record. An explicit power
// column is kept as read; otherwise energy per interval is converted.
// With neither, power stays missing. It reports whether power is present.
func NormalizePower(records []Record, hasPower, hasEnergy bool, intervalHours float64) bool {
	switch {
	case hasPower:
		return true
	case hasEnergy:
		for i := range records {
			records[i].Values[KeySinkPowerKW] = EnergyToPower(records[i].Get(KeySinkEnergyKWh), intervalHours)
		}
		return true
	default:
		for i := range records {
			records[i].Values[KeySinkPowerKW] = math.NaN()
		}
		return false
	}
}
