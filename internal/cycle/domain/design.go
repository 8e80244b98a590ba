package cycle

import (
	"fmt"
	"math"

	measurement "heatpump-cloud/internal/measurement/domain"
)

// DefaultFallbackQCondKW is the design condenser duty used when no row
// carries power or energy data.
const DefaultFallbackQCondKW = 1000.0

// DefaultDesignEtaS is the compressor design isentropic efficiency.
const DefaultDesignEtaS = 0.85

// DesignPoint is the one reference condition the model is calibrated at.
// QCondKW is a positive magnitude.
type DesignPoint struct {
	TSourceC float64 `json:"T_source_C"`
	TSinkC   float64 `json:"T_sink_C"`
	QCondKW  float64 `json:"Q_cond_kW"`
	EtaS     float64 `json:"eta_s"`
}

// Validate checks the design point is usable by a solver.
func (d DesignPoint) Validate() error {
	for _, f := range d.Fields() {
		if !isFinite(f.Value) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidDesignPoint, f.Key)
		}
	}
	if d.EtaS <= 0 || d.EtaS > 1 {
		return fmt.Errorf("%w: eta_s %.3f outside (0, 1]", ErrInvalidDesignPoint, d.EtaS)
	}
	if d.QCondKW <= 0 {
		return fmt.Errorf("%w: Q_cond_kW must be positive", ErrInvalidDesignPoint)
	}
	return nil
}

// Fields lists the design point as ordered key/value pairs for summaries.
func (d DesignPoint) Fields() []Field {
	return []Field{
		{Key: "T_source_C", Value: d.TSourceC},
		{Key: "T_sink_C", Value: d.TSinkC},
		{Key: "Q_cond_kW", Value: d.QCondKW},
		{Key: "eta_s", Value: d.EtaS},
	}
}

// Field is one named number.
type Field struct {
	Key   string
	Value float64
}

// BuildDesignPoint picks the first valid evaporator and condenser targets
// and the median condenser duty over all rows.
func BuildDesignPoint(points []OperatingPoint, etaS, fallbackQCondKW float64) (DesignPoint, error) {
	design := DesignPoint{TSourceC: math.NaN(), TSinkC: math.NaN(), EtaS: etaS}
	var duties []float64
	for _, p := range points {
		if math.IsNaN(design.TSourceC) && isFinite(p.TEvapRefC) {
			design.TSourceC = p.TEvapRefC
		}
		if math.IsNaN(design.TSinkC) && isFinite(p.TCondRefC) {
			design.TSinkC = p.TCondRefC
		}
		if isFinite(p.QCondKW) {
			duties = append(duties, p.QCondKW)
		}
	}
	if math.IsNaN(design.TSourceC) || math.IsNaN(design.TSinkC) {
		return DesignPoint{}, ErrNoValidOperatingPoint
	}
	if len(duties) > 0 {
		design.QCondKW = measurement.Median(duties)
	} else {
		design.QCondKW = fallbackQCondKW
	}
	if err := design.Validate(); err != nil {
		return DesignPoint{}, err
	}
	return design, nil
}

// Resolve fills missing temperatures and duty of p from last. The result is
// the new last known operating point. EtaS is left as is; a missing
// efficiency falls back to the design value when specs are applied.
func (p OperatingPoint) Resolve(last OperatingPoint) OperatingPoint {
	if !isFinite(p.TEvapRefC) {
		p.TEvapRefC = last.TEvapRefC
	}
	if !isFinite(p.TCondRefC) {
		p.TCondRefC = last.TCondRefC
	}
	if !isFinite(p.QCondKW) {
		p.QCondKW = last.QCondKW
	}
	return p
}

// PointFromDesign returns the design point as an operating point.
func PointFromDesign(d DesignPoint) OperatingPoint {
	return OperatingPoint{TEvapRefC: d.TSourceC, TCondRefC: d.TSinkC, QCondKW: d.QCondKW, EtaS: d.EtaS}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
