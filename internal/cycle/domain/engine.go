package cycle

import (
	"context"
	"math"
	"time"
)

// Engine is a vapor-compression cycle model driven through one design solve
// followed by any number of off-design solves. Implementations hold mutable
// state and are not safe for concurrent use.
type Engine interface {
	Build() error
	SetDesignPoint(design DesignPoint) error
	SolveDesign(ctx context.Context) error
	SaveDesignState() (DesignState, error)
	ApplyRowSpecs(spec RowSpec) error
	SolveOffDesign(ctx context.Context) error
	Metrics() Metrics
}

// RowSpec is the per-row input of an off-design solve. Point must already be
// resolved against the last known operating point.
type RowSpec struct {
	Point        OperatingPoint
	FallbackEtaS float64
	VaryDuty     bool
}

// DesignState is the persisted design solution every off-design solve
// references.
type DesignState struct {
	Fluid          string    `json:"fluid"`
	TEvapC         float64   `json:"T_evap_C"`
	TCondC         float64   `json:"T_cond_C"`
	PressureRatio  float64   `json:"pressure_ratio"`
	MassFlowKgS    float64   `json:"m_dot_kg_s"`
	SweptVolumeM3S float64   `json:"swept_volume_m3_s"`
	EtaS           float64   `json:"eta_s"`
	QCondKW        float64   `json:"Q_cond_kW"`
	PCompKW        float64   `json:"P_comp_kW"`
	SavedAt        time.Time `json:"saved_at"`
}

// Metrics is the result of the latest solve. TEvapSetC and TCondSetC are
// nil when no temperature was set.
type Metrics struct {
	MassFlowKgS float64
	PCompKW     float64
	QCondKW     float64
	QEvapKW     float64
	COP         float64
	TEvapSetC   *float64
	TCondSetC   *float64
}

// MissingMetrics returns metrics with every value missing.
func MissingMetrics() Metrics {
	nan := math.NaN()
	return Metrics{MassFlowKgS: nan, PCompKW: nan, QCondKW: nan, QEvapKW: nan, COP: nan}
}

// COP is |Q_cond| / P, NaN when power is zero or unset.
func COP(qCondKW, pCompKW float64) float64 {
	if pCompKW == 0 || math.IsNaN(pCompKW) || math.IsNaN(qCondKW) {
		return math.NaN()
	}
	return math.Abs(qCondKW) / pCompKW
}
