package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	cycle "heatpump-cloud/internal/cycle/domain"
)

// DesignStateFile is the file name written into the design directory.
const DesignStateFile = "design_state.json"

const (
	// heat exchanger outlet/inlet pressure ratio
	exchangerPressureRatio = 0.98
	clearanceRatio         = 0.04
	defaultEtaS            = 0.85
)

// Options tune a HeatPumpModel. Zero values select defaults.
type Options struct {
	Fluid         *Fluid
	DesignDir     string
	MaxIterations int
	Tolerance     float64
	Now           func() time.Time
}

// HeatPumpModel is a single-stage vapor-compression cycle: evaporator,
// compressor, condenser, expansion valve and cycle closer. The evaporator
// leaves saturated vapor and the condenser saturated liquid.
type HeatPumpModel struct {
	fluid     *Fluid
	designDir string
	maxIter   int
	tol       float64
	now       func() time.Time

	built bool
	spec  specification
	// designSolved is set by SolveDesign and cleared by SetDesignPoint.
	designSolved bool
	state        *cycle.DesignState
	last         *solution
}

type specification struct {
	tEvapC   *float64
	tCondC   *float64
	qCondKW  float64 // negative, heat rejected
	etaS     float64
	varyDuty bool
}

type solution struct {
	p1, p2, p3, p4     float64
	h1, h2, h3, h4, v2 float64
	massFlow           float64
	etaS               float64
}

// NewHeatPumpModel constructs an unbuilt model.
func NewHeatPumpModel(opts Options) *HeatPumpModel {
	m := &HeatPumpModel{
		fluid:     opts.Fluid,
		designDir: opts.DesignDir,
		maxIter:   opts.MaxIterations,
		tol:       opts.Tolerance,
		now:       opts.Now,
	}
	if m.fluid == nil {
		m.fluid = R134a()
	}
	if m.maxIter <= 0 {
		m.maxIter = defaultMaxIterations
	}
	if m.tol <= 0 {
		m.tol = defaultTolerance
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Build resets the topology to its structural defaults.
func (m *HeatPumpModel) Build() error {
	m.built = true
	m.spec = specification{etaS: defaultEtaS, qCondKW: math.NaN(), varyDuty: true}
	m.designSolved = false
	m.state = nil
	m.last = nil
	return nil
}

// SetDesignPoint sets the design boundary conditions. The duty is taken as a
// positive magnitude and stored as heat rejected.
func (m *HeatPumpModel) SetDesignPoint(design cycle.DesignPoint) error {
	if !m.built {
		return cycle.ErrNotBuilt
	}
	if err := design.Validate(); err != nil {
		return err
	}
	tEvap, tCond := design.TSourceC, design.TSinkC
	m.spec.tEvapC = &tEvap
	m.spec.tCondC = &tCond
	m.spec.qCondKW = -math.Abs(design.QCondKW)
	m.spec.etaS = design.EtaS
	m.spec.varyDuty = true
	m.designSolved = false
	return nil
}

// SolveDesign solves the cycle at the design boundary conditions.
func (m *HeatPumpModel) SolveDesign(ctx context.Context) error {
	if !m.built {
		return cycle.ErrNotBuilt
	}
	if m.spec.tEvapC == nil || m.spec.tCondC == nil || math.IsNaN(m.spec.qCondKW) {
		return fmt.Errorf("%w: design point not set", cycle.ErrInvalidDesignPoint)
	}
	sol, err := m.solve(ctx, cycle.ModeDesign, m.spec.etaS, math.NaN())
	if err != nil {
		m.last = nil
		return err
	}
	m.last = &sol
	m.designSolved = true
	return nil
}

// SaveDesignState freezes the design solution as the off-design reference.
// It succeeds once per build.
func (m *HeatPumpModel) SaveDesignState() (cycle.DesignState, error) {
	if !m.built {
		return cycle.DesignState{}, cycle.ErrNotBuilt
	}
	if m.state != nil {
		return cycle.DesignState{}, cycle.ErrDesignAlreadySaved
	}
	if !m.designSolved || m.last == nil {
		return cycle.DesignState{}, fmt.Errorf("%w: design not solved", cycle.ErrDesignConvergence)
	}
	sol := *m.last
	ratio := sol.p3 / sol.p2
	lambda := m.volumetricEfficiency(ratio)
	state := cycle.DesignState{
		Fluid:          m.fluid.Name(),
		TEvapC:         *m.spec.tEvapC,
		TCondC:         *m.spec.tCondC,
		PressureRatio:  ratio,
		MassFlowKgS:    sol.massFlow,
		SweptVolumeM3S: sol.massFlow * sol.v2 / lambda,
		EtaS:           sol.etaS,
		QCondKW:        sol.qCond(),
		PCompKW:        sol.power(),
		SavedAt:        m.now().UTC(),
	}
	if m.designDir != "" {
		if err := writeDesignState(m.designDir, state); err != nil {
			return cycle.DesignState{}, err
		}
	}
	m.state = &state
	return state, nil
}

// ApplyRowSpecs sets the per-row boundary conditions. The point must be
// resolved; a missing efficiency falls back to spec.FallbackEtaS.
func (m *HeatPumpModel) ApplyRowSpecs(spec cycle.RowSpec) error {
	if !m.built {
		return cycle.ErrNotBuilt
	}
	p := spec.Point
	if finite(p.TEvapRefC) {
		t := p.TEvapRefC
		m.spec.tEvapC = &t
	}
	if finite(p.TCondRefC) {
		t := p.TCondRefC
		m.spec.tCondC = &t
	}
	if finite(p.EtaS) && p.EtaS > 0 {
		m.spec.etaS = p.EtaS
	} else {
		m.spec.etaS = spec.FallbackEtaS
	}
	m.spec.varyDuty = spec.VaryDuty
	if spec.VaryDuty && finite(p.QCondKW) {
		m.spec.qCondKW = -math.Abs(p.QCondKW)
	}
	return nil
}

// SolveOffDesign solves the current row against the saved design state.
func (m *HeatPumpModel) SolveOffDesign(ctx context.Context) error {
	if !m.built {
		return cycle.ErrNotBuilt
	}
	if m.state == nil {
		return cycle.ErrDesignNotSaved
	}
	if m.spec.tEvapC == nil || m.spec.tCondC == nil {
		return &cycle.ConvergenceError{Mode: cycle.ModeOffDesign, Residual: math.NaN(), Reason: "temperatures not set"}
	}
	eta := m.spec.etaS
	fixedMass := math.NaN()
	if !m.spec.varyDuty {
		states, err := m.states(cycle.ModeOffDesign)
		if err != nil {
			m.last = nil
			return err
		}
		ratio := states.p3 / states.p2
		lambda := m.volumetricEfficiency(ratio)
		if lambda <= 0 {
			m.last = nil
			return &cycle.ConvergenceError{Mode: cycle.ModeOffDesign, Residual: math.NaN(),
				Reason: fmt.Sprintf("pressure ratio %.2f exceeds compressor delivery limit", ratio)}
		}
		fixedMass = lambda * m.state.SweptVolumeM3S / states.v2
		eta *= efficiencyCharacteristic(ratio / m.state.PressureRatio)
	}
	sol, err := m.solve(ctx, cycle.ModeOffDesign, eta, fixedMass)
	if err != nil {
		m.last = nil
		return err
	}
	m.last = &sol
	return nil
}

// Metrics returns the latest solution, or missing values when the last
// solve failed.
func (m *HeatPumpModel) Metrics() cycle.Metrics {
	metrics := cycle.MissingMetrics()
	if m.last != nil {
		sol := m.last
		metrics.MassFlowKgS = sol.massFlow
		metrics.PCompKW = sol.power()
		metrics.QCondKW = sol.qCond()
		metrics.QEvapKW = sol.massFlow * (sol.h2 - sol.h1)
		metrics.COP = cycle.COP(metrics.QCondKW, metrics.PCompKW)
	}
	if m.spec.tEvapC != nil {
		t := *m.spec.tEvapC
		metrics.TEvapSetC = &t
	}
	if m.spec.tCondC != nil {
		t := *m.spec.tCondC
		metrics.TCondSetC = &t
	}
	return metrics
}

// DesignState returns the saved design state, if any.
func (m *HeatPumpModel) DesignState() (cycle.DesignState, bool) {
	if m.state == nil {
		return cycle.DesignState{}, false
	}
	return *m.state, true
}

// states fixes the pressures and every enthalpy the temperatures determine.
func (m *HeatPumpModel) states(mode cycle.Mode) (solution, error) {
	tEvap, tCond := *m.spec.tEvapC, *m.spec.tCondC
	if !finite(tEvap) || !finite(tCond) {
		return solution{}, &cycle.ConvergenceError{Mode: mode, Residual: math.NaN(), Reason: "non-finite temperature"}
	}
	if tEvap >= tCond {
		return solution{}, &cycle.ConvergenceError{Mode: mode, Residual: math.NaN(),
			Reason: fmt.Sprintf("evaporation %.2f C not below condensation %.2f C", tEvap, tCond)}
	}
	evap, err := m.fluid.AtTemperature(tEvap)
	if err != nil {
		return solution{}, &cycle.ConvergenceError{Mode: mode, Residual: math.NaN(), Reason: err.Error(), Cause: err}
	}
	cond, err := m.fluid.AtTemperature(tCond)
	if err != nil {
		return solution{}, &cycle.ConvergenceError{Mode: mode, Residual: math.NaN(), Reason: err.Error(), Cause: err}
	}
	sol := solution{
		p2: evap.PKPa,
		h2: evap.HgKJ,
		v2: evap.VgM3,
		p4: cond.PKPa,
		h4: cond.HfKJ,
	}
	sol.p3 = sol.p4 / exchangerPressureRatio
	sol.p1 = sol.p2 / exchangerPressureRatio
	// isenthalpic throttling, closed by the cycle closer
	sol.h1 = sol.h4
	return sol, nil
}

// solve finds mass flow and compressor outlet enthalpy. With a finite
// fixedMass the mass flow is imposed, otherwise the condenser duty is.
func (m *HeatPumpModel) solve(ctx context.Context, mode cycle.Mode, etaS, fixedMass float64) (solution, error) {
	sol, err := m.states(mode)
	if err != nil {
		return solution{}, err
	}
	if !(etaS > 0 && etaS <= 1) {
		return solution{}, &cycle.ConvergenceError{Mode: mode, Residual: math.NaN(), Reason: fmt.Sprintf("eta_s %.3f outside (0, 1]", etaS)}
	}
	isentropic := m.isentropicWork(sol.p2, sol.p3, sol.v2)
	if !finite(isentropic) || isentropic <= 0 {
		return solution{}, &cycle.ConvergenceError{Mode: mode, Residual: math.NaN(), Reason: "invalid compression work"}
	}
	imposeMass := finite(fixedMass)
	duty := -m.spec.qCondKW
	if !imposeMass && !(duty > 0) {
		return solution{}, &cycle.ConvergenceError{Mode: mode, Residual: math.NaN(), Reason: "condenser duty not set"}
	}

	residual := func(x [2]float64) ([2]float64, bool) {
		massFlow, h3 := x[0], x[1]
		if massFlow <= 0 || h3 <= sol.h4 {
			return [2]float64{}, false
		}
		var r [2]float64
		r[0] = (h3 - sol.h2 - isentropic/etaS) / sol.h2
		if imposeMass {
			r[1] = (massFlow - fixedMass) / fixedMass
		} else {
			r[1] = (massFlow*(h3-sol.h4) - duty) / duty
		}
		return r, true
	}

	// start from saturated vapor at the condensing temperature
	cond, _ := m.fluid.AtTemperature(*m.spec.tCondC)
	h3 := math.Max(cond.HgKJ, sol.h2) + 1
	massFlow := fixedMass
	if !imposeMass {
		massFlow = duty / (h3 - sol.h4)
	}
	x, _, err := newton(ctx, mode, residual, [2]float64{massFlow, h3}, m.maxIter, m.tol)
	if err != nil {
		return solution{}, err
	}
	sol.massFlow = x[0]
	sol.h3 = x[1]
	sol.etaS = etaS
	for _, v := range []float64{sol.massFlow, sol.h3, sol.power(), sol.qCond()} {
		if !finite(v) {
			return solution{}, &cycle.ConvergenceError{Mode: mode, Residual: math.NaN(), Reason: "non-finite solution"}
		}
	}
	return sol, nil
}

// isentropicWork is the polytropic vapor compression work in kJ/kg.
func (m *HeatPumpModel) isentropicWork(pIn, pOut, vIn float64) float64 {
	k := m.fluid.kappa
	return k / (k - 1) * pIn * vIn * (math.Pow(pOut/pIn, (k-1)/k) - 1)
}

func (m *HeatPumpModel) volumetricEfficiency(ratio float64) float64 {
	return 1 - clearanceRatio*(math.Pow(ratio, 1/m.fluid.kappa)-1)
}

// efficiencyCharacteristic scales the isentropic efficiency by the
// pressure ratio relative to design.
func efficiencyCharacteristic(x float64) float64 {
	f := 1 - 0.25*(x-1)*(x-1)
	return math.Max(f, 0.5)
}

func (s solution) power() float64 {
	return s.massFlow * (s.h3 - s.h2)
}

func (s solution) qCond() float64 {
	return s.massFlow * (s.h4 - s.h3)
}

func writeDesignState(dir string, state cycle.DesignState) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("design state: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("design state: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, DesignStateFile), data, 0o644)
}

// LoadDesignState reads a design state written by SaveDesignState.
func LoadDesignState(dir string) (cycle.DesignState, error) {
	data, err := os.ReadFile(filepath.Join(dir, DesignStateFile))
	if err != nil {
		return cycle.DesignState{}, fmt.Errorf("design state: %w", err)
	}
	var state cycle.DesignState
	if err := json.Unmarshal(data, &state); err != nil {
		return cycle.DesignState{}, fmt.Errorf("design state: %w", err)
	}
	if state.SweptVolumeM3S <= 0 || state.PressureRatio <= 1 {
		return cycle.DesignState{}, errors.New("design state: invalid reference values")
	}
	return state, nil
}

var _ cycle.Engine = (*HeatPumpModel)(nil)
