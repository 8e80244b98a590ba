package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cycle "heatpump-cloud/internal/cycle/domain"
)

func fixedNow() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

func designedModel(t *testing.T, design cycle.DesignPoint) *HeatPumpModel {
	t.Helper()
	model := NewHeatPumpModel(Options{Now: fixedNow})
	require.NoError(t, model.Build())
	require.NoError(t, model.SetDesignPoint(design))
	require.NoError(t, model.SolveDesign(context.Background()))
	_, err := model.SaveDesignState()
	require.NoError(t, err)
	return model
}

func referenceDesign() cycle.DesignPoint {
	return cycle.DesignPoint{TSourceC: 5, TSinkC: 80, QCondKW: 500, EtaS: 0.85}
}

func TestFluidInterpolation(t *testing.T) {
	fluid := R134a()

	sat, err := fluid.AtTemperature(5)
	require.NoError(t, err)
	assert.InDelta(t, 353.7, sat.PKPa, 1e-9)
	assert.InDelta(t, 401.45, sat.HgKJ, 1e-9)

	sat, err = fluid.AtTemperature(-40)
	require.NoError(t, err)
	assert.InDelta(t, 51.2, sat.PKPa, 1e-9)

	tC, err := fluid.TemperatureAt(353.7)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, tC, 1e-9)

	_, err = fluid.AtTemperature(120)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = fluid.AtTemperature(math.NaN())
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSolveDesignReference(t *testing.T) {
	model := designedModel(t, referenceDesign())
	m := model.Metrics()

	assert.InDelta(t, -500.0, m.QCondKW, 1e-6)
	assert.InDelta(t, 2.4219, m.COP, 1e-3)
	assert.InDelta(t, 3.7041, m.MassFlowKgS, 1e-3)
	// condenser rejects compressor work plus evaporator uptake
	assert.InDelta(t, math.Abs(m.QCondKW), m.PCompKW+m.QEvapKW, 1e-6)
	require.NotNil(t, m.TEvapSetC)
	require.NotNil(t, m.TCondSetC)
	assert.Equal(t, 5.0, *m.TEvapSetC)
	assert.Equal(t, 80.0, *m.TCondSetC)

	state, ok := model.DesignState()
	require.True(t, ok)
	assert.Equal(t, "R134a", state.Fluid)
	assert.InDelta(t, 7.5944, state.PressureRatio, 1e-3)
	assert.Greater(t, state.SweptVolumeM3S, 0.0)
	assert.Equal(t, fixedNow(), state.SavedAt)
}

func TestCOPFallsWithLift(t *testing.T) {
	var previous float64 = math.Inf(1)
	for _, tCond := range []float64{60, 70, 80, 90} {
		design := referenceDesign()
		design.TSinkC = tCond
		cop := designedModel(t, design).Metrics().COP
		assert.Less(t, cop, previous, "T_cond=%v", tCond)
		previous = cop
	}
}

func TestSolveDesignFailures(t *testing.T) {
	cases := []struct {
		name   string
		design cycle.DesignPoint
	}{
		{"evaporation above condensation", cycle.DesignPoint{TSourceC: 60, TSinkC: 40, QCondKW: 100, EtaS: 0.8}},
		{"outside property table", cycle.DesignPoint{TSourceC: -60, TSinkC: 40, QCondKW: 100, EtaS: 0.8}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := NewHeatPumpModel(Options{})
			require.NoError(t, model.Build())
			require.NoError(t, model.SetDesignPoint(tc.design))
			err := model.SolveDesign(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, cycle.ErrDesignConvergence)
			assert.False(t, errors.Is(err, cycle.ErrOffDesignConvergence))
			_, err = model.SaveDesignState()
			assert.Error(t, err)
		})
	}
}

func TestSetDesignPointRejectsInvalid(t *testing.T) {
	model := NewHeatPumpModel(Options{})
	assert.ErrorIs(t, model.SetDesignPoint(referenceDesign()), cycle.ErrNotBuilt)

	require.NoError(t, model.Build())
	bad := referenceDesign()
	bad.QCondKW = math.NaN()
	assert.ErrorIs(t, model.SetDesignPoint(bad), cycle.ErrInvalidDesignPoint)
}

func TestSaveDesignStateOnce(t *testing.T) {
	model := designedModel(t, referenceDesign())
	_, err := model.SaveDesignState()
	assert.ErrorIs(t, err, cycle.ErrDesignAlreadySaved)
}

func TestOffDesignRequiresSavedState(t *testing.T) {
	model := NewHeatPumpModel(Options{})
	require.NoError(t, model.Build())
	require.NoError(t, model.SetDesignPoint(referenceDesign()))
	require.NoError(t, model.SolveDesign(context.Background()))
	assert.ErrorIs(t, model.SolveOffDesign(context.Background()), cycle.ErrDesignNotSaved)
}

func TestOffDesignAtDesignConditions(t *testing.T) {
	model := designedModel(t, referenceDesign())
	want := model.Metrics()

	for _, vary := range []bool{true, false} {
		spec := cycle.RowSpec{Point: cycle.PointFromDesign(referenceDesign()), FallbackEtaS: 0.85, VaryDuty: vary}
		spec.Point.EtaS = math.NaN()
		require.NoError(t, model.ApplyRowSpecs(spec))
		require.NoError(t, model.SolveOffDesign(context.Background()))
		got := model.Metrics()
		assert.InDelta(t, want.MassFlowKgS, got.MassFlowKgS, 1e-6, "vary=%v", vary)
		assert.InDelta(t, want.COP, got.COP, 1e-6, "vary=%v", vary)
	}
}

func TestOffDesignRowOverrides(t *testing.T) {
	model := designedModel(t, referenceDesign())

	point := cycle.OperatingPoint{TEvapRefC: 10, TCondRefC: 70, QCondKW: 300, EtaS: 0.7}
	require.NoError(t, model.ApplyRowSpecs(cycle.RowSpec{Point: point, FallbackEtaS: 0.85, VaryDuty: true}))
	require.NoError(t, model.SolveOffDesign(context.Background()))
	m := model.Metrics()
	assert.InDelta(t, -300.0, m.QCondKW, 1e-6)
	assert.Equal(t, 10.0, *m.TEvapSetC)
	assert.Equal(t, 70.0, *m.TCondSetC)

	// a lower efficiency costs more compressor power at the same lift
	point.EtaS = 0.85
	require.NoError(t, model.ApplyRowSpecs(cycle.RowSpec{Point: point, FallbackEtaS: 0.85, VaryDuty: true}))
	require.NoError(t, model.SolveOffDesign(context.Background()))
	assert.Greater(t, model.Metrics().COP, m.COP)
}

func TestOffDesignFixedSweptVolume(t *testing.T) {
	model := designedModel(t, referenceDesign())
	design := model.Metrics()

	point := cycle.OperatingPoint{TEvapRefC: 15, TCondRefC: 80, QCondKW: 100, EtaS: math.NaN()}
	require.NoError(t, model.ApplyRowSpecs(cycle.RowSpec{Point: point, FallbackEtaS: 0.85, VaryDuty: false}))
	require.NoError(t, model.SolveOffDesign(context.Background()))
	m := model.Metrics()
	// denser suction vapor moves more refrigerant through the same displacement
	assert.Greater(t, m.MassFlowKgS, design.MassFlowKgS)
	assert.Greater(t, math.Abs(m.QCondKW), 100.0)
}

func TestOffDesignFailureIsRowLocal(t *testing.T) {
	model := designedModel(t, referenceDesign())

	bad := cycle.OperatingPoint{TEvapRefC: 25, TCondRefC: 20, QCondKW: 100, EtaS: math.NaN()}
	require.NoError(t, model.ApplyRowSpecs(cycle.RowSpec{Point: bad, FallbackEtaS: 0.85, VaryDuty: true}))
	err := model.SolveOffDesign(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cycle.ErrOffDesignConvergence)
	assert.True(t, math.IsNaN(model.Metrics().COP))

	good := cycle.PointFromDesign(referenceDesign())
	require.NoError(t, model.ApplyRowSpecs(cycle.RowSpec{Point: good, FallbackEtaS: 0.85, VaryDuty: true}))
	require.NoError(t, model.SolveOffDesign(context.Background()))
	assert.InDelta(t, 2.4219, model.Metrics().COP, 1e-3)
}

func TestOffDesignCanceled(t *testing.T) {
	model := designedModel(t, referenceDesign())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, model.ApplyRowSpecs(cycle.RowSpec{Point: cycle.PointFromDesign(referenceDesign()), FallbackEtaS: 0.85, VaryDuty: true}))
	err := model.SolveOffDesign(ctx)
	assert.ErrorIs(t, err, cycle.ErrOffDesignConvergence)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMetricsBeforeSolve(t *testing.T) {
	model := NewHeatPumpModel(Options{})
	require.NoError(t, model.Build())
	m := model.Metrics()
	assert.True(t, math.IsNaN(m.COP))
	assert.Nil(t, m.TEvapSetC)
	assert.Nil(t, m.TCondSetC)
}

func TestDesignStatePersistence(t *testing.T) {
	dir := t.TempDir()
	model := NewHeatPumpModel(Options{DesignDir: dir, Now: fixedNow})
	require.NoError(t, model.Build())
	require.NoError(t, model.SetDesignPoint(referenceDesign()))
	require.NoError(t, model.SolveDesign(context.Background()))
	saved, err := model.SaveDesignState()
	require.NoError(t, err)

	loaded, err := LoadDesignState(dir)
	require.NoError(t, err)
	assert.True(t, saved.SavedAt.Equal(loaded.SavedAt))
	loaded.SavedAt = saved.SavedAt
	assert.Equal(t, saved, loaded)

	_, err = LoadDesignState(t.TempDir())
	assert.Error(t, err)
}
