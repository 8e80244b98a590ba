package application

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cycle "heatpump-cloud/internal/cycle/domain"
	measurement "heatpump-cloud/internal/measurement/domain"
	runrepo "heatpump-cloud/internal/run/infrastructure/postgres"
	runmetrics "heatpump-cloud/internal/run/metrics"
	runnotify "heatpump-cloud/internal/run/notify"
)

type memSource struct {
	name   string
	source measurement.Table
	sink   measurement.Table
	err    error
}

func (s memSource) Name() string { return s.name }

func (s memSource) Load(_ context.Context, sourceSheet, sinkSheet string) (measurement.Table, measurement.Table, error) {
	if s.err != nil {
		return measurement.Table{}, measurement.Table{}, s.err
	}
	src, snk := s.source, s.sink
	src.Sheet, snk.Sheet = sourceSheet, sinkSheet
	return src, snk, nil
}

func plantWorkbook(sourceTIn ...string) memSource {
	if len(sourceTIn) == 0 {
		sourceTIn = []string{"10", "12", "14"}
	}
	starts := []string{"2024-01-15 10:00", "2024-01-15 10:30", "2024-01-15 11:00"}
	ends := []string{"2024-01-15 10:30", "2024-01-15 11:00", "2024-01-15 11:30"}
	source := measurement.Table{Columns: []string{"start measurement", "end measurement", "T_in[degC]", "T_out[degC]"}}
	sink := measurement.Table{Columns: []string{"start measurement", "end measurement", "T_in[degC]", "T_out[degC]", "Energy[kWh]"}}
	for i := range starts {
		source.Rows = append(source.Rows, []string{starts[i], ends[i], sourceTIn[i], "4"})
		sink.Rows = append(sink.Rows, []string{starts[i], ends[i], "60", "78", "250"})
	}
	return memSource{name: "plant.xlsx", source: source, sink: sink}
}

type memStore struct {
	mu        sync.Mutex
	created   []*runrepo.Run
	stages    []string
	statuses  []string
	errors    []string
	rows      []runrepo.Row
	completed *runrepo.Run
}

func (s *memStore) CreateRun(_ context.Context, run *runrepo.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, run)
	return nil
}

func (s *memStore) UpdateRunStage(_ context.Context, _, status, stage, errMsg string, _ *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	s.stages = append(s.stages, stage)
	s.errors = append(s.errors, errMsg)
	return nil
}

func (s *memStore) CompleteRun(_ context.Context, run *runrepo.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = run
	return nil
}

func (s *memStore) InsertRows(_ context.Context, _ string, rows []runrepo.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	return nil
}

type stubRenderer struct{}

func (stubRenderer) TimeseriesXLSX(*Result) ([]byte, error) { return []byte("xlsx"), nil }
func (stubRenderer) RunReportPDF(*Result) ([]byte, error)   { return []byte("%PDF"), nil }

type captureNotifier struct {
	messages []runnotify.AlertMessage
}

func (n *captureNotifier) Notify(_ context.Context, msg runnotify.AlertMessage) error {
	n.messages = append(n.messages, msg)
	return nil
}

// fakeEngine records row specs and fails or blocks on request.
type fakeEngine struct {
	failAt map[int]bool
	block  bool
	specs  []cycle.RowSpec
}

func (f *fakeEngine) Build() error { return nil }

func (f *fakeEngine) SetDesignPoint(cycle.DesignPoint) error { return nil }

func (f *fakeEngine) SolveDesign(context.Context) error { return nil }

func (f *fakeEngine) SaveDesignState() (cycle.DesignState, error) {
	return cycle.DesignState{Fluid: "fake"}, nil
}

func (f *fakeEngine) ApplyRowSpecs(spec cycle.RowSpec) error {
	f.specs = append(f.specs, spec)
	return nil
}

func (f *fakeEngine) SolveOffDesign(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.failAt[len(f.specs)-1] {
		return &cycle.ConvergenceError{Mode: cycle.ModeOffDesign, Iterations: 50, Reason: "forced"}
	}
	return nil
}

func (f *fakeEngine) Metrics() cycle.Metrics {
	if len(f.specs) == 0 {
		return cycle.Metrics{COP: 3}
	}
	p := f.specs[len(f.specs)-1].Point
	te, tc := p.TEvapRefC, p.TCondRefC
	return cycle.Metrics{
		MassFlowKgS: 1,
		PCompKW:     p.QCondKW / 3,
		QCondKW:     -p.QCondKW,
		QEvapKW:     p.QCondKW * 2 / 3,
		COP:         3,
		TEvapSetC:   &te,
		TCondSetC:   &tc,
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StorageRoot = t.TempDir()
	return cfg
}

func useFake(runner *Runner, fake *fakeEngine) {
	runner.SetEngineFactory(func(Config, string) cycle.Engine { return fake })
}

func TestRunner_EndToEnd(t *testing.T) {
	store := &memStore{}
	var logs bytes.Buffer
	runner := NewRunner(store, stubRenderer{}, testConfig(t), nil, nil, log.New(&logs, "", 0))

	result, err := runner.Run(context.Background(), Request{TenantID: "tenant-1", Source: plantWorkbook()})
	require.NoError(t, err)
	require.Len(t, result.Rows, 3)

	for i, row := range result.Rows {
		assert.Equal(t, RowStatusOK, row.Status, "row %d: %s", i, row.Error)
	}
	assert.InDelta(t, 5.0, result.Summary.Design.TSourceC, 1e-12)
	assert.InDelta(t, 80.0, result.Summary.Design.TSinkC, 1e-12)
	assert.InDelta(t, 500.0, result.Summary.Design.QCondKW, 1e-9)
	assert.InDelta(t, 2.4219, result.Rows[0].Metrics.COP, 1e-3)
	assert.InDelta(t, -500.0, result.Rows[0].Metrics.QCondKW, 1e-6)
	assert.Greater(t, result.Rows[1].Metrics.COP, result.Rows[0].Metrics.COP)
	assert.Greater(t, result.Rows[2].Metrics.COP, result.Rows[1].Metrics.COP)
	assert.Equal(t, 3, result.Summary.RowsSolved)
	assert.Equal(t, 0, result.Summary.RowsFailed)
	assert.InDelta(t, 0.5, result.Summary.IntervalHours, 1e-12)
	require.NotNil(t, result.Summary.COPMean)

	summaryText, err := os.ReadFile(filepath.Join(result.Dir, "design_summary.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(summaryText), "T_source_C     : 5\n")
	assert.Contains(t, string(summaryText), "Q_cond_kW      : 500\n")

	file, err := os.Open(filepath.Join(result.Dir, "hp_timeseries.csv"))
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	header := strings.Join(records[0], ",")
	assert.True(t, strings.HasPrefix(header, "time,"), header)
	assert.Contains(t, header, "T_evap_ref_C,T_cond_ref_C,interval_h,m_dot_kg_s,P_comp_kW,Q_cond_kW,Q_evap_kW,COP,T2_C,T4_C,status,error")
	assert.Equal(t, "2024-01-15T10:15:00Z", records[1][0])

	archive, err := zip.OpenReader(result.Archive)
	require.NoError(t, err)
	defer archive.Close()
	var names []string
	for _, f := range archive.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"hp_timeseries.csv", "design_summary.txt", "design_state.json",
		"hp_timeseries.xlsx", "run_report.pdf", "run_summary.json"}, names)

	assert.Equal(t, []string{"loaded", "aligned", "mapped", "design_solved", "done"}, store.stages)
	require.NotNil(t, store.completed)
	assert.Equal(t, "succeeded", store.completed.Status)
	assert.Equal(t, "done", store.completed.Stage)
	assert.Len(t, store.rows, 3)
	assert.Contains(t, logs.String(), "event=hpcycle_design_point")
	assert.Contains(t, logs.String(), "event=hpcycle_run_success")
}

func TestRunner_IsIdempotent(t *testing.T) {
	runner := NewRunner(nil, nil, testConfig(t), nil, nil, nil)
	first, err := runner.Run(context.Background(), Request{Source: plantWorkbook(), OutputDir: t.TempDir()})
	require.NoError(t, err)
	second, err := runner.Run(context.Background(), Request{Source: plantWorkbook(), OutputDir: t.TempDir()})
	require.NoError(t, err)

	require.Len(t, second.Rows, len(first.Rows))
	for i := range first.Rows {
		assert.Equal(t, first.Rows[i].Metrics.COP, second.Rows[i].Metrics.COP, "row %d", i)
		assert.Equal(t, first.Rows[i].Metrics.MassFlowKgS, second.Rows[i].Metrics.MassFlowKgS, "row %d", i)
	}
	assert.NotEqual(t, first.Summary.RunID, second.Summary.RunID)
}

func TestRunner_DesignFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mapping = cycle.MappingParams{
		EvapApproachK: 0,
		SinkSetpointC: 60,
		EvapMinC:      -15,
		EvapMaxC:      90,
		CondMinC:      60,
		CondMaxC:      60,
	}
	store := &memStore{}
	runner := NewRunner(store, nil, cfg, nil, nil, nil)
	dir := t.TempDir()

	result, err := runner.Run(context.Background(), Request{Source: plantWorkbook("100", "100", "100"), OutputDir: dir})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, cycle.ErrDesignConvergence), "got %v", err)

	require.NotEmpty(t, store.statuses)
	assert.Equal(t, "failed", store.statuses[len(store.statuses)-1])
	assert.Equal(t, "mapped", store.stages[len(store.stages)-1])
	assert.Nil(t, store.completed)

	_, err = os.Stat(filepath.Join(dir, "design_summary.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "hp_timeseries.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunner_LoadErrorIsFatal(t *testing.T) {
	store := &memStore{}
	runner := NewRunner(store, nil, testConfig(t), nil, nil, nil)
	source := memSource{name: "missing.xlsx", err: errors.New("open workbook: no such file")}

	_, err := runner.Run(context.Background(), Request{Source: source})
	require.Error(t, err)
	assert.Equal(t, "idle", store.stages[len(store.stages)-1])
	assert.Equal(t, "open workbook: no such file", store.errors[len(store.errors)-1])
}

func TestRunner_RowFailureIsIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := runmetrics.NewWithRegisterer(reg)
	notifier := &captureNotifier{}
	cfg := testConfig(t)
	cfg.PublicBaseURL = "http://hp.local"
	runner := NewRunner(&memStore{}, nil, cfg, notifier, metrics, nil)
	useFake(runner, &fakeEngine{failAt: map[int]bool{1: true}})

	result, err := runner.Run(context.Background(), Request{TenantID: "tenant-1", Source: plantWorkbook()})
	require.NoError(t, err)
	require.Len(t, result.Rows, 3)

	failed := result.Rows[1]
	assert.Equal(t, RowStatusError, failed.Status)
	assert.Contains(t, failed.Error, "forced")
	assert.True(t, math.IsNaN(failed.Metrics.COP))
	require.NotNil(t, failed.Metrics.TEvapSetC)
	assert.Equal(t, 7.0, *failed.Metrics.TEvapSetC)
	assert.Equal(t, RowStatusOK, result.Rows[2].Status)
	assert.Equal(t, 1, result.Summary.RowsFailed)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RowsTotal.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RowsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AlertsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LastRunFailedRows))

	require.Len(t, notifier.messages, 1)
	msg := notifier.messages[0]
	assert.Equal(t, "tenant-1", msg.TenantID)
	assert.Equal(t, "http://hp.local/api/v1/runs/"+result.Summary.RunID+"/download", msg.ReportURL)
	assert.Equal(t, "check_mapping_bounds", msg.RecommendedAction)
}

func TestRunner_CarriesMissingTargetsForward(t *testing.T) {
	fake := &fakeEngine{}
	runner := NewRunner(nil, nil, testConfig(t), nil, nil, nil)
	useFake(runner, fake)

	_, err := runner.Run(context.Background(), Request{Source: plantWorkbook("10", "n/a", "14")})
	require.NoError(t, err)
	require.Len(t, fake.specs, 3)
	assert.Equal(t, 5.0, fake.specs[1].Point.TEvapRefC)
	assert.Equal(t, 9.0, fake.specs[2].Point.TEvapRefC)
	for _, spec := range fake.specs {
		assert.Equal(t, cycle.DefaultDesignEtaS, spec.FallbackEtaS)
		assert.True(t, spec.VaryDuty)
		assert.True(t, math.IsNaN(spec.Point.EtaS))
	}
}

func TestRunner_RowTimeoutBecomesRowFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Solver.RowTimeout = 10 * time.Millisecond
	notifier := &captureNotifier{}
	runner := NewRunner(nil, nil, cfg, notifier, nil, nil)
	useFake(runner, &fakeEngine{block: true})

	result, err := runner.Run(context.Background(), Request{Source: plantWorkbook()})
	require.NoError(t, err)
	for _, row := range result.Rows {
		assert.Equal(t, RowStatusError, row.Status)
		assert.Contains(t, row.Error, "row timeout")
	}
	assert.Nil(t, result.Summary.COPMean)
	require.Len(t, notifier.messages, 1)
	assert.Equal(t, "check_design_point", notifier.messages[0].RecommendedAction)
}

func TestRunner_CanceledContextAbortsRun(t *testing.T) {
	store := &memStore{}
	runner := NewRunner(store, nil, testConfig(t), nil, nil, nil)
	useFake(runner, &fakeEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx, Request{Source: plantWorkbook()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Equal(t, "failed", store.statuses[len(store.statuses)-1])
}

func TestRunner_RequiresSource(t *testing.T) {
	runner := NewRunner(nil, nil, testConfig(t), nil, nil, nil)
	if _, err := runner.Run(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error for missing source")
	}
}

func TestRunner_RejectsInvalidConfigOverride(t *testing.T) {
	runner := NewRunner(nil, nil, testConfig(t), nil, nil, nil)
	bad := testConfig(t)
	bad.Design.EtaS = 1.5
	if _, err := runner.Run(context.Background(), Request{Source: plantWorkbook(), Config: &bad}); err == nil {
		t.Fatalf("expected config error")
	}
}
