package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	cycle "heatpump-cloud/internal/cycle/domain"
	"heatpump-cloud/internal/cycle/engine"
	measurementapp "heatpump-cloud/internal/measurement/application"
	measurement "heatpump-cloud/internal/measurement/domain"
	runrepo "heatpump-cloud/internal/run/infrastructure/postgres"
	runmetrics "heatpump-cloud/internal/run/metrics"
	runnotify "heatpump-cloud/internal/run/notify"
)

const (
	runStatusRunning = "running"
	runStatusSuccess = "succeeded"
	runStatusFailed  = "failed"

	defaultTenant = "default"
)

// WorkbookSource yields the source and sink sheets of one workbook.
type WorkbookSource interface {
	Name() string
	Load(ctx context.Context, sourceSheet, sinkSheet string) (measurement.Table, measurement.Table, error)
}

// RunStore persists run lifecycle and per-row results.
type RunStore interface {
	CreateRun(ctx context.Context, run *runrepo.Run) error
	UpdateRunStage(ctx context.Context, id, status, stage, errMsg string, finishedAt *time.Time) error
	CompleteRun(ctx context.Context, run *runrepo.Run) error
	InsertRows(ctx context.Context, runID string, rows []runrepo.Row) error
}

// ReportRenderer renders the binary reports of a finished run.
type ReportRenderer interface {
	TimeseriesXLSX(result *Result) ([]byte, error)
	RunReportPDF(result *Result) ([]byte, error)
}

// EngineFactory creates a fresh cycle engine for one run. designDir is where
// the engine persists its design state.
type EngineFactory func(cfg Config, designDir string) cycle.Engine

// Request describes one pipeline run.
type Request struct {
	TenantID string
	// RequestedBy names the caller recorded in the run log.
	RequestedBy string
	Source      WorkbookSource
	// Config overrides the runner configuration when set.
	Config *Config
	// OutputDir overrides the artifact directory under the storage root.
	OutputDir string
}

// Runner executes pipeline runs one at a time.
type Runner struct {
	mu        sync.Mutex
	store     RunStore
	renderer  ReportRenderer
	cfg       Config
	notifier  runnotify.Notifier
	metrics   *runmetrics.Metrics
	logger    *log.Logger
	newEngine EngineFactory
	now       func() time.Time
}

// NewRunner constructs a Runner. store, renderer, notifier and metrics may
// be nil.
func NewRunner(store RunStore, renderer ReportRenderer, cfg Config, notifier runnotify.Notifier, metrics *runmetrics.Metrics, logger *log.Logger) *Runner {
	return &Runner{
		store:     store,
		renderer:  renderer,
		cfg:       cfg,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger,
		newEngine: defaultEngine,
		now:       time.Now,
	}
}

// SetEngineFactory replaces the engine used by subsequent runs.
func (r *Runner) SetEngineFactory(factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if factory == nil {
		factory = defaultEngine
	}
	r.newEngine = factory
}

// Config returns the runner configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

func defaultEngine(cfg Config, designDir string) cycle.Engine {
	return engine.NewHeatPumpModel(engine.Options{
		DesignDir:     designDir,
		MaxIterations: cfg.Solver.MaxIterations,
		Tolerance:     cfg.Solver.Tolerance,
	})
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run-" + uuid.NewString()
}

type execution struct {
	cfg      Config
	runID    string
	tenantID string
	workbook string
	dir      string
	started  time.Time
	progress progress
}

// Run loads, aligns and maps a workbook, solves the design point and then
// every row off-design. Design failures and load errors abort the run; row
// failures are recorded in the result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if r == nil {
		return nil, errors.New("run runner: nil")
	}
	if req.Source == nil {
		return nil, errors.New("run runner: workbook source required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.cfg
	if req.Config != nil {
		cfg = *req.Config
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = defaultTenant
	}
	exec := &execution{
		cfg:      cfg,
		runID:    NewRunID(),
		tenantID: tenantID,
		workbook: req.Source.Name(),
		started:  r.now().UTC(),
	}
	exec.dir = req.OutputDir
	if exec.dir == "" {
		exec.dir = filepath.Join(cfg.StorageRoot, tenantID, exec.runID)
	}

	if r.store != nil {
		cfgBytes, _ := json.Marshal(cfg)
		err := r.store.CreateRun(ctx, &runrepo.Run{
			ID:        exec.runID,
			TenantID:  tenantID,
			Workbook:  exec.workbook,
			Status:    runStatusRunning,
			Stage:     StageIdle.String(),
			Config:    cfgBytes,
			StartedAt: &exec.started,
		})
		if err != nil {
			return nil, err
		}
	}
	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(runStatusRunning).Inc()
	}
	r.logf("hpcycle_run_start", exec, "")
	if req.RequestedBy != "" && r.logger != nil {
		r.logger.Printf("event=hpcycle_run_requested run_id=%s requested_by=%s", exec.runID, req.RequestedBy)
	}

	result, err := r.execute(ctx, exec, req.Source)
	if err != nil {
		r.fail(ctx, exec, err)
		return nil, err
	}
	return result, nil
}

func (r *Runner) execute(ctx context.Context, exec *execution, source WorkbookSource) (*Result, error) {
	cfg := exec.cfg
	if err := os.MkdirAll(exec.dir, 0o755); err != nil {
		return nil, err
	}

	sourceTable, sinkTable, err := source.Load(ctx, cfg.Columns.SheetSource, cfg.Columns.SheetSink)
	if err != nil {
		return nil, err
	}
	if err := r.advance(ctx, exec, StageLoaded); err != nil {
		return nil, err
	}

	aligner, err := measurementapp.NewAligner(cfg.Columns, r.logger)
	if err != nil {
		return nil, err
	}
	table, err := aligner.Align(sourceTable, sinkTable)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.DroppedRowsTotal.WithLabelValues("source").Add(float64(table.DroppedSource))
		r.metrics.DroppedRowsTotal.WithLabelValues("sink").Add(float64(table.DroppedSink))
	}
	if err := r.advance(ctx, exec, StageAligned); err != nil {
		return nil, err
	}

	cfg.Mapping.MapTable(&table)
	points := cfg.Mapping.MapAll(&table, cfg.FieldMap())
	if err := r.advance(ctx, exec, StageMapped); err != nil {
		return nil, err
	}

	design, err := cycle.BuildDesignPoint(points, cfg.Design.EtaS, cfg.Design.FallbackQCondKW)
	if err != nil {
		return nil, err
	}
	r.logDesign(exec, design)
	if err := writeDesignSummary(filepath.Join(exec.dir, cfg.Output.DesignSummary), design); err != nil {
		return nil, err
	}

	model := r.newEngine(cfg, exec.dir)
	if err := model.Build(); err != nil {
		return nil, err
	}
	if err := model.SetDesignPoint(design); err != nil {
		return nil, err
	}
	if err := model.SolveDesign(ctx); err != nil {
		return nil, err
	}
	state, err := model.SaveDesignState()
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.DesignCOP.Set(model.Metrics().COP)
	}
	if err := r.advance(ctx, exec, StageDesignSolved); err != nil {
		return nil, err
	}

	rows, err := r.solveRows(ctx, exec, model, table, points, design)
	if err != nil {
		return nil, err
	}
	if err := r.advance(ctx, exec, StageDone); err != nil {
		return nil, err
	}

	result := &Result{
		Columns: append([]string(nil), table.Columns...),
		Rows:    rows,
		Dir:     exec.dir,
		Summary: Summary{
			RunID:         exec.runID,
			TenantID:      exec.tenantID,
			Workbook:      exec.workbook,
			RowsAligned:   len(table.Records),
			DroppedSource: table.DroppedSource,
			DroppedSink:   table.DroppedSink,
			IntervalHours: table.IntervalHours,
			Columns:       table.Resolved,
			Design:        design,
			DesignState:   state,
			StartedAt:     exec.started,
		},
	}
	for _, row := range rows {
		if row.Status == RowStatusOK {
			result.Summary.RowsSolved++
		} else {
			result.Summary.RowsFailed++
		}
	}
	result.Summary.COPMin, result.Summary.COPMean, result.Summary.COPMax = copStats(rows)
	result.Summary.FinishedAt = r.now().UTC()

	if err := r.writeArtifacts(result, cfg.Output); err != nil {
		return nil, err
	}
	if err := r.persist(ctx, exec, result); err != nil {
		return nil, err
	}

	if threshold := cfg.Alerting.FailedRowRatio; threshold > 0 && result.Summary.FailedRatio() > threshold {
		if err := r.createAlert(ctx, exec, result); err != nil {
			r.logf("hpcycle_alert_failed", exec, err.Error())
		} else if r.metrics != nil {
			r.metrics.AlertsTotal.Inc()
		}
	}

	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(runStatusSuccess).Inc()
		r.metrics.RunDuration.Observe(result.Summary.FinishedAt.Sub(exec.started).Seconds())
		r.metrics.LastRunFailedRows.Set(float64(result.Summary.RowsFailed))
		if result.Summary.COPMean != nil {
			r.metrics.LastRunCOPMean.Set(*result.Summary.COPMean)
		}
	}
	r.logf("hpcycle_run_success", exec, "")
	return result, nil
}

// solveRows runs one off-design solve per operating point. Missing targets
// carry forward from the last known point, starting at the design point.
func (r *Runner) solveRows(ctx context.Context, exec *execution, model cycle.Engine, table measurement.AlignedTable, points []cycle.OperatingPoint, design cycle.DesignPoint) ([]MetricsRow, error) {
	solver := exec.cfg.Solver
	last := cycle.PointFromDesign(design)
	rows := make([]MetricsRow, 0, len(points))
	for i, raw := range points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		point := raw.Resolve(last)
		last = point
		row := MetricsRow{Record: table.Records[i], Point: point, Status: RowStatusOK}

		began := r.now()
		err := solveRow(ctx, model, cycle.RowSpec{
			Point:        point,
			FallbackEtaS: design.EtaS,
			VaryDuty:     solver.VaryDuty,
		}, solver.RowTimeout)
		if r.metrics != nil {
			r.metrics.RowSolveDuration.Observe(r.now().Sub(began).Seconds())
		}
		if err != nil {
			row.Status = RowStatusError
			row.Error = err.Error()
			row.Metrics = cycle.MissingMetrics()
			row.Metrics.TEvapSetC = runrepo.Nullable(point.TEvapRefC)
			row.Metrics.TCondSetC = runrepo.Nullable(point.TCondRefC)
			if r.logger != nil {
				r.logger.Printf("event=hpcycle_row_failed run_id=%s row=%d time=%s error=%s",
					exec.runID, i, formatTime(row.Record.At), err.Error())
			}
		} else {
			row.Metrics = model.Metrics()
		}
		if r.metrics != nil {
			r.metrics.RowsTotal.WithLabelValues(row.Status).Inc()
		}
		if err := exec.progress.advance(StageOffDesignSolved); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// solveRow applies spec and solves. A row that exceeds timeout is reported
// as an off-design convergence failure.
func solveRow(ctx context.Context, model cycle.Engine, spec cycle.RowSpec, timeout time.Duration) error {
	if err := model.ApplyRowSpecs(spec); err != nil {
		return err
	}
	if timeout <= 0 {
		return model.SolveOffDesign(ctx)
	}
	rowCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := model.SolveOffDesign(rowCtx)
	if err != nil && errors.Is(rowCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		var convErr *cycle.ConvergenceError
		if errors.As(err, &convErr) {
			return err
		}
		return &cycle.ConvergenceError{
			Mode:   cycle.ModeOffDesign,
			Reason: fmt.Sprintf("row timeout %s exceeded", timeout),
			Cause:  err,
		}
	}
	return err
}

func (r *Runner) advance(ctx context.Context, exec *execution, to Stage) error {
	if err := exec.progress.advance(to); err != nil {
		return err
	}
	if r.store != nil {
		_ = r.store.UpdateRunStage(ctx, exec.runID, runStatusRunning, to.String(), "", nil)
	}
	return nil
}

func (r *Runner) writeArtifacts(result *Result, out OutputConfig) error {
	dir := result.Dir
	if err := writeTimeseriesCSV(filepath.Join(dir, out.TimeseriesCSV), result); err != nil {
		return err
	}
	artifacts := []string{out.TimeseriesCSV, out.DesignSummary, engine.DesignStateFile}
	if r.renderer != nil && out.WriteXLSX {
		data, err := r.renderer.TimeseriesXLSX(result)
		if err != nil {
			return err
		}
		if err := writeFile(filepath.Join(dir, out.TimeseriesXLSX), data); err != nil {
			return err
		}
		artifacts = append(artifacts, out.TimeseriesXLSX)
	}
	if r.renderer != nil && out.WritePDF {
		data, err := r.renderer.RunReportPDF(result)
		if err != nil {
			return err
		}
		if err := writeFile(filepath.Join(dir, out.ReportPDF), data); err != nil {
			return err
		}
		artifacts = append(artifacts, out.ReportPDF)
	}
	artifacts = append(artifacts, out.SummaryJSON)
	result.Summary.Artifacts = artifacts
	if err := writeSummaryJSON(filepath.Join(dir, out.SummaryJSON), result.Summary); err != nil {
		return err
	}
	archive, err := writeArchive(dir, out.Archive, artifacts)
	if err != nil {
		return err
	}
	result.Archive = archive
	return nil
}

func (r *Runner) persist(ctx context.Context, exec *execution, result *Result) error {
	if r.store == nil {
		return nil
	}
	rows := make([]runrepo.Row, 0, len(result.Rows))
	for i, row := range result.Rows {
		m := row.Metrics
		rows = append(rows, runrepo.Row{
			RunID:       exec.runID,
			Seq:         i,
			At:          row.Record.At,
			TEvapRefC:   runrepo.Nullable(row.Point.TEvapRefC),
			TCondRefC:   runrepo.Nullable(row.Point.TCondRefC),
			MassFlowKgS: runrepo.Nullable(m.MassFlowKgS),
			PCompKW:     runrepo.Nullable(m.PCompKW),
			QCondKW:     runrepo.Nullable(m.QCondKW),
			QEvapKW:     runrepo.Nullable(m.QEvapKW),
			COP:         runrepo.Nullable(m.COP),
			Status:      row.Status,
			Error:       row.Error,
		})
	}
	if err := r.store.InsertRows(ctx, exec.runID, rows); err != nil {
		return err
	}
	summary := result.Summary
	designBytes, _ := json.Marshal(summary.Design)
	finished := summary.FinishedAt
	return r.store.CompleteRun(ctx, &runrepo.Run{
		ID:            exec.runID,
		TenantID:      exec.tenantID,
		Workbook:      exec.workbook,
		Status:        runStatusSuccess,
		Stage:         exec.progress.stage.String(),
		Design:        designBytes,
		RowsAligned:   summary.RowsAligned,
		RowsSolved:    summary.RowsSolved,
		RowsFailed:    summary.RowsFailed,
		DroppedSource: summary.DroppedSource,
		DroppedSink:   summary.DroppedSink,
		IntervalHours: runrepo.Nullable(summary.IntervalHours),
		COPMean:       summary.COPMean,
		Location:      result.Archive,
		StartedAt:     &exec.started,
		FinishedAt:    &finished,
	})
}

func (r *Runner) fail(ctx context.Context, exec *execution, err error) {
	ended := r.now().UTC()
	if r.store != nil {
		_ = r.store.UpdateRunStage(context.WithoutCancel(ctx), exec.runID, runStatusFailed, exec.progress.stage.String(), err.Error(), &ended)
	}
	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(runStatusFailed).Inc()
	}
	r.logf("hpcycle_run_failed", exec, err.Error())
}

func (r *Runner) createAlert(ctx context.Context, exec *execution, result *Result) error {
	if r.notifier == nil {
		return nil
	}
	summary := result.Summary
	return r.notifier.Notify(ctx, runnotify.AlertMessage{
		TenantID:          exec.tenantID,
		RunID:             exec.runID,
		Workbook:          exec.workbook,
		Stage:             exec.progress.stage.String(),
		RowsAligned:       summary.RowsAligned,
		RowsSolved:        summary.RowsSolved,
		RowsFailed:        summary.RowsFailed,
		FailedRatio:       summary.FailedRatio(),
		COPMean:           summary.COPMean,
		ReportURL:         fmt.Sprintf("%s/api/v1/runs/%s/download", exec.cfg.PublicBaseURL, exec.runID),
		RecommendedAction: recommendedAction(summary),
	})
}

func recommendedAction(summary Summary) string {
	switch {
	case summary.RowsAligned > 0 && summary.RowsSolved == 0:
		return "check_design_point"
	case summary.RowsFailed > 0:
		return "check_mapping_bounds"
	}
	return "none"
}

func (r *Runner) logDesign(exec *execution, design cycle.DesignPoint) {
	if r.logger == nil {
		return
	}
	r.logger.Printf("event=hpcycle_design_point run_id=%s T_source_C=%s T_sink_C=%s Q_cond_kW=%s eta_s=%s",
		exec.runID, formatFloat(design.TSourceC), formatFloat(design.TSinkC),
		formatFloat(design.QCondKW), formatFloat(design.EtaS))
}

func (r *Runner) logf(event string, exec *execution, errMsg string) {
	if r.logger == nil {
		return
	}
	r.logger.Printf("event=%s tenant_id=%s run_id=%s workbook=%s stage=%s error=%s",
		event, exec.tenantID, exec.runID, exec.workbook, exec.progress.stage, errMsg)
}
