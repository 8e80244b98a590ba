package application

import (
	"math"
	"time"

	cycle "heatpump-cloud/internal/cycle/domain"
	measurement "heatpump-cloud/internal/measurement/domain"
)

// Row statuses of the output table.
const (
	RowStatusOK    = "ok"
	RowStatusError = "error"
)

// MetricsRow is one output row: the aligned measurement, the resolved
// operating point and the solve outcome.
type MetricsRow struct {
	Record  measurement.Record
	Point   cycle.OperatingPoint
	Metrics cycle.Metrics
	Status  string
	Error   string
}

// Summary describes a finished run.
type Summary struct {
	RunID         string            `json:"run_id"`
	TenantID      string            `json:"tenant_id"`
	Workbook      string            `json:"workbook"`
	RowsAligned   int               `json:"rows_aligned"`
	RowsSolved    int               `json:"rows_solved"`
	RowsFailed    int               `json:"rows_failed"`
	DroppedSource int               `json:"dropped_source"`
	DroppedSink   int               `json:"dropped_sink"`
	IntervalHours float64           `json:"interval_h"`
	Columns       map[string]string `json:"resolved_columns"`
	Design        cycle.DesignPoint `json:"design"`
	DesignState   cycle.DesignState `json:"design_state"`
	COPMin        *float64          `json:"cop_min,omitempty"`
	COPMean       *float64          `json:"cop_mean,omitempty"`
	COPMax        *float64          `json:"cop_max,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	Artifacts     []string          `json:"artifacts"`
}

// FailedRatio is the share of aligned rows whose solve failed.
func (s Summary) FailedRatio() float64 {
	if s.RowsAligned == 0 {
		return 0
	}
	return float64(s.RowsFailed) / float64(s.RowsAligned)
}

// Result is the output table of a run plus its summary.
type Result struct {
	Summary Summary
	// Columns are the aligned and mapped record keys in output order.
	Columns []string
	Rows    []MetricsRow
	Dir     string
	Archive string
}

var metricColumns = []string{"m_dot_kg_s", "P_comp_kW", "Q_cond_kW", "Q_evap_kW", "COP", "T2_C", "T4_C"}

// NumericHeader lists the numeric columns of the output table after time.
func (r *Result) NumericHeader() []string {
	header := make([]string, 0, len(r.Columns)+1+len(metricColumns))
	header = append(header, r.Columns...)
	header = append(header, "interval_h")
	return append(header, metricColumns...)
}

// NumericValues returns the numeric cells of row in NumericHeader order.
// Missing values are NaN.
func (r *Result) NumericValues(row MetricsRow) []float64 {
	values := make([]float64, 0, len(r.Columns)+1+len(metricColumns))
	for _, col := range r.Columns {
		values = append(values, row.Record.Get(col))
	}
	m := row.Metrics
	return append(values,
		r.Summary.IntervalHours,
		m.MassFlowKgS,
		m.PCompKW,
		m.QCondKW,
		m.QEvapKW,
		m.COP,
		deref(m.TEvapSetC),
		deref(m.TCondSetC),
	)
}

// copStats returns min, mean and max COP over solved rows.
func copStats(rows []MetricsRow) (minCOP, meanCOP, maxCOP *float64) {
	var sum float64
	n := 0
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, row := range rows {
		cop := row.Metrics.COP
		if row.Status != RowStatusOK || math.IsNaN(cop) || math.IsInf(cop, 0) {
			continue
		}
		sum += cop
		n++
		lo = math.Min(lo, cop)
		hi = math.Max(hi, cop)
	}
	if n == 0 {
		return nil, nil, nil
	}
	mean := sum / float64(n)
	return &lo, &mean, &hi
}

func deref(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
