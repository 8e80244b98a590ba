package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles heat pump run metrics.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	RowsTotal         *prometheus.CounterVec
	DroppedRowsTotal  *prometheus.CounterVec
	RowSolveDuration  prometheus.Histogram
	DesignCOP         prometheus.Gauge
	LastRunCOPMean    prometheus.Gauge
	LastRunFailedRows prometheus.Gauge
	AlertsTotal       prometheus.Counter
}

// New constructs metrics registered on the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer constructs metrics and registers them on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hpcycle_runs_total",
				Help: "Total pipeline runs by status",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hpcycle_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		RowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hpcycle_rows_total",
				Help: "Off-design rows by status",
			},
			[]string{"status"},
		),
		DroppedRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hpcycle_dropped_rows_total",
				Help: "Rows dropped for unparsable timestamps by sheet role",
			},
			[]string{"sheet"},
		),
		RowSolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hpcycle_row_solve_duration_seconds",
			Help:    "Off-design solve duration per row in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		DesignCOP: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hpcycle_design_cop",
			Help: "COP at the design point of the latest run",
		}),
		LastRunCOPMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hpcycle_last_run_cop_mean",
			Help: "Mean COP of solved rows in the latest run",
		}),
		LastRunFailedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hpcycle_last_run_failed_rows",
			Help: "Failed off-design rows in the latest run",
		}),
		AlertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hpcycle_alerts_total",
			Help: "Total failed-row alerts sent",
		}),
	}
	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RowsTotal,
		m.DroppedRowsTotal,
		m.RowSolveDuration,
		m.DesignCOP,
		m.LastRunCOPMean,
		m.LastRunFailedRows,
		m.AlertsTotal,
	)
	return m
}
