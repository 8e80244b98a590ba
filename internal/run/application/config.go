package application

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	cycle "heatpump-cloud/internal/cycle/domain"
	measurementapp "heatpump-cloud/internal/measurement/application"
)

// DesignConfig defines the design point inputs that do not come from data.
type DesignConfig struct {
	EtaS            float64 `yaml:"eta_s" json:"eta_s"`
	FallbackQCondKW float64 `yaml:"fallback_q_cond_kw" json:"fallback_q_cond_kw"`
}

// SolverConfig bounds the cycle solver.
type SolverConfig struct {
	MaxIterations int           `yaml:"max_iterations" json:"max_iterations"`
	Tolerance     float64       `yaml:"tolerance" json:"tolerance"`
	RowTimeout    time.Duration `yaml:"row_timeout" json:"row_timeout"`
	VaryDuty      bool          `yaml:"vary_duty" json:"vary_duty"`
}

// OutputConfig names run artifacts.
type OutputConfig struct {
	TimeseriesCSV  string `yaml:"timeseries_csv" json:"timeseries_csv"`
	DesignSummary  string `yaml:"design_summary" json:"design_summary"`
	TimeseriesXLSX string `yaml:"timeseries_xlsx" json:"timeseries_xlsx"`
	ReportPDF      string `yaml:"report_pdf" json:"report_pdf"`
	SummaryJSON    string `yaml:"summary_json" json:"summary_json"`
	Archive        string `yaml:"archive" json:"archive"`
	WriteXLSX      bool   `yaml:"write_xlsx" json:"write_xlsx"`
	WritePDF       bool   `yaml:"write_pdf" json:"write_pdf"`
}

// Config defines pipeline configuration.
type Config struct {
	Columns  measurementapp.ColumnMap `yaml:"columns" json:"columns"`
	Mapping  cycle.MappingParams      `yaml:"mapping" json:"mapping"`
	Design   DesignConfig             `yaml:"design" json:"design"`
	Solver   SolverConfig             `yaml:"solver" json:"solver"`
	Output   OutputConfig             `yaml:"output" json:"output"`
	Fluid    string                   `yaml:"fluid" json:"fluid"`
	Fields   FieldMapConfig           `yaml:"fields" json:"fields"`
	Alerting AlertConfig              `yaml:"alerting" json:"alerting"`

	StorageRoot   string `yaml:"storage_root" json:"-"`
	PublicBaseURL string `yaml:"public_base_url" json:"-"`
}

// FieldMapConfig overrides the record keys the engine reads.
type FieldMapConfig struct {
	TSourceC string `yaml:"T_source_C" json:"T_source_C"`
	TSinkC   string `yaml:"T_sink_C" json:"T_sink_C"`
	QCondKW  string `yaml:"Q_cond_kW" json:"Q_cond_kW"`
	EtaSPct  string `yaml:"eta_s_pct" json:"eta_s_pct"`
}

// AlertConfig defines when a run raises a notification.
type AlertConfig struct {
	WebhookURL     string  `yaml:"webhook_url" json:"-"`
	FailedRowRatio float64 `yaml:"failed_row_ratio" json:"failed_row_ratio"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Columns: measurementapp.DefaultColumnMap(),
		Mapping: cycle.DefaultMappingParams(),
		Design: DesignConfig{
			EtaS:            cycle.DefaultDesignEtaS,
			FallbackQCondKW: cycle.DefaultFallbackQCondKW,
		},
		Solver: SolverConfig{
			MaxIterations: 50,
			Tolerance:     1e-9,
			VaryDuty:      true,
		},
		Output: OutputConfig{
			TimeseriesCSV:  "hp_timeseries.csv",
			DesignSummary:  "design_summary.txt",
			TimeseriesXLSX: "hp_timeseries.xlsx",
			ReportPDF:      "run_report.pdf",
			SummaryJSON:    "run_summary.json",
			Archive:        "report.zip",
			WriteXLSX:      true,
			WritePDF:       true,
		},
		Fluid:         "R134a",
		Alerting:      AlertConfig{FailedRowRatio: 0.2},
		StorageRoot:   filepath.FromSlash("var/reports/hpcycle"),
		PublicBaseURL: "http://localhost:8080",
	}
}

// LoadConfig loads config from the yaml file named by HPCYCLE_CONFIG and
// the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("HPCYCLE_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// LoadConfigFile loads defaults overlaid with a yaml file.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.StorageRoot = getenvDefault("HPCYCLE_STORAGE_ROOT", c.StorageRoot)
	c.PublicBaseURL = getenvDefault("HPCYCLE_PUBLIC_BASE_URL", c.PublicBaseURL)
	c.Alerting.WebhookURL = getenvDefault("HPCYCLE_WEBHOOK_URL", c.Alerting.WebhookURL)
	c.Alerting.FailedRowRatio = getenvFloatDefault("HPCYCLE_FAILED_ROW_RATIO", c.Alerting.FailedRowRatio)
	c.Design.EtaS = getenvFloatDefault("HPCYCLE_DESIGN_ETA_S", c.Design.EtaS)
	c.Design.FallbackQCondKW = getenvFloatDefault("HPCYCLE_FALLBACK_Q_COND_KW", c.Design.FallbackQCondKW)
	c.Solver.RowTimeout = getenvDuration("HPCYCLE_ROW_TIMEOUT", c.Solver.RowTimeout)
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Solver.MaxIterations <= 0 {
		c.Solver.MaxIterations = defaults.Solver.MaxIterations
	}
	if c.Solver.Tolerance <= 0 {
		c.Solver.Tolerance = defaults.Solver.Tolerance
	}
	if c.Fluid == "" {
		c.Fluid = defaults.Fluid
	}
	out, def := &c.Output, defaults.Output
	for _, pair := range []struct {
		value    *string
		fallback string
	}{
		{&out.TimeseriesCSV, def.TimeseriesCSV},
		{&out.DesignSummary, def.DesignSummary},
		{&out.TimeseriesXLSX, def.TimeseriesXLSX},
		{&out.ReportPDF, def.ReportPDF},
		{&out.SummaryJSON, def.SummaryJSON},
		{&out.Archive, def.Archive},
	} {
		if strings.TrimSpace(*pair.value) == "" {
			*pair.value = pair.fallback
		}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if err := c.Columns.Validate(); err != nil {
		return err
	}
	if err := c.Mapping.Validate(); err != nil {
		return err
	}
	if !(c.Design.EtaS > 0 && c.Design.EtaS <= 1) {
		return fmt.Errorf("config: design eta_s %.3f outside (0, 1]", c.Design.EtaS)
	}
	if !(c.Design.FallbackQCondKW > 0) {
		return errors.New("config: fallback_q_cond_kw must be positive")
	}
	if c.Solver.RowTimeout < 0 {
		return errors.New("config: row_timeout must not be negative")
	}
	if c.Alerting.FailedRowRatio < 0 || c.Alerting.FailedRowRatio > 1 {
		return errors.New("config: failed_row_ratio outside [0, 1]")
	}
	if !strings.EqualFold(c.Fluid, "R134a") {
		return fmt.Errorf("config: unsupported fluid %q", c.Fluid)
	}
	if c.StorageRoot == "" {
		return errors.New("config: storage root required")
	}
	return nil
}

// FieldMap returns the engine field mapping with overrides applied.
func (c Config) FieldMap() cycle.FieldMap {
	fields := cycle.DefaultFieldMap()
	if c.Fields.TSourceC != "" {
		fields.TSourceC = c.Fields.TSourceC
	}
	if c.Fields.TSinkC != "" {
		fields.TSinkC = c.Fields.TSinkC
	}
	if c.Fields.QCondKW != "" {
		fields.QCondKW = c.Fields.QCondKW
	}
	if c.Fields.EtaSPct != "" {
		fields.EtaSPct = c.Fields.EtaSPct
	}
	return fields
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
