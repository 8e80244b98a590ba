package application

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.Solver.VaryDuty {
		t.Fatalf("expected duty to vary by default")
	}
	if cfg.Design.FallbackQCondKW != 1000 || cfg.Design.EtaS != 0.85 {
		t.Fatalf("unexpected design defaults %+v", cfg.Design)
	}
}

func TestLoadConfigFile_OverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hpcycle.yaml")
	content := `
columns:
  sheet_source: "Source"
  sink_q_cond_kw: "P_th [kW]"
mapping:
  evap_approach_K: 3
  sink_approach_K: 2
design:
  fallback_q_cond_kw: 250
solver:
  row_timeout: 2s
  vary_duty: false
output:
  archive: ""
fields:
  eta_s_pct: "compressor_eta"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Columns.SheetSource != "Source" || cfg.Columns.SheetSink != "Heat sink" {
		t.Fatalf("unexpected sheets %q/%q", cfg.Columns.SheetSource, cfg.Columns.SheetSink)
	}
	if cfg.Columns.SinkPowerKW != "P_th [kW]" {
		t.Fatalf("unexpected power column %q", cfg.Columns.SinkPowerKW)
	}
	if cfg.Mapping.EvapApproachK != 3 || cfg.Mapping.SinkApproachK != 2 || cfg.Mapping.CondMaxC != 95 {
		t.Fatalf("unexpected mapping %+v", cfg.Mapping)
	}
	if cfg.Design.FallbackQCondKW != 250 || cfg.Design.EtaS != 0.85 {
		t.Fatalf("unexpected design %+v", cfg.Design)
	}
	if cfg.Solver.RowTimeout != 2*time.Second || cfg.Solver.VaryDuty {
		t.Fatalf("unexpected solver %+v", cfg.Solver)
	}
	if cfg.Output.Archive != "report.zip" {
		t.Fatalf("expected archive default, got %q", cfg.Output.Archive)
	}
	if fields := cfg.FieldMap(); fields.EtaSPct != "compressor_eta" || fields.TSourceC != "T_evap_ref_C" {
		t.Fatalf("unexpected field map %+v", fields)
	}
}

func TestLoadConfigFile_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("mapping:\n  evap_min_C: 30\n  evap_max_C: 10\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatalf("expected inverted bounds to be rejected")
	}
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestLoadConfig_Environment(t *testing.T) {
	root := t.TempDir()
	t.Setenv("HPCYCLE_CONFIG", "")
	t.Setenv("HPCYCLE_STORAGE_ROOT", root)
	t.Setenv("HPCYCLE_WEBHOOK_URL", "http://hooks.local/x")
	t.Setenv("HPCYCLE_FAILED_ROW_RATIO", "0.5")
	t.Setenv("HPCYCLE_DESIGN_ETA_S", "not-a-number")
	t.Setenv("HPCYCLE_ROW_TIMEOUT", "250ms")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageRoot != root || cfg.Alerting.WebhookURL != "http://hooks.local/x" {
		t.Fatalf("unexpected env overlay %+v", cfg)
	}
	if cfg.Alerting.FailedRowRatio != 0.5 || cfg.Solver.RowTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected alerting/solver %+v %+v", cfg.Alerting, cfg.Solver)
	}
	if cfg.Design.EtaS != 0.85 {
		t.Fatalf("expected unparsable eta to keep default, got %v", cfg.Design.EtaS)
	}
}

func TestConfig_ValidateRejectsUnknownFluid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fluid = "R744"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported fluid error")
	}
}
