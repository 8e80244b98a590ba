package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"heatpump-cloud/internal/measurement/infrastructure/excel"
	runapp "heatpump-cloud/internal/run/application"
	runrepo "heatpump-cloud/internal/run/infrastructure/postgres"
	runinterfaces "heatpump-cloud/internal/run/interfaces"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const version = "0.3.0"

type options struct {
	workbook     string
	configPath   string
	outDir       string
	tenantID     string
	dsn          string
	sinkSetpoint float64
	evapApproach float64
	sinkApproach float64
	etaS         float64
	varyDuty     bool
	rowTimeout   time.Duration
	noXLSX       bool
	noPDF        bool
	verbose      bool
	showVersion  bool
}

func main() {
	defaults := runapp.DefaultConfig()
	opts := options{outDir: "out", tenantID: "local"}

	pflag.StringVarP(&opts.workbook, "workbook", "w", "", "Measurement workbook (.xlsx) with heat source and heat sink sheets")
	pflag.StringVarP(&opts.configPath, "config", "c", os.Getenv("HPCYCLE_CONFIG"), "YAML pipeline configuration")
	pflag.StringVarP(&opts.outDir, "output", "o", opts.outDir, "Output directory for CSV, reports and archive")
	pflag.StringVar(&opts.tenantID, "tenant", opts.tenantID, "Tenant recorded with the run")
	pflag.StringVar(&opts.dsn, "dsn", os.Getenv("PG_DSN"), "PostgreSQL DSN; runs are persisted when set")
	pflag.Float64Var(&opts.sinkSetpoint, "sink-setpoint", defaults.Mapping.SinkSetpointC, "Condensing setpoint in degC")
	pflag.Float64Var(&opts.evapApproach, "evap-approach", defaults.Mapping.EvapApproachK, "Evaporator approach in K")
	pflag.Float64Var(&opts.sinkApproach, "sink-approach", defaults.Mapping.SinkApproachK, "Condenser approach over the sink outlet in K; 0 uses the setpoint")
	pflag.Float64Var(&opts.etaS, "eta-s", defaults.Design.EtaS, "Design isentropic efficiency")
	pflag.BoolVar(&opts.varyDuty, "vary-duty", defaults.Solver.VaryDuty, "Impose the row condenser duty off-design instead of the design swept volume")
	pflag.DurationVar(&opts.rowTimeout, "row-timeout", 0, "Wall time limit per off-design row, 0 for none")
	pflag.BoolVar(&opts.noXLSX, "no-xlsx", false, "Skip the XLSX timeseries")
	pflag.BoolVar(&opts.noPDF, "no-pdf", false, "Skip the PDF report")
	pflag.BoolVarP(&opts.verbose, "verbose", "v", false, "Log pipeline events to stderr")
	pflag.BoolVarP(&opts.showVersion, "version", "V", false, "Show program version")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hprun v%s: heat pump cycle operating points from measurement workbooks\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage:\n  hprun -w plant.xlsx [flags]\n\nFlags:\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if opts.showVersion {
		fmt.Printf("hprun v%s\n", version)
		os.Exit(0)
	}
	if opts.workbook == "" && pflag.NArg() == 1 {
		opts.workbook = pflag.Arg(0)
	}
	if opts.workbook == "" {
		fmt.Fprintln(os.Stderr, "Error: a workbook is required")
		pflag.Usage()
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := runapp.LoadConfigFile(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logOut := io.Discard
	if opts.verbose {
		logOut = os.Stderr
	}
	logger := log.New(logOut, "", log.LstdFlags)

	var store runapp.RunStore
	if opts.dsn != "" {
		db, err := sql.Open("pgx", opts.dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			return fmt.Errorf("db ping: %w", err)
		}
		store = runrepo.NewRepository(db)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := runapp.NewRunner(store, runinterfaces.Exporter{}, cfg, nil, nil, logger)
	result, err := runner.Run(ctx, runapp.Request{
		TenantID:  opts.tenantID,
		Source:    excel.NewFileSource(opts.workbook),
		OutputDir: opts.outDir,
	})
	if err != nil {
		return err
	}
	printSummary(os.Stdout, result)
	return nil
}

// applyFlags overrides file configuration with flags set on the command line.
func applyFlags(cfg *runapp.Config, opts options) {
	flags := pflag.CommandLine
	if flags.Changed("sink-setpoint") {
		cfg.Mapping.SinkSetpointC = opts.sinkSetpoint
	}
	if flags.Changed("evap-approach") {
		cfg.Mapping.EvapApproachK = opts.evapApproach
	}
	if flags.Changed("sink-approach") {
		cfg.Mapping.SinkApproachK = opts.sinkApproach
	}
	if flags.Changed("eta-s") {
		cfg.Design.EtaS = opts.etaS
	}
	if flags.Changed("vary-duty") {
		cfg.Solver.VaryDuty = opts.varyDuty
	}
	if flags.Changed("row-timeout") {
		cfg.Solver.RowTimeout = opts.rowTimeout
	}
	if opts.noXLSX {
		cfg.Output.WriteXLSX = false
	}
	if opts.noPDF {
		cfg.Output.WritePDF = false
	}
}

func printSummary(w io.Writer, result *runapp.Result) {
	s := result.Summary
	fmt.Fprintf(w, "Run %s (%s)\n", s.RunID, s.Workbook)
	fmt.Fprintf(w, "Design: T_source_C=%.2f T_sink_C=%.2f Q_cond_kW=%.1f eta_s=%.2f\n",
		s.Design.TSourceC, s.Design.TSinkC, s.Design.QCondKW, s.Design.EtaS)
	fmt.Fprintf(w, "Rows: %d aligned, %d solved, %d failed (dropped %d source, %d sink)\n",
		s.RowsAligned, s.RowsSolved, s.RowsFailed, s.DroppedSource, s.DroppedSink)
	if s.COPMean != nil {
		fmt.Fprintf(w, "COP: min %.3f mean %.3f max %.3f\n", *s.COPMin, *s.COPMean, *s.COPMax)
	}
	fmt.Fprintf(w, "Artifacts: %s\n", result.Dir)
	fmt.Fprintf(w, "Archive: %s\n", result.Archive)
}
