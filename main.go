package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"heatpump-cloud/internal/auth"
	runapp "heatpump-cloud/internal/run/application"
	runrepo "heatpump-cloud/internal/run/infrastructure/postgres"
	runinterfaces "heatpump-cloud/internal/run/interfaces"
	runhttp "heatpump-cloud/internal/run/interfaces/http"
	runmetrics "heatpump-cloud/internal/run/metrics"
	runnotify "heatpump-cloud/internal/run/notify"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	runCfg, err := runapp.LoadConfig()
	if err != nil {
		logger.Fatalf("run config error: %v", err)
	}

	var (
		store  runapp.RunStore
		reader runhttp.RunReader
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		repo := runrepo.NewRepository(db)
		store, reader = repo, repo
	} else {
		logger.Printf("DATABASE_URL not set; runs are not persisted")
	}

	var notifier runnotify.Notifier
	if runCfg.Alerting.WebhookURL != "" {
		notifier = runnotify.NewWebhookNotifier(runCfg.Alerting.WebhookURL)
	}

	runner := runapp.NewRunner(store, runinterfaces.Exporter{}, runCfg, notifier, runmetrics.New(), logger)
	runHandler, err := runhttp.NewHandler(runner, reader)
	if err != nil {
		logger.Fatalf("runs handler init error: %v", err)
	}

	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), auth.NewDefaultPolicy([]string{"/healthz"}, []string{"/metrics"}))
	if !authMiddleware.Enabled() {
		logger.Printf("AUTH_JWT_SECRET not set; authentication disabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/runs", runHandler)
	mux.Handle("/api/v1/runs/", runHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
}

type config struct {
	DatabaseURL     string
	HTTPAddr        string
	JWTSecret       string
	ShutdownTimeout time.Duration
}

func loadConfig() config {
	return config{
		DatabaseURL:     getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:        getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:       getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
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

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
