package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rezkam/gridx/internal/config"
	"github.com/rezkam/gridx/internal/coordinator"
	"github.com/rezkam/gridx/internal/httpapi"
	"github.com/rezkam/gridx/internal/jobstore"
	"github.com/rezkam/gridx/internal/ledger"
	"github.com/rezkam/gridx/internal/registry"
	"github.com/rezkam/gridx/internal/scheduler"
	"github.com/rezkam/gridx/internal/session"
	"github.com/rezkam/gridx/internal/storage"
	"github.com/rezkam/gridx/internal/workerstore"
	"github.com/rezkam/gridx/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations; cancels on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Export endpoints and auth come from the OTEL_* env vars.
	providers, logger, err := observability.Init(ctx, "gridx-coordinator", "1.0.0", cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init observability: %w", err)
	}
	defer func() {
		// Bounded so an unreachable collector cannot hang shutdown.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown telemetry providers", "error", err)
		}
	}()
	slog.SetDefault(logger)

	slog.InfoContext(ctx, "starting gridx coordinator",
		"http_port", cfg.HTTPPort, "stream_port", cfg.StreamPort)

	db, err := storage.Open(ctx, storage.DBConfig{DSN: cfg.DBDSN})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()
	slog.InfoContext(ctx, "storage initialized", "dsn", maskPassword(cfg.DBDSN))

	lgr := ledger.New(db, cfg.InitialCredits)
	jobs := jobstore.New(db)
	workers := workerstore.New(db)
	reg := registry.New()

	sched := scheduler.New(scheduler.Config{
		WorkerReward:     cfg.WorkerReward,
		RequeueAttempts:  cfg.RequeueAttempts,
		HeadSkipAttempts: cfg.HeadSkipAttempts,
	}, lgr, jobs, reg, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	svc := coordinator.New(cfg, lgr, jobs, workers, reg, sched, logger)
	go svc.RunSweeper(ctx)

	sessions := session.NewServer(lgr, reg, workers, sched, cfg.MaxOutputBytes, logger)
	streamMux := http.NewServeMux()
	streamMux.Handle("/ws/worker", sessions)
	streamServer := &http.Server{
		Addr:              ":" + cfg.StreamPort,
		Handler:           streamMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	api := httpapi.NewServer(svc, cfg.MaxCodeBytes+4096, logger)
	apiServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           otelhttp.NewHandler(api.Router(), "gridx-api"),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errResult := make(chan error, 2)
	go func() {
		slog.InfoContext(ctx, "worker stream listening", "addr", streamServer.Addr)
		if err := streamServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("failed to serve worker stream: %w", err)
		}
	}()
	go func() {
		slog.InfoContext(ctx, "submission API listening", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("failed to serve submission API: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")

		// Fresh context: the main one is already cancelled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "submission API shutdown timed out", "error", err)
		}
		if err := streamServer.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "worker stream shutdown timed out", "error", err)
		}
		return nil
	case err := <-errResult:
		return err
	}
}

// maskPassword redacts the password in a connection string for logging.
func maskPassword(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
