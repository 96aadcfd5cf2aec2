// Package main provides the ingestd server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/raphaelgruber/ingestd/internal/config"
	"github.com/raphaelgruber/ingestd/internal/db"
	"github.com/raphaelgruber/ingestd/internal/llm"
	"github.com/raphaelgruber/ingestd/internal/logbus"
	"github.com/raphaelgruber/ingestd/internal/metrics"
	"github.com/raphaelgruber/ingestd/internal/server"
	"github.com/raphaelgruber/ingestd/internal/service"
	"github.com/raphaelgruber/ingestd/internal/sink"
	"github.com/raphaelgruber/ingestd/internal/store"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides INGEST_HTTP_ADDR)")
	wipeDB := flag.Bool("wipe", false, "wipe jobs and indexes from surrealdb on startup (testing only)")
	flag.Parse()

	if err := run(*addr, *wipeDB || os.Getenv("INGEST_WIPE_DB") == "true"); err != nil {
		fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		os.Exit(1)
	}
}

func run(addrOverride string, wipe bool) error {
	cfg := config.Load()
	if addrOverride != "" {
		cfg.HTTPAddr = addrOverride
	}

	bus := logbus.New(cfg.LogBuffer, cfg.SubscriberBuffer)
	logger, closeLog := config.SetupLogger(cfg, bus)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	slog.Info("starting ingestd", "addr", cfg.HTTPAddr, "job_store", cfg.JobStore)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector().WithPrometheus(metrics.NewInstruments(reg))

	// Only a surrealdb job store (or a wipe) needs the shared connection up
	// front; surrealdb sinks connect on demand otherwise.
	var surreal *db.Client
	if cfg.JobStore == config.JobStoreSurreal || wipe {
		c, err := connectSurreal(cfg, logger, wipe)
		if err != nil {
			return err
		}
		surreal = c
		defer func() {
			if err := surreal.Close(context.Background()); err != nil {
				slog.Error("failed to close surrealdb client", "error", err)
			}
		}()
	}

	jobStore, closeStore, err := openJobStore(cfg, surreal)
	if err != nil {
		return err
	}
	defer closeStore()

	sinks := sink.NewFactory(surreal, cfg.Surreal())
	plugins := service.NewPlugins(cfg.Embedding(), sinks)
	executor := service.NewExecutor(cfg.Executor(), collector)
	jobs := service.NewJobManager(cfg.Manager(), plugins, executor, jobStore, collector)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = jobs.Restore(ctx)
	cancel()
	if err != nil {
		return err
	}

	var assistant *service.Assistant
	model, err := llm.NewModel(cfg.Assistant())
	if err != nil {
		slog.Warn("assistant model unavailable, using keyword matching", "provider", cfg.AssistantProvider, "error", err)
		assistant = service.NewAssistant(nil)
	} else {
		assistant = service.NewAssistant(model.WithMetrics(collector))
	}

	srv := server.New(server.Options{
		Addr:        cfg.HTTPAddr,
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
	}, server.Deps{
		Jobs:      jobs,
		Sinks:     sinks,
		Bus:       bus,
		Assistant: assistant,
		Metrics:   collector,
		Logger:    logger,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	// Jobs first so their final log lines still reach subscribers, then the
	// bus, which ends open log streams so the HTTP server can drain.
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		slog.Error("jobs did not stop in time", "error", err)
	}
	bus.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func openJobStore(cfg config.Config, surreal *db.Client) (service.JobStore, func(), error) {
	switch cfg.JobStore {
	case config.JobStoreSQLite:
		s, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open job store: %w", err)
		}
		slog.Info("persisting jobs", "store", "sqlite", "path", cfg.SQLitePath)
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Error("failed to close job store", "error", err)
			}
		}, nil
	case config.JobStoreSurreal:
		slog.Info("persisting jobs", "store", "surrealdb", "url", cfg.SurrealDBURL)
		return store.NewSurreal(surreal), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

func connectSurreal(cfg config.Config, logger *slog.Logger, wipe bool) (*db.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := db.NewClient(ctx, cfg.Surreal(), logger)
	if err != nil {
		return nil, fmt.Errorf("connect surrealdb: %w", err)
	}
	if err := c.InitSchema(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("init surrealdb schema: %w", err)
	}
	if wipe {
		if err := c.WipeData(ctx); err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("wipe surrealdb: %w", err)
		}
	}
	return c, nil
}
