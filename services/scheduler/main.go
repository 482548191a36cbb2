// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Fawwaz-2009/automaker/pkg/logging"
	"github.com/Fawwaz-2009/automaker/services/scheduler/engine"
	"github.com/Fawwaz-2009/automaker/services/scheduler/events"
	"github.com/Fawwaz-2009/automaker/services/scheduler/observability"
	"github.com/Fawwaz-2009/automaker/services/scheduler/routes"
	"github.com/Fawwaz-2009/automaker/services/scheduler/runner"
	"github.com/Fawwaz-2009/automaker/services/scheduler/storage"
	"github.com/Fawwaz-2009/automaker/services/scheduler/store"
	"github.com/Fawwaz-2009/automaker/services/scheduler/workspace"
)

const shutdownTimeout = 10 * time.Second

func initMetrics() (func(context.Context), error) {
	// Bridge OpenTelemetry instruments onto the default Prometheus
	// registry so /metrics serves both API and scheduler series.
	exporter, err := otelprom.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			log.Printf("failed to shutdown meter provider: %v", err)
		}
	}, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	port := envOr("AUTOMAKER_PORT", "12300")
	dataDir := envOr("AUTOMAKER_DATA_DIR", filepath.Join(".", "automaker-data"))
	projectPath := envOr("AUTOMAKER_PROJECT_PATH", ".")
	agentCmd := envOr("AUTOMAKER_AGENT_CMD", "")

	maxConcurrency := engine.DefaultMaxConcurrency
	if raw := os.Getenv("AUTOMAKER_MAX_CONCURRENCY"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			log.Fatalf("invalid AUTOMAKER_MAX_CONCURRENCY %q", raw)
		}
		maxConcurrency = n
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("AUTOMAKER_LOG_LEVEL")),
		LogDir:  os.Getenv("AUTOMAKER_LOG_DIR"),
		Service: "scheduler",
		JSON:    true,
	})
	defer logger.Close()
	slog := logger.Slog()

	metricsCleanup, err := initMetrics()
	if err != nil {
		log.Fatalf("failed to setup metrics: %v", err)
	}
	defer metricsCleanup(context.Background())

	dbCfg := storage.DefaultConfig()
	dbCfg.Path = filepath.Join(dataDir, "features")
	dbCfg.Logger = slog
	db, err := storage.Open(dbCfg)
	if err != nil {
		log.Fatalf("failed to open feature database: %v", err)
	}
	defer db.Close()

	gc, err := storage.NewGCRunner(db, dbCfg, slog)
	if err != nil {
		log.Fatalf("failed to create GC runner: %v", err)
	}
	gc.Start()
	defer gc.Stop()

	st, err := store.Open(db, slog)
	if err != nil {
		log.Fatalf("failed to load feature store: %v", err)
	}

	provider := workspace.NewLocalProvider(projectPath, filepath.Join(dataDir, "workspaces"))
	binder := workspace.NewBinder(provider, slog)

	argv := strings.Fields(agentCmd)
	if len(argv) == 0 {
		log.Fatalf("AUTOMAKER_AGENT_CMD is required (the agent command to run per feature)")
	}
	rn, err := runner.NewExecRunner(argv, slog)
	if err != nil {
		log.Fatalf("failed to create runner: %v", err)
	}

	bus := events.NewBus(slog)
	coord, err := engine.New(engine.Config{MaxConcurrency: maxConcurrency},
		st, binder, rn, bus, slog)
	if err != nil {
		log.Fatalf("failed to create coordinator: %v", err)
	}
	if err := coord.Start(); err != nil {
		log.Fatalf("failed to start coordinator: %v", err)
	}

	router := gin.Default()
	metrics := observability.NewAPIMetrics(nil)
	routes.SetupRoutes(router, coord, bus, metrics)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("scheduler service listening", "port", port,
			"max_concurrency", maxConcurrency, "data_dir", dataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "error", err)
		}
		if err := coord.Shutdown(shutdownCtx); err != nil {
			slog.Warn("coordinator shutdown error", "error", err)
		}
		bus.Close()
		binder.ReleaseAll(shutdownCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("scheduler service failed: %v", err)
	}
	slog.Info("scheduler service stopped")
}
