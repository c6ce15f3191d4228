// Kestrel - Transaction risk scoring for peer-to-peer ledgers.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration (.env + KESTREL_* overrides)
	cfg, err := domain.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"graph_depth", cfg.Pipeline.GraphDepth,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize tracing
	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Initialize EventBus
	busImpl, err := bus.New(ctx, cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize scoring engine
	loc, _ := cfg.Engine.Location()
	engineOpts := risk.Options{
		Location:       loc,
		DefaultCountry: cfg.Engine.DefaultCountry,
		CycleBudget:    cfg.Engine.CycleBudget,
	}
	if cfg.Engine.GeoIPPath != "" {
		resolver, err := geo.OpenMaxMind(cfg.Engine.GeoIPPath)
		if err != nil {
			slog.Error("failed to open GeoIP database", "path", cfg.Engine.GeoIPPath, "error", err)
			os.Exit(1)
		}
		defer resolver.Close()
		engineOpts.Resolver = resolver
		slog.Info("GeoIP resolver enabled", "path", cfg.Engine.GeoIPPath)
	}
	engine := risk.NewEngine(engineOpts)
	slog.Info("risk engine initialized",
		"version", risk.Version,
		"timezone", loc.String(),
		"cycle_budget", cfg.Engine.CycleBudget,
	)

	// Initialize Policy Engine
	policies, err := policy.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}
	loadPoliciesFromDatabase(ctx, repo, policies)

	// Initialize Metrics
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		m.SetPoliciesLoaded(policies.PoliciesCount())
	}

	// Initialize Pipeline
	p, err := pipeline.New(pipeline.Options{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Engine:   engine,
		Policies: policies,
		Metrics:  m,
		Config:   cfg.Pipeline,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, p, logger)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.TenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.TenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Options{
		Repo:        repo,
		Cache:       cacheImpl,
		Pipeline:    p,
		Policies:    policies,
		Metrics:     m,
		MetricsPath: cfg.Metrics.Path,
		Version:     Version,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadPoliciesFromDatabase loads global policies into the engine.
// With none stored the engine alerts on HIGH tier results.
func loadPoliciesFromDatabase(ctx context.Context, repo domain.Repository, engine *policy.Engine) {
	dbPolicies, err := repo.ListPolicies(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list policies from database", "error", err)
		return
	}

	if len(dbPolicies) == 0 {
		slog.Info("no policies in database, using default", "policy_id", policy.DefaultPolicyID)
		return
	}

	if err := engine.Reload(dbPolicies); err != nil {
		slog.Error("failed to load policies, using default", "error", err)
		return
	}
	slog.Info("policy engine initialized", "policies_count", engine.PoliciesCount())
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL")
	fmt.Println("  Transaction risk scoring engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions            - Ingest a ledger transaction")
	fmt.Println("    PUT  /wallets/{userId}        - Set a wallet balance")
	fmt.Println("    POST /analyze                 - Score a user or transaction sender")
	fmt.Println("    GET  /analyses/{id}           - Get analysis by ID")
	fmt.Println("    GET  /users/{userId}/analyses - List a user's analyses")
	fmt.Println("    GET  /policies                - List alert policies")
	fmt.Println("    POST /policies                - Create an alert policy")
	fmt.Println("    POST /policies/reload         - Hot-reload policies from database")
	fmt.Println("    GET  /health                  - Health check")
	if cfg.Metrics.Enabled {
		fmt.Printf("    GET  %-24s - Prometheus metrics\n", cfg.Metrics.Path)
	}
	fmt.Println()
}
