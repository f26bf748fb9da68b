// Kestrel - Behavioral fraud detection for gig marketplaces.
// Copyright (c) 2025 gigmarket-labs
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigmarket-labs/kestrel/internal/api"
	"github.com/gigmarket-labs/kestrel/internal/bus"
	"github.com/gigmarket-labs/kestrel/internal/cache"
	"github.com/gigmarket-labs/kestrel/internal/catalog"
	"github.com/gigmarket-labs/kestrel/internal/config"
	"github.com/gigmarket-labs/kestrel/internal/domain"
	"github.com/gigmarket-labs/kestrel/internal/evaluator"
	"github.com/gigmarket-labs/kestrel/internal/metrics"
	"github.com/gigmarket-labs/kestrel/internal/repository"
	"github.com/gigmarket-labs/kestrel/internal/window"
	"github.com/gigmarket-labs/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	initLogger(cfg.Logging)

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
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	store := window.NewStore()
	go store.RunSweeper(ctx, cfg.Engine.SweepInterval)
	slog.Info("window store initialized", "sweep_interval", cfg.Engine.SweepInterval)

	cat, err := catalog.New()
	if err != nil {
		slog.Error("failed to initialize rule catalog", "error", err)
		os.Exit(1)
	}

	if err := loadRules(ctx, cfg, repo, cat); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	metrics.CatalogRules.Set(float64(cat.Len()))
	slog.Info("rule catalog initialized", "rules_count", cat.Len())

	var stopWatch func()
	if cfg.Engine.RulesSeedPath != "" {
		stopWatch, err = catalog.WatchSeedFile(cfg.Engine.RulesSeedPath, func(rules []*domain.Rule) error {
			if err := cat.Reload(rules); err != nil {
				metrics.CatalogReloads.WithLabelValues("rejected").Inc()
				return err
			}
			metrics.CatalogReloads.WithLabelValues("ok").Inc()
			metrics.CatalogRules.Set(float64(cat.Len()))
			return nil
		})
		if err != nil {
			slog.Warn("failed to watch rules seed file", "path", cfg.Engine.RulesSeedPath, "error", err)
		} else {
			defer stopWatch()
		}
	}

	eval := evaluator.New(cat, store, repo, busImpl)
	slog.Info("evaluator initialized")

	async := cfg.Engine.WorkerCount > 0
	var asyncWorker *worker.Worker
	if async {
		asyncWorker = worker.NewWorker(busImpl, eval)
		if err := asyncWorker.Start(cfg.Engine.WorkerCount); err != nil {
			slog.Error("failed to start async workers", "error", err)
			os.Exit(1)
		}
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, cat, eval, Version, async)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		asyncWorker.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func initLogger(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// loadRules populates the catalog from the repository, falling back to the
// seed file when the repository holds no rules.
func loadRules(ctx context.Context, cfg *domain.Config, repo domain.Repository, cat *catalog.Catalog) error {
	dbRules, err := repo.ListRules(ctx)
	if err != nil {
		slog.Warn("failed to list rules from repository", "error", err)
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from repository", "count", len(dbRules))
		return cat.Reload(dbRules)
	}

	if cfg.Engine.RulesSeedPath != "" {
		seedRules, err := catalog.LoadSeedFile(cfg.Engine.RulesSeedPath)
		if err != nil {
			return err
		}
		slog.Info("loading rules from seed file",
			"path", cfg.Engine.RulesSeedPath,
			"count", len(seedRules),
		)
		if err := cat.Reload(seedRules); err != nil {
			return err
		}
		for _, r := range seedRules {
			if err := repo.SaveRule(ctx, r); err != nil {
				slog.Warn("failed to persist seed rule", "id", r.ID, "error", err)
			}
		}
		return nil
	}

	slog.Info("no rules configured - add via POST /rules or a seed file")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║     Behavioral Fraud Rule Engine          ║")
	fmt.Println("  ║      Eyes on every actor.                 ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /events              - Submit a behavioral event")
	fmt.Println("    GET  /events/{id}         - Get event by ID")
	fmt.Println("    GET  /verdicts/{id}       - Get verdict by ID")
	fmt.Println("    GET  /rules               - List all rules")
	fmt.Println("    POST /rules               - Install a new rule")
	fmt.Println("    POST /rules/{id}/disable  - Disable a rule")
	fmt.Println("    POST /rules/reload        - Hot-reload rules from database")
	fmt.Println("    GET  /health              - Health check")
	fmt.Println("    GET  /metrics             - Prometheus metrics")
	fmt.Println()
}
