package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	corecfg "github.com/verity-health/verity/internal/core/config"
	"github.com/verity-health/verity/internal/core/model"
	"github.com/verity-health/verity/internal/core/rollup"
	"github.com/verity-health/verity/internal/core/store"
	"github.com/verity-health/verity/internal/history"
	"github.com/verity-health/verity/internal/ingestion"
	"github.com/verity-health/verity/internal/migrations"
	"github.com/verity-health/verity/internal/normalize"
	"github.com/verity-health/verity/internal/pipeline"
	"github.com/verity-health/verity/internal/query"
	"github.com/verity-health/verity/internal/server"
	"github.com/verity-health/verity/internal/storage/postgres"
	"github.com/verity-health/verity/internal/view"
	"github.com/verity-health/verity/internal/window"
)

func main() {
	configPath := flag.String("config", "verity.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"database_type", cfg.Database.Type,
		"rollups", len(cfg.Definitions.Rollups),
		"views", len(cfg.Definitions.Views),
	)

	refreshInterval, err := cfg.Engine.EffectiveRefreshInterval()
	if err != nil {
		slog.Error("Invalid refresh interval", "value", cfg.Engine.RefreshInterval, "error", err)
		os.Exit(1)
	}

	// 2. Initialize Record Store
	var records store.Store
	var healthDB *sql.DB
	switch cfg.Database.Type {
	case "postgres":
		adapter, err := postgres.NewAdapter(
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
		)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer adapter.Close()

		if err := migrations.RunMigrations(adapter.DB(), cfg.Database.AutoMigrate); err != nil {
			slog.Error("Failed to run database migrations", "error", err)
			os.Exit(1)
		}
		records = adapter
		healthDB = adapter.DB()
	default:
		records = store.NewMemory()
	}

	// 3. Initialize Engines
	rollups := rollup.NewEngine()
	for _, def := range cfg.Definitions.Rollups {
		if err := rollups.Define(def); err != nil {
			slog.Error("Invalid rollup definition", "rollup", def.Name, "error", err)
			os.Exit(1)
		}
	}

	windows := window.NewEngine()
	hist := history.NewEngine(cfg.Engine.TraversalMaxNodes)

	views := view.NewMaterializer(rollups, windows, records)
	for _, def := range cfg.Definitions.Views {
		if err := views.Define(def); err != nil {
			slog.Error("Invalid view definition", "view", def.Name, "error", err)
			os.Exit(1)
		}
	}

	series := make([]pipeline.SeriesDef, 0, len(cfg.Engine.Series)+1)
	series = append(series, pipeline.DefaultSeries)
	for _, s := range cfg.Engine.Series {
		if s.Name == pipeline.DefaultSeries.Name {
			continue
		}
		series = append(series, pipeline.SeriesDef{
			Name:    s.Name,
			Kind:    model.Kind(s.Kind),
			OrderBy: s.OrderBy,
			Value:   s.Value,
		})
	}

	pipe := pipeline.New(records, rollups, windows, hist, views, series)

	// 4. Rebuild Engine State from the Record Store
	startupCtx, startupCancel := context.WithCancel(context.Background())
	if err := pipe.Replay(startupCtx); err != nil {
		startupCancel()
		slog.Error("Failed to rebuild engine state", "error", err)
		os.Exit(1)
	}
	startupCancel()

	// 5. Initialize Ingestion and Query Services
	normalizer := normalize.New(records, pipe, normalize.WithWorkerCount(cfg.Engine.WorkerCount))
	ingestionSvc := ingestion.NewService(normalizer, cfg.Server.MaxBodySizeMB)
	querySvc := query.NewService(rollups, windows, hist, views)

	// 6. Initialize View Refresh Scheduler
	scheduler := view.NewScheduler(refreshInterval, views)
	slog.Info("View scheduler initialized", "interval", refreshInterval)

	// 7. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), healthDB, cfg.Server.Mode)
	ingestionSvc.RegisterRoutes(srv.Engine)
	querySvc.RegisterRoutes(srv.Engine)

	// 8. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := scheduler.Start(ctx); err != nil {
			slog.Error("View scheduler stopped with error", "error", err)
		}
	}()

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
