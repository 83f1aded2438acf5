// fedtrack is a federated workout-sharing server: it ingests FIT/GPX files,
// derives analytics, and speaks ActivityPub so followers on other instances
// see new workouts in their timelines. It runs as a single binary with
// SQLite by default, requiring no external database for self-hosted
// deployments.
//
// Usage:
//
//	export DOMAIN=fitness.example.com
//	export BASE_URL=https://fitness.example.com
//	export DB_URL=sqlite://fedtrack.db
//	./fedtrack
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/klppl/fedtrack/internal/analytics"
	"github.com/klppl/fedtrack/internal/ap"
	"github.com/klppl/fedtrack/internal/batchimport"
	"github.com/klppl/fedtrack/internal/config"
	"github.com/klppl/fedtrack/internal/db"
	"github.com/klppl/fedtrack/internal/pipeline"
	"github.com/klppl/fedtrack/internal/server"
	"github.com/klppl/fedtrack/internal/timeline"
	"github.com/klppl/fedtrack/internal/weather"
	"github.com/klppl/fedtrack/internal/workout"
)

func main() {
	// Structured JSON logging by default — easy to parse with any log
	// aggregator. The broadcaster keeps a ring buffer for the admin surface.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logSink := server.NewLogBroadcaster(os.Stdout)
	slog.SetDefault(slog.New(slog.NewJSONHandler(logSink, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting fedtrack", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"domain", cfg.Domain,
		"base_url", cfg.BaseURL,
		"database", cfg.DBURL,
		"weather_enabled", cfg.WeatherEnabled,
		"registration_enabled", cfg.RegistrationEnabled,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DBURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DBURL)
		os.Exit(1)
	}
	defer store.Close()
	store.SetBaseURL(cfg.BaseURL)

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Federation engine ────────────────────────────────────────────────────
	ap.SetObjectCacheTTL(cfg.ActorCacheTTL)
	resolver := ap.NewResolver(store, cfg.ActorCacheTTL)
	outbox := ap.NewDispatcher(cfg.BaseURL, cfg.FederationConcurrency, store, resolver)
	inbox := &ap.Processor{
		BaseURL:  cfg.BaseURL,
		Store:    store,
		Resolver: resolver,
		Outbox:   outbox,
	}

	// ─── Post-processing pipeline ─────────────────────────────────────────────
	engine := &analytics.Engine{Store: store}
	wx := weather.New(cfg.WeatherEnabled, cfg.WeatherAPIKey)
	pipe := pipeline.New(store, engine, wx, outbox, cfg.BaseURL, 0)

	workouts := &workout.Service{Store: store, Pipeline: pipe}
	timelines := &timeline.Merger{Store: store}
	imports := batchimport.New(store, workouts, engine)

	// ─── Background actor refresh ─────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	refreshTrigger := make(chan struct{}, 1)
	refresher := &ap.ActorRefresher{
		Resolver:  resolver,
		Interval:  cfg.ResyncInterval,
		TriggerCh: refreshTrigger,
	}
	go refresher.Start(ctx)

	// ─── HTTP server ──────────────────────────────────────────────────────────
	auth := &server.TokenAuthenticator{Store: store}
	srv := server.New(cfg, store, resolver, inbox, outbox, workouts, timelines, imports, auth)
	srv.SetLogBroadcaster(logSink)
	srv.SetRefreshTrigger(refreshTrigger)

	srv.Start(ctx) // blocks until ctx is cancelled

	// Shutdown order: drain the batch-import pool first, then the
	// post-processing pool, then refuse new uploads. The coordinator stops
	// taking jobs the moment its drain begins, so nothing new sneaks in
	// while the pools empty.
	imports.Shutdown()
	pipe.Shutdown()
	srv.RefuseNewUploads()

	slog.Info("fedtrack stopped")
}
