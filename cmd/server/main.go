package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"live-orchestrator/internal/api"
	"live-orchestrator/internal/events"
	"live-orchestrator/internal/ingest"
	"live-orchestrator/internal/orchestrator"
	"live-orchestrator/internal/platform/config"
	"live-orchestrator/internal/platform/logger"
	"live-orchestrator/internal/platform/metrics"
	"live-orchestrator/internal/store"
	"live-orchestrator/internal/supervisor"

	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	for _, dir := range []string{cfg.HLSOutputDir, cfg.DASHOutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("creating output directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	repo, err := openRepository(cfg, log)
	if err != nil {
		log.Error("opening store", "driver", cfg.DatabaseDriver, "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	sup := supervisor.New(supervisor.Config{
		EncoderPath: cfg.EncoderPath,
		StopTimeout: cfg.StopTimeout,
	}, log, met)
	collector := orchestrator.NewCollector(repo, sup, cfg.StatsInterval, log, met)

	var pub events.Publisher = events.Nop{}
	if cfg.RedisAddr != "" {
		rp := events.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.EventsChannel)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rp.Ping(pingCtx); err != nil {
			log.Warn("event broker unreachable", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
		defer rp.Close()
		pub = rp
	}

	mgr := orchestrator.NewManager(repo, sup, orchestrator.Config{
		HLSDir:         cfg.HLSOutputDir,
		DASHDir:        cfg.DASHOutputDir,
		PublicBasePath: cfg.PublicBasePath,
	}, log,
		orchestrator.WithStatsHook(collector),
		orchestrator.WithEvents(pub),
		orchestrator.WithMetrics(met),
	)
	if err := mgr.Recover(context.Background()); err != nil {
		log.Error("recovering stream state", "error", err)
		os.Exit(1)
	}

	gw := ingest.NewGateway(mgr, cfg.IngestBaseURL, log, met, pub)
	h := api.NewHandler(mgr, gw, log)
	router := api.NewRouter(h, log, met, api.RouterOptions{
		WebhookRateLimit: cfg.WebhookRateLimit,
		UpdateGauges: func() {
			met.SetActiveEncoders(len(sup.List()))
			met.SetIngestSessions(gw.SessionCount())
		},
		PublicBasePath: cfg.PublicBasePath,
		HLSDir:         cfg.HLSOutputDir,
		DASHDir:        cfg.DASHOutputDir,
	})

	collector.Start()

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"database_driver", cfg.DatabaseDriver,
		"encoder", cfg.EncoderPath,
		"ingest_base_url", cfg.IngestBaseURL,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	collector.Stop()
	if err := mgr.StopAll(ctx); err != nil {
		log.Error("stopping encoders", "error", err)
	}

	log.Info("server stopped")
}

func openRepository(cfg config.Config, log *slog.Logger) (store.Repository, error) {
	if cfg.DatabaseDriver == "memory" {
		return store.NewInMemoryRepository(), nil
	}
	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, log)
	if err != nil {
		return nil, err
	}
	return store.NewGormRepository(db), nil
}
