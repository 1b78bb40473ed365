// Package main wires together the analysis orchestration service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/reviewpulse/insightd/internal/admission"
	admissionpg "github.com/reviewpulse/insightd/internal/admission/postgres"
	"github.com/reviewpulse/insightd/internal/api"
	"github.com/reviewpulse/insightd/internal/cache"
	cachebadger "github.com/reviewpulse/insightd/internal/cache/badger"
	"github.com/reviewpulse/insightd/internal/clock/system"
	"github.com/reviewpulse/insightd/internal/config"
	"github.com/reviewpulse/insightd/internal/dedup"
	"github.com/reviewpulse/insightd/internal/downstream"
	"github.com/reviewpulse/insightd/internal/hub"
	"github.com/reviewpulse/insightd/internal/hub/ws"
	"github.com/reviewpulse/insightd/internal/id/uuid"
	"github.com/reviewpulse/insightd/internal/logging"
	"github.com/reviewpulse/insightd/internal/orchestrator"
	"github.com/reviewpulse/insightd/internal/resilient"
	"github.com/reviewpulse/insightd/internal/store"
	storememory "github.com/reviewpulse/insightd/internal/store/memory"
	storepg "github.com/reviewpulse/insightd/internal/store/postgres"
	"github.com/reviewpulse/insightd/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()

	fallback := admission.NewMemoryStore(system.New())
	fallback.StartSweeper(ctx, time.Minute, time.Hour, logger.Named("admission"))
	admOpts := []admission.Option{admission.WithFallbackStore(fallback)}

	var (
		jobStore store.JobStore
		ready    func() error
		pool     *pgxpool.Pool
	)
	if cfg.DB.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
		if err != nil {
			logger.Fatal("parse postgres dsn failed", zap.Error(err))
		}
		poolCfg.MaxConns = int32(cfg.DB.MaxConns)
		poolCfg.MinConns = int32(cfg.DB.MinConns)
		poolCfg.MaxConnLifetime = time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			logger.Fatal("connect postgres failed", zap.Error(err))
		}
		defer pool.Close()

		pgStore, err := storepg.NewJobStoreWithPool(pool, nil)
		if err != nil {
			logger.Fatal("init job store failed", zap.Error(err))
		}
		jobStore = pgStore
		admOpts = append(admOpts, admission.WithDurableStore(admissionpg.New(pool)))
		ready = func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pool.Ping(pingCtx)
		}
	} else {
		logger.Warn("db.dsn not set, job state and admission counters are per-process")
		jobStore = storememory.NewJobStore()
	}

	backing, err := cachebadger.Open(cfg.Cache.Path)
	if err != nil {
		logger.Fatal("open cache failed", zap.Error(err))
	}
	defer func() {
		if closeErr := backing.Close(); closeErr != nil {
			logger.Error("close cache failed", zap.Error(closeErr))
		}
	}()
	cacheStore := cache.New(backing, logger.Named("cache"))

	caller := resilient.New(cfg.CallerPolicy(), logger.Named("resilient"))
	client := downstream.New(cfg.DownstreamClientConfig(), caller, logger.Named("downstream"))

	eventHub := hub.New(cfg.SendTimeout(), logger.Named("hub"))
	defer eventHub.Close()
	wsHandler := ws.NewHandler(eventHub, logger.Named("ws"))

	coord := dedup.New(jobStore, uuid.NewGenerator(), cfg.Dedup.SubjectScopedKinds, logger.Named("dedup"))
	orch := orchestrator.New(coord, jobStore, cacheStore, client, eventHub, orchestrator.Config{
		StatusTTL: cfg.StatusTTL(),
		ResultTTL: cfg.ResultTTL(),
	}, logger.Named("orchestrator"))
	adm := admission.New(cfg.AdmissionPolicies(), logger.Named("admission"), admOpts...)

	apiServer := api.NewServer(orch, adm, wsHandler, ready, api.Config{
		RequestTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
