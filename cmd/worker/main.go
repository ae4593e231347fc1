package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"usb-media-scheduler/internal/config"
	"usb-media-scheduler/internal/engine"
	"usb-media-scheduler/internal/lease"
	"usb-media-scheduler/internal/store"
	"usb-media-scheduler/internal/telemetry"
	"usb-media-scheduler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	leases := lease.New(st, logger, cfg.MaxAttempts)
	eng := engine.New(logger, st, engine.VerifyConfig{
		Strategy:         cfg.VerifyStrategy,
		SamplePercentage: cfg.VerifySamplePct,
		MinSampleSize:    cfg.VerifyMinSample,
	}, cfg.MountRoot)

	w := worker.New(worker.Config{
		WorkerID:           cfg.WorkerIdentity(),
		LeaseDuration:      cfg.LeaseDuration,
		PollInterval:       cfg.PollInterval,
		MaxConcurrentJobs:  cfg.MaxConcurrentJobs,
		ExtendThresholdPct: cfg.ExtendThresholdPct,
		ShutdownGrace:      cfg.ShutdownGrace,
		ReapInterval:       cfg.ReapInterval,
		RetentionAge:       cfg.RetentionAge,
	}, st, leases, eng, telemetry.NewNotifier(), logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	if err := w.Start(ctx); err != nil {
		logger.Fatal("start worker", zap.Error(err))
	}
	logger.Info("worker running",
		zap.String("worker_id", cfg.WorkerIdentity()),
		zap.Duration("lease_duration", cfg.LeaseDuration))

	<-sigCh
	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer cancelStop()
	if err := w.Stop(stopCtx); err != nil {
		logger.Error("stop worker", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("no POSTGRES_DSN configured, using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
