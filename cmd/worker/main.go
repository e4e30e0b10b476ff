package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/meridian-dms/meridian/internal/app"
	"github.com/meridian-dms/meridian/internal/connections"
	"github.com/meridian-dms/meridian/internal/observability"
	"github.com/meridian-dms/meridian/internal/platform/cache"
	"github.com/meridian-dms/meridian/internal/platform/db"
	"github.com/meridian-dms/meridian/internal/posting"
	"github.com/meridian-dms/meridian/internal/posting/posters"
	"github.com/meridian-dms/meridian/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	postingMetrics := observability.NewPostingMetrics(nil)

	connectionRepo := connections.NewRepository(pool)
	connectionService := connections.NewService(connectionRepo, redisClient, cfg.ConnectionCacheTTL, logger)

	dispatcher := posting.NewDispatcher()
	dispatcher.Register(connections.TypeNimbusBooks, posters.NewNimbusBooks(cfg.NimbusBooksURL))
	dispatcher.Register(connections.TypeLedgerHub, posters.NewLedgerHub(cfg.LedgerHubURL))

	store := posting.NewStore(pool, posting.StoreConfig{
		BackoffUnit: cfg.PostingBackoffUnit,
		MaxAttempts: cfg.PostingMaxAttempts,
	})
	queueService := posting.NewService(store, connectionService, dispatcher, postingMetrics, logger)

	sweepJob := jobs.NewPostingSweepJob(jobs.PostingSweepConfig{
		Queue:       queueService,
		Connections: connectionService,
		Metrics:     postingMetrics,
		Logger:      logger,
		BatchSize:   cfg.PostingSweepBatch,
	})

	sweepTask, err := jobs.NewPostingSweepTask("")
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPostingSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.PostingSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
