package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-dms/meridian/internal/app"
	"github.com/meridian-dms/meridian/internal/connections"
	"github.com/meridian-dms/meridian/internal/integration"
	"github.com/meridian-dms/meridian/internal/invoicing"
	"github.com/meridian-dms/meridian/internal/observability"
	"github.com/meridian-dms/meridian/internal/platform/cache"
	"github.com/meridian-dms/meridian/internal/platform/db"
	"github.com/meridian-dms/meridian/internal/posting"
	"github.com/meridian-dms/meridian/internal/posting/posters"
	"github.com/meridian-dms/meridian/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
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

	metrics := observability.NewMetrics()
	postingMetrics := observability.NewPostingMetrics(metrics.Registerer())

	connectionRepo := connections.NewRepository(pool)
	connectionService := connections.NewService(connectionRepo, redisClient, cfg.ConnectionCacheTTL, logger)
	connectionsHandler := connections.NewHandler(logger, connectionService)

	dispatcher := posting.NewDispatcher()
	dispatcher.Register(connections.TypeNimbusBooks, posters.NewNimbusBooks(cfg.NimbusBooksURL))
	dispatcher.Register(connections.TypeLedgerHub, posters.NewLedgerHub(cfg.LedgerHubURL))

	store := posting.NewStore(pool, posting.StoreConfig{
		BackoffUnit: cfg.PostingBackoffUnit,
		MaxAttempts: cfg.PostingMaxAttempts,
	})
	queueService := posting.NewService(store, connectionService, dispatcher, postingMetrics, logger)
	postingHandler := posting.NewHandler(logger, queueService)

	hooks := integration.NewHooks(queueService, connectionService, logger)

	invoiceRepo := invoicing.NewRepository(pool)
	invoiceService := invoicing.NewService(invoiceRepo, hooks, logger)
	invoicingHandler := invoicing.NewHandler(logger, invoiceService)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		ConnectionsHandler: connectionsHandler,
		PostingHandler:     postingHandler,
		InvoicingHandler:   invoicingHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
