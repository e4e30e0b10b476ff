package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-dms/meridian/internal/connections"
	"github.com/meridian-dms/meridian/internal/observability"
)

// SweepQueue is the queue operation the sweep drives.
type SweepQueue interface {
	ProcessDue(ctx context.Context, integrationID uuid.UUID, limit int) (int, error)
}

// SweepConnectionSource lists the integrations to sweep.
type SweepConnectionSource interface {
	ListConnectedAll(ctx context.Context) ([]connections.Connection, error)
	ListConnected(ctx context.Context, tenantID string) ([]connections.Connection, error)
}

// PostingSweepJob walks every connected integration and attempts its due
// queue items. Scheduling is cooperative: next_retry_at is a lower bound,
// the cron cadence decides how soon after it a retry actually runs.
type PostingSweepJob struct {
	queue       SweepQueue
	conns       SweepConnectionSource
	metrics     *observability.PostingMetrics
	logger      *slog.Logger
	batchSize   int
	concurrency int
}

// PostingSweepConfig collects dependencies for the sweep job.
type PostingSweepConfig struct {
	Queue       SweepQueue
	Connections SweepConnectionSource
	Metrics     *observability.PostingMetrics
	Logger      *slog.Logger
	BatchSize   int
	Concurrency int
}

// NewPostingSweepJob constructs the sweep job.
func NewPostingSweepJob(cfg PostingSweepConfig) *PostingSweepJob {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 25
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &PostingSweepJob{
		queue:       cfg.Queue,
		conns:       cfg.Connections,
		metrics:     cfg.Metrics,
		logger:      logger,
		batchSize:   batch,
		concurrency: concurrency,
	}
}

// Handle processes TaskPostingSweep tasks.
func (j *PostingSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload PostingSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return j.Sweep(ctx, payload.TenantID)
}

// Sweep drains due items for every connected integration, bounded
// concurrently. Failures on one integration do not stop the others; the
// first error is reported so asynq can retry the sweep.
func (j *PostingSweepJob) Sweep(ctx context.Context, tenantID string) error {
	var (
		targets []connections.Connection
		err     error
	)
	if tenantID != "" {
		targets, err = j.conns.ListConnected(ctx, tenantID)
	} else {
		targets, err = j.conns.ListConnectedAll(ctx)
	}
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(j.concurrency)
	for _, conn := range targets {
		group.Go(func() error {
			start := time.Now()
			processed, err := j.queue.ProcessDue(ctx, conn.ID, j.batchSize)
			j.metrics.ObserveSweep(string(conn.Type), time.Since(start))
			if err != nil {
				j.logger.Error("posting sweep",
					slog.String("integration_id", conn.ID.String()),
					slog.Any("error", err))
				return err
			}
			if processed > 0 {
				j.logger.Info("posting sweep",
					slog.String("integration_id", conn.ID.String()),
					slog.Int("posted", processed))
			}
			return nil
		})
	}
	return group.Wait()
}
