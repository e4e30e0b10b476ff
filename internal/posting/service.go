package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meridian-dms/meridian/internal/connections"
	"github.com/meridian-dms/meridian/internal/observability"
	"github.com/meridian-dms/meridian/internal/shared"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ConnectionRegistry is the read contract the queue consumes from the
// connection registry.
type ConnectionRegistry interface {
	FindConnectionByID(ctx context.Context, id uuid.UUID) (*connections.Connection, error)
}

// DocumentPoster is the dispatch contract; satisfied by *Dispatcher.
type DocumentPoster interface {
	Post(ctx context.Context, conn *connections.Connection, docType string, payload map[string]any) (Result, error)
}

// Service is the business-facing state machine over the Store.
type Service struct {
	store      Store
	registry   ConnectionRegistry
	dispatcher DocumentPoster
	metrics    *observability.PostingMetrics
	logger     *slog.Logger
}

// NewService constructs the queue service. Metrics are optional.
func NewService(store Store, registry ConnectionRegistry, dispatcher DocumentPoster, metrics *observability.PostingMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}
}

// Enqueue registers a document for delivery. Repeated calls for the same
// document are idempotent: the existing row comes back, no duplicate is
// created, even when the calls race.
func (s *Service) Enqueue(ctx context.Context, tenantID string, integrationID uuid.UUID, docType, docID string, payload map[string]any) (*QueueItem, error) {
	if tenantID == "" {
		return nil, errors.New("posting: tenant id required")
	}
	if integrationID == uuid.Nil {
		return nil, errors.New("posting: integration id required")
	}
	if docType == "" || docID == "" {
		return nil, errors.New("posting: document type and id required")
	}
	item, err := s.store.Insert(ctx, QueueItem{
		TenantID:       tenantID,
		IntegrationID:  integrationID,
		DocType:        docType,
		DocID:          docID,
		IdempotencyKey: IdempotencyKey(docType, docID),
		Payload:        payload,
		Status:         StatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue posting: %w", err)
	}
	s.metrics.AddEnqueued(item.DocType)
	return item, nil
}

// ListQueueResult is one page of queue items plus pagination metadata.
type ListQueueResult struct {
	Items      []QueueItem       `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

// ListQueue returns a paginated operational view. Page and limit are
// 1-based; limit defaults to 50 and is capped.
func (s *Service) ListQueue(ctx context.Context, tenantID string, status *Status, page, limit int) (*ListQueueResult, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = shared.ClampPageSize(limit, maxPageSize)
	offset := (page - 1) * limit

	items, total, err := s.store.FindByTenant(ctx, tenantID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list posting queue: %w", err)
	}
	return &ListQueueResult{
		Items:      items,
		Pagination: shared.NewPagination(page, limit, total),
	}, nil
}

// Get returns one queue item.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	return s.store.FindByID(ctx, id)
}

// ProcessItem claims the item for processing, incrementing its attempt
// counter. Exactly one of two concurrent claimers succeeds.
func (s *Service) ProcessItem(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	return s.store.MarkProcessing(ctx, id)
}

// MarkSuccess finalises the item after the remote system accepted it.
func (s *Service) MarkSuccess(ctx context.Context, id uuid.UUID, externalRef *string) (*QueueItem, error) {
	item, err := s.store.MarkSuccess(ctx, id, externalRef)
	if err != nil {
		return nil, err
	}
	s.metrics.AddPosted(item.DocType)
	return item, nil
}

// MarkFailed records a delivery failure; the store decides RETRYING versus
// terminal FAILED from the attempt ceiling.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, message string) (*QueueItem, error) {
	item, err := s.store.MarkFailed(ctx, id, message)
	if err != nil {
		return nil, err
	}
	s.metrics.AddFailed(string(item.Status))
	return item, nil
}

// Retry is the operator-driven manual retry. SUCCESS items are never
// reopened; double-posting an accepted document is worse than re-keying a
// failed one.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	return s.store.Reset(ctx, id)
}

// PostDocument resolves the connection and dispatches the payload. Missing
// or non-connected connections are business failures in the result, not
// errors: a later reconnect may make a retry succeed.
func (s *Service) PostDocument(ctx context.Context, integrationID uuid.UUID, docType string, payload map[string]any) (Result, error) {
	conn, err := s.registry.FindConnectionByID(ctx, integrationID)
	if err != nil {
		if errors.Is(err, connections.ErrNotFound) {
			return Result{Success: false, Error: "Integration not found"}, nil
		}
		return Result{}, fmt.Errorf("resolve connection: %w", err)
	}
	if !conn.Connected() {
		return Result{Success: false, Error: "Integration not connected"}, nil
	}
	return s.dispatcher.Post(ctx, conn, docType, payload)
}

// ProcessQueueItem runs the full delivery protocol for one item: claim,
// post, record the outcome. Losing a concurrent claim is a quiet no-op; the
// winner owns the attempt. Re-running for an already-SUCCESS item never
// re-invokes the poster.
func (s *Service) ProcessQueueItem(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	item, err := s.ProcessItem(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return s.store.FindByID(ctx, id)
		}
		return nil, err
	}

	result, err := s.PostDocument(ctx, item.IntegrationID, item.DocType, item.Payload)
	if err != nil {
		s.logger.Error("post document",
			slog.String("item_id", id.String()),
			slog.Any("error", err))
		return s.MarkFailed(ctx, id, err.Error())
	}
	if !result.Success {
		return s.MarkFailed(ctx, id, result.Error)
	}
	return s.MarkSuccess(ctx, id, result.ExternalRef)
}

// ProcessDue drains claimable items for one integration. One document's
// failure never aborts the rest of the batch.
func (s *Service) ProcessDue(ctx context.Context, integrationID uuid.UUID, limit int) (int, error) {
	due, err := s.store.FindDue(ctx, integrationID, limit)
	if err != nil {
		return 0, fmt.Errorf("find due postings: %w", err)
	}
	processed := 0
	for _, item := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		updated, err := s.ProcessQueueItem(ctx, item.ID)
		if err != nil {
			s.logger.Warn("process due item",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
			continue
		}
		if updated != nil && updated.Status == StatusSuccess {
			processed++
		}
	}
	return processed, nil
}
