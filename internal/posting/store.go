package posting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the durable record of queued posting requests. It owns the
// idempotency invariant and the atomicity of every state transition.
type Store interface {
	// Insert is an atomic insert-or-fetch keyed on
	// (tenant_id, integration_id, idempotency_key). When the row already
	// exists it refreshes updated_at and returns the existing row.
	Insert(ctx context.Context, item QueueItem) (*QueueItem, error)
	FindByID(ctx context.Context, id uuid.UUID) (*QueueItem, error)
	// FindDue returns claimable rows for one integration, oldest first.
	FindDue(ctx context.Context, integrationID uuid.UUID, limit int) ([]QueueItem, error)
	FindByTenant(ctx context.Context, tenantID string, status *Status, limit, offset int) ([]QueueItem, int, error)
	// MarkProcessing claims the row: a single conditional update that moves
	// PENDING/RETRYING to PROCESSING and increments attempts. A concurrent
	// loser receives ErrAlreadyClaimed.
	MarkProcessing(ctx context.Context, id uuid.UUID) (*QueueItem, error)
	MarkSuccess(ctx context.Context, id uuid.UUID, externalRef *string) (*QueueItem, error)
	// MarkFailed records the error and schedules a linear-backoff retry, or
	// finalises the row as FAILED once attempts reach the ceiling.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (*QueueItem, error)
	// Reset reopens a RETRYING or FAILED row for an operator-driven retry,
	// preserving attempts and last_error as history.
	Reset(ctx context.Context, id uuid.UUID) (*QueueItem, error)
}

// StoreConfig carries the retry policy applied to new rows.
type StoreConfig struct {
	BackoffUnit time.Duration
	MaxAttempts int
}

type pgStore struct {
	pool        *pgxpool.Pool
	backoffSecs float64
	maxAttempts int
}

// NewStore constructs the Postgres-backed queue store.
func NewStore(pool *pgxpool.Pool, cfg StoreConfig) Store {
	unit := cfg.BackoffUnit
	if unit <= 0 {
		unit = 5 * time.Minute
	}
	max := cfg.MaxAttempts
	if max <= 0 {
		max = 5
	}
	return &pgStore{pool: pool, backoffSecs: unit.Seconds(), maxAttempts: max}
}

const queueColumns = `id, tenant_id, integration_id, doc_type, doc_id, idempotency_key,
	payload, status, attempts, max_attempts, last_error, external_ref,
	next_retry_at, processed_at, created_at, updated_at`

func (s *pgStore) Insert(ctx context.Context, item QueueItem) (*QueueItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = s.maxAttempts
	}
	payloadJSON, err := marshalPayload(item.Payload)
	if err != nil {
		return nil, err
	}
	// ON CONFLICT DO UPDATE lets RETURNING yield the existing row, so a
	// duplicate enqueue is a single round trip with no read-then-write race.
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO posting_queue_items
			(id, tenant_id, integration_id, doc_type, doc_id, idempotency_key,
			 payload, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, now(), now())
		ON CONFLICT (tenant_id, integration_id, idempotency_key)
		DO UPDATE SET updated_at = now()
		RETURNING %s`, queueColumns),
		item.ID, item.TenantID, item.IntegrationID, item.DocType, item.DocID,
		item.IdempotencyKey, payloadJSON, item.Status, item.MaxAttempts)
	return scanItem(row)
}

func (s *pgStore) FindByID(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM posting_queue_items WHERE id = $1`, queueColumns), id)
	return scanItem(row)
}

func (s *pgStore) FindDue(ctx context.Context, integrationID uuid.UUID, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM posting_queue_items
		WHERE integration_id = $1
		  AND status IN ('PENDING', 'RETRYING')
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY created_at
		LIMIT $2`, queueColumns),
		integrationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *pgStore) FindByTenant(ctx context.Context, tenantID string, status *Status, limit, offset int) ([]QueueItem, int, error) {
	where := "WHERE tenant_id = $1"
	args := []any{tenantID}
	if status != nil {
		where += " AND status = $2"
		args = append(args, *status)
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM posting_queue_items "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	argPos := len(args) + 1
	query := fmt.Sprintf(`SELECT %s FROM posting_queue_items %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		queueColumns, where, argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectItems(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *pgStore) MarkProcessing(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE posting_queue_items
		SET status = 'PROCESSING', attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'RETRYING')
		RETURNING %s`, queueColumns), id)
	item, err := scanItem(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return nil, s.classifyMiss(ctx, id, ErrAlreadyClaimed)
}

func (s *pgStore) MarkSuccess(ctx context.Context, id uuid.UUID, externalRef *string) (*QueueItem, error) {
	var ref pgtype.Text
	if externalRef != nil {
		ref = pgtype.Text{String: *externalRef, Valid: true}
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE posting_queue_items
		SET status = 'SUCCESS', external_ref = $2, processed_at = now(),
		    next_retry_at = NULL, updated_at = now()
		WHERE id = $1 AND status <> 'SUCCESS'
		RETURNING %s`, queueColumns), id, ref)
	item, err := scanItem(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	// Already SUCCESS: marking again is idempotent.
	existing, findErr := s.FindByID(ctx, id)
	if findErr != nil {
		return nil, findErr
	}
	return existing, nil
}

func (s *pgStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (*QueueItem, error) {
	// Backoff grows linearly with the attempt count; low-volume finance
	// postings do not need exponential spread.
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE posting_queue_items
		SET last_error = $2,
		    status = CASE WHEN attempts >= max_attempts THEN 'FAILED' ELSE 'RETRYING' END,
		    next_retry_at = CASE WHEN attempts >= max_attempts THEN NULL
		                         ELSE now() + make_interval(secs => $3 * attempts) END,
		    updated_at = now()
		WHERE id = $1 AND status <> 'SUCCESS'
		RETURNING %s`, queueColumns),
		id, errMsg, s.backoffSecs)
	item, err := scanItem(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return nil, s.classifyMiss(ctx, id, ErrInvalidState)
}

func (s *pgStore) Reset(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE posting_queue_items
		SET status = 'PENDING', next_retry_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('RETRYING', 'FAILED')
		RETURNING %s`, queueColumns), id)
	item, err := scanItem(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return nil, s.classifyMiss(ctx, id, ErrInvalidState)
}

// classifyMiss distinguishes "row absent" from "row in a state the
// conditional update excluded".
func (s *pgStore) classifyMiss(ctx context.Context, id uuid.UUID, stateErr error) error {
	if _, err := s.FindByID(ctx, id); err != nil {
		return err
	}
	return stateErr
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal posting payload: %w", err)
	}
	return data, nil
}

func scanItem(row pgx.Row) (*QueueItem, error) {
	var (
		item        QueueItem
		payloadJSON []byte
		lastError   pgtype.Text
		externalRef pgtype.Text
		nextRetryAt pgtype.Timestamptz
		processedAt pgtype.Timestamptz
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)
	err := row.Scan(
		&item.ID, &item.TenantID, &item.IntegrationID, &item.DocType, &item.DocID,
		&item.IdempotencyKey, &payloadJSON, &item.Status, &item.Attempts,
		&item.MaxAttempts, &lastError, &externalRef, &nextRetryAt, &processedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal posting payload: %w", err)
		}
	}
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	if externalRef.Valid {
		item.ExternalRef = &externalRef.String
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		item.NextRetryAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		item.ProcessedAt = &t
	}
	if createdAt.Valid {
		item.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		item.UpdatedAt = updatedAt.Time
	}
	return &item, nil
}

func collectItems(rows pgx.Rows) ([]QueueItem, error) {
	var items []QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}
