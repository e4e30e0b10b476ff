package posting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store with the same transition semantics as the
// Postgres store. It backs unit tests and single-process deployments that
// do not need durability.
type MemStore struct {
	mu          sync.Mutex
	items       map[uuid.UUID]*QueueItem
	byKey       map[string]uuid.UUID
	backoffUnit time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore(cfg StoreConfig) *MemStore {
	unit := cfg.BackoffUnit
	if unit <= 0 {
		unit = 5 * time.Minute
	}
	max := cfg.MaxAttempts
	if max <= 0 {
		max = 5
	}
	return &MemStore{
		items:       make(map[uuid.UUID]*QueueItem),
		byKey:       make(map[string]uuid.UUID),
		backoffUnit: unit,
		maxAttempts: max,
		now:         time.Now,
	}
}

// SetClock overrides the store clock, for tests exercising retry schedules.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func scopeKey(tenantID string, integrationID uuid.UUID, idempotencyKey string) string {
	return tenantID + "|" + integrationID.String() + "|" + idempotencyKey
}

func (s *MemStore) Insert(_ context.Context, item QueueItem) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey(item.TenantID, item.IntegrationID, item.IdempotencyKey)
	if existingID, ok := s.byKey[key]; ok {
		existing := s.items[existingID]
		existing.UpdatedAt = s.now()
		return copyItem(existing), nil
	}

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = s.maxAttempts
	}
	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now

	stored := copyItem(&item)
	s.items[item.ID] = stored
	s.byKey[key] = item.ID
	return copyItem(stored), nil
}

func (s *MemStore) FindByID(_ context.Context, id uuid.UUID) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyItem(item), nil
}

func (s *MemStore) FindDue(_ context.Context, integrationID uuid.UUID, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 25
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []QueueItem
	for _, item := range s.items {
		if item.IntegrationID != integrationID {
			continue
		}
		if item.Status != StatusPending && item.Status != StatusRetrying {
			continue
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}
		due = append(due, *copyItem(item))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemStore) FindByTenant(_ context.Context, tenantID string, status *Status, limit, offset int) ([]QueueItem, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []QueueItem
	for _, item := range s.items {
		if item.TenantID != tenantID {
			continue
		}
		if status != nil && item.Status != *status {
			continue
		}
		matched = append(matched, *copyItem(item))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *MemStore) MarkProcessing(_ context.Context, id uuid.UUID) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if item.Status != StatusPending && item.Status != StatusRetrying {
		return nil, ErrAlreadyClaimed
	}
	item.Status = StatusProcessing
	item.Attempts++
	item.UpdatedAt = s.now()
	return copyItem(item), nil
}

func (s *MemStore) MarkSuccess(_ context.Context, id uuid.UUID, externalRef *string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if item.Status == StatusSuccess {
		return copyItem(item), nil
	}
	now := s.now()
	item.Status = StatusSuccess
	if externalRef != nil {
		ref := *externalRef
		item.ExternalRef = &ref
	}
	item.ProcessedAt = &now
	item.NextRetryAt = nil
	item.UpdatedAt = now
	return copyItem(item), nil
}

func (s *MemStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if item.Status == StatusSuccess {
		return nil, ErrInvalidState
	}
	now := s.now()
	item.LastError = &errMsg
	if item.Attempts >= item.MaxAttempts {
		item.Status = StatusFailed
		item.NextRetryAt = nil
	} else {
		item.Status = StatusRetrying
		next := now.Add(time.Duration(item.Attempts) * s.backoffUnit)
		item.NextRetryAt = &next
	}
	item.UpdatedAt = now
	return copyItem(item), nil
}

func (s *MemStore) Reset(_ context.Context, id uuid.UUID) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if item.Status != StatusRetrying && item.Status != StatusFailed {
		return nil, ErrInvalidState
	}
	item.Status = StatusPending
	item.NextRetryAt = nil
	item.UpdatedAt = s.now()
	return copyItem(item), nil
}

func copyItem(item *QueueItem) *QueueItem {
	dup := *item
	if item.Payload != nil {
		dup.Payload = make(map[string]any, len(item.Payload))
		for k, v := range item.Payload {
			dup.Payload[k] = v
		}
	}
	if item.LastError != nil {
		v := *item.LastError
		dup.LastError = &v
	}
	if item.ExternalRef != nil {
		v := *item.ExternalRef
		dup.ExternalRef = &v
	}
	if item.NextRetryAt != nil {
		v := *item.NextRetryAt
		dup.NextRetryAt = &v
	}
	if item.ProcessedAt != nil {
		v := *item.ProcessedAt
		dup.ProcessedAt = &v
	}
	return &dup
}

var _ Store = (*MemStore)(nil)
