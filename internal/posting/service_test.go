package posting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-dms/meridian/internal/connections"
)

type fakeRegistry struct {
	conns map[uuid.UUID]*connections.Connection
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{conns: make(map[uuid.UUID]*connections.Connection)}
}

func (f *fakeRegistry) add(status connections.Status) uuid.UUID {
	id := uuid.New()
	f.conns[id] = &connections.Connection{
		ID:       id,
		TenantID: "acme",
		Type:     connections.TypeNimbusBooks,
		Status:   status,
	}
	return id
}

func (f *fakeRegistry) FindConnectionByID(_ context.Context, id uuid.UUID) (*connections.Connection, error) {
	conn, ok := f.conns[id]
	if !ok {
		return nil, connections.ErrNotFound
	}
	return conn, nil
}

// recordingPoster counts invocations and returns a scripted result.
type recordingPoster struct {
	mu      sync.Mutex
	calls   int
	result  Result
	lastDoc string
}

func (p *recordingPoster) Post(_ context.Context, _ *connections.Connection, docType string, _ map[string]any) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastDoc = docType
	return p.result, nil
}

func (p *recordingPoster) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestService(t *testing.T, maxAttempts int, poster Poster) (*Service, *MemStore, *fakeRegistry) {
	t.Helper()
	store := NewMemStore(StoreConfig{BackoffUnit: 5 * time.Minute, MaxAttempts: maxAttempts})
	registry := newFakeRegistry()
	dispatcher := NewDispatcher()
	if poster != nil {
		dispatcher.Register(connections.TypeNimbusBooks, poster)
	}
	return NewService(store, registry, dispatcher, nil, nil), store, registry
}

func TestEnqueueIdempotent(t *testing.T) {
	svc, _, registry := newTestService(t, 5, nil)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	first, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", map[string]any{"total": 10})
	require.NoError(t, err)
	require.Equal(t, StatusPending, first.Status)
	require.Equal(t, "INVOICE:inv-1", first.IdempotencyKey)

	second, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", map[string]any{"total": 10})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	page, err := svc.ListQueue(ctx, "acme", nil, 1, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestEnqueueScopedByIntegration(t *testing.T) {
	svc, _, registry := newTestService(t, 5, nil)
	ctx := context.Background()
	a := registry.add(connections.StatusConnected)
	b := registry.add(connections.StatusConnected)

	itemA, err := svc.Enqueue(ctx, "acme", a, "INVOICE", "inv-1", nil)
	require.NoError(t, err)
	itemB, err := svc.Enqueue(ctx, "acme", b, "INVOICE", "inv-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, itemA.ID, itemB.ID)
}

func TestEnqueueValidation(t *testing.T) {
	svc, _, registry := newTestService(t, 5, nil)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	_, err := svc.Enqueue(ctx, "", integrationID, "INVOICE", "inv-1", nil)
	assert.Error(t, err)
	_, err = svc.Enqueue(ctx, "acme", uuid.Nil, "INVOICE", "inv-1", nil)
	assert.Error(t, err)
	_, err = svc.Enqueue(ctx, "acme", integrationID, "", "inv-1", nil)
	assert.Error(t, err)
	_, err = svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "", nil)
	assert.Error(t, err)
}

func TestProcessQueueItemSuccess(t *testing.T) {
	ref := "NB-1234"
	poster := &recordingPoster{result: Result{Success: true, ExternalRef: &ref}}
	svc, _, registry := newTestService(t, 5, poster)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	item, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", map[string]any{"total": 10})
	require.NoError(t, err)

	updated, err := svc.ProcessQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, updated.Status)
	assert.Equal(t, 1, updated.Attempts)
	require.NotNil(t, updated.ExternalRef)
	assert.Equal(t, ref, *updated.ExternalRef)
	require.NotNil(t, updated.ProcessedAt)
	assert.Nil(t, updated.NextRetryAt)
	assert.Equal(t, 1, poster.callCount())
}

func TestProcessQueueItemFailureSchedulesRetry(t *testing.T) {
	poster := &recordingPoster{result: Result{Success: false, Error: "remote rejected"}}
	svc, store, registry := newTestService(t, 5, poster)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	item, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", nil)
	require.NoError(t, err)

	updated, err := svc.ProcessQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, updated.Status)
	assert.Equal(t, 1, updated.Attempts)
	require.NotNil(t, updated.LastError)
	assert.Equal(t, "remote rejected", *updated.LastError)
	require.NotNil(t, updated.NextRetryAt)
	assert.Equal(t, base.Add(5*time.Minute), *updated.NextRetryAt)
}

func TestBackoffGrowsLinearly(t *testing.T) {
	poster := &recordingPoster{result: Result{Success: false, Error: "still down"}}
	svc, store, registry := newTestService(t, 5, poster)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	item, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", nil)
	require.NoError(t, err)

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		updated, err := svc.ProcessQueueItem(ctx, item.ID)
		require.NoError(t, err)
		require.Equal(t, StatusRetrying, updated.Status)
		require.NotNil(t, updated.NextRetryAt)
		delays = append(delays, updated.NextRetryAt.Sub(now))
		now = *updated.NextRetryAt
		store.SetClock(func() time.Time { return now })
	}

	assert.Equal(t, []time.Duration{5 * time.Minute, 10 * time.Minute, 15 * time.Minute}, delays)
}

func TestExhaustedAttemptsGoTerminal(t *testing.T) {
	poster := &recordingPoster{result: Result{Success: false, Error: "remote down"}}
	svc, store, registry := newTestService(t, 3, poster)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	item, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", nil)
	require.NoError(t, err)

	var last *QueueItem
	for attempt := 1; attempt <= 3; attempt++ {
		last, err = svc.ProcessQueueItem(ctx, item.ID)
		require.NoError(t, err)
		if last.NextRetryAt != nil {
			now = *last.NextRetryAt
			store.SetClock(func() time.Time { return now })
		}
	}

	assert.Equal(t, StatusFailed, last.Status)
	assert.Equal(t, 3, last.Attempts)
	assert.Nil(t, last.NextRetryAt)
	assert.Equal(t, 3, poster.callCount())

	// Terminal failure keeps the item out of the due scan.
	due, err := store.FindDue(ctx, integrationID, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRetryNotDueBeforeBackoffElapses(t *testing.T) {
	poster := &recordingPoster{result: Result{Success: false, Error: "remote down"}}
	svc, store, registry := newTestService(t, 5, poster)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	item, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", nil)
	require.NoError(t, err)
	_, err = svc.ProcessQueueItem(ctx, item.ID)
	require.NoError(t, err)

	store.SetClock(func() time.Time { return base.Add(time.Minute) })
	due, err := store.FindDue(ctx, integrationID, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	store.SetClock(func() time.Time { return base.Add(5 * time.Minute) })
	due, err = store.FindDue(ctx, integrationID, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestSuccessIsTerminal(t *testing.T) {
	poster := &recordingPoster{result: Result{Success: true}}
	svc, store, registry := newTestService(t, 5, poster)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	item, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", nil)
	require.NoError(t, err)
	done, err := svc.ProcessQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, done.Status)

	// Re-running never re-invokes the poster.
	again, err := svc.ProcessQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, again.Status)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, 1, poster.callCount())

	// Neither manual retry nor failure can reopen it.
	_, err = svc.Retry(ctx, item.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = svc.MarkFailed(ctx, item.ID, "late failure report")
	assert.ErrorIs(t, err, ErrInvalidState)

	final, err := store.FindByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, final.Status)
}

func TestRetryResetsFailedItem(t *testing.T) {
	poster := &recordingPoster{result: Result{Success: false, Error: "down"}}
	svc, store, registry := newTestService(t, 1, poster)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	item, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", nil)
	require.NoError(t, err)
	failed, err := svc.ProcessQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)

	reset, err := svc.Retry(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reset.Status)
	assert.Nil(t, reset.NextRetryAt)
	// Attempt history survives the reset.
	assert.Equal(t, 1, reset.Attempts)

	stored, err := store.FindByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestRetryRejectsPending(t *testing.T) {
	svc, _, registry := newTestService(t, 5, nil)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	item, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", nil)
	require.NoError(t, err)

	_, err = svc.Retry(ctx, item.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPostDocumentUnknownIntegration(t *testing.T) {
	poster := &recordingPoster{result: Result{Success: true}}
	svc, _, _ := newTestService(t, 5, poster)

	result, err := svc.PostDocument(context.Background(), uuid.New(), "INVOICE", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Integration not found", result.Error)
	assert.Zero(t, poster.callCount())
}

func TestPostDocumentDisconnectedIntegration(t *testing.T) {
	poster := &recordingPoster{result: Result{Success: true}}
	svc, _, registry := newTestService(t, 5, poster)
	integrationID := registry.add(connections.StatusDisconnected)

	result, err := svc.PostDocument(context.Background(), integrationID, "INVOICE", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Integration not connected", result.Error)
	assert.Zero(t, poster.callCount())
}

func TestDisconnectedIntegrationConsumesAttempt(t *testing.T) {
	poster := &recordingPoster{result: Result{Success: true}}
	svc, _, registry := newTestService(t, 5, poster)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusDisconnected)

	item, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", nil)
	require.NoError(t, err)

	updated, err := svc.ProcessQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, updated.Status)
	require.NotNil(t, updated.LastError)
	assert.Equal(t, "Integration not connected", *updated.LastError)
	assert.Zero(t, poster.callCount())
}

func TestProcessDueCountsOnlySuccesses(t *testing.T) {
	poster := &recordingPoster{result: Result{Success: true}}
	svc, store, registry := newTestService(t, 5, poster)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := base
	store.SetClock(func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	})

	for i := 0; i < 3; i++ {
		_, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", uuid.NewString(), nil)
		require.NoError(t, err)
	}

	processed, err := svc.ProcessDue(ctx, integrationID, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 3, poster.callCount())

	// Nothing left due afterwards.
	processed, err = svc.ProcessDue(ctx, integrationID, 10)
	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestListQueueFiltersByStatus(t *testing.T) {
	poster := &recordingPoster{result: Result{Success: true}}
	svc, store, registry := newTestService(t, 5, poster)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := base
	store.SetClock(func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	})

	done, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", nil)
	require.NoError(t, err)
	_, err = svc.ProcessQueueItem(ctx, done.ID)
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-2", nil)
	require.NoError(t, err)

	pending := StatusPending
	page, err := svc.ListQueue(ctx, "acme", &pending, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "inv-2", page.Items[0].DocID)
	assert.Equal(t, 1, page.Pagination.Total)

	page, err = svc.ListQueue(ctx, "acme", nil, 1, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestGetUnknownItem(t *testing.T) {
	svc, _, _ := newTestService(t, 5, nil)
	_, err := svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatcherFailureFollowsRetryPolicy(t *testing.T) {
	// No poster registered for the connection type at all.
	svc, _, registry := newTestService(t, 5, nil)
	ctx := context.Background()
	integrationID := registry.add(connections.StatusConnected)

	item, err := svc.Enqueue(ctx, "acme", integrationID, "INVOICE", "inv-1", nil)
	require.NoError(t, err)

	updated, err := svc.ProcessQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, updated.Status)
	require.NotNil(t, updated.LastError)
	assert.Contains(t, *updated.LastError, "no poster registered")
}

func TestPostDocumentRegistryErrorPropagates(t *testing.T) {
	store := NewMemStore(StoreConfig{})
	registry := &erroringRegistry{err: errors.New("registry down")}
	svc := NewService(store, registry, NewDispatcher(), nil, nil)

	_, err := svc.PostDocument(context.Background(), uuid.New(), "INVOICE", nil)
	assert.Error(t, err)
}

type erroringRegistry struct {
	err error
}

func (e *erroringRegistry) FindConnectionByID(context.Context, uuid.UUID) (*connections.Connection, error) {
	return nil, e.err
}
