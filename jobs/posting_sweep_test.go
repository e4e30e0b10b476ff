package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-dms/meridian/internal/connections"
)

type fakeSweepQueue struct {
	mu        sync.Mutex
	processed map[uuid.UUID]int
	fail      map[uuid.UUID]error
}

func newFakeSweepQueue() *fakeSweepQueue {
	return &fakeSweepQueue{
		processed: make(map[uuid.UUID]int),
		fail:      make(map[uuid.UUID]error),
	}
}

func (f *fakeSweepQueue) ProcessDue(_ context.Context, integrationID uuid.UUID, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[integrationID]; ok {
		return 0, err
	}
	f.processed[integrationID] += limit
	return 2, nil
}

type fakeSweepConns struct {
	all      []connections.Connection
	byTenant map[string][]connections.Connection
	err      error
}

func (f *fakeSweepConns) ListConnectedAll(context.Context) ([]connections.Connection, error) {
	return f.all, f.err
}

func (f *fakeSweepConns) ListConnected(_ context.Context, tenantID string) ([]connections.Connection, error) {
	return f.byTenant[tenantID], f.err
}

func conn(tenant string) connections.Connection {
	return connections.Connection{
		ID:       uuid.New(),
		TenantID: tenant,
		Type:     connections.TypeNimbusBooks,
		Status:   connections.StatusConnected,
	}
}

func TestSweepVisitsEveryIntegration(t *testing.T) {
	queue := newFakeSweepQueue()
	a, b, c := conn("acme"), conn("acme"), conn("globex")
	job := NewPostingSweepJob(PostingSweepConfig{
		Queue:       queue,
		Connections: &fakeSweepConns{all: []connections.Connection{a, b, c}},
		BatchSize:   10,
	})

	require.NoError(t, job.Sweep(context.Background(), ""))
	assert.Len(t, queue.processed, 3)
	assert.Equal(t, 10, queue.processed[a.ID])
}

func TestSweepScopedToTenant(t *testing.T) {
	queue := newFakeSweepQueue()
	acme := conn("acme")
	job := NewPostingSweepJob(PostingSweepConfig{
		Queue: queue,
		Connections: &fakeSweepConns{
			all:      []connections.Connection{acme, conn("globex")},
			byTenant: map[string][]connections.Connection{"acme": {acme}},
		},
	})

	require.NoError(t, job.Sweep(context.Background(), "acme"))
	assert.Len(t, queue.processed, 1)
	assert.Contains(t, queue.processed, acme.ID)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	queue := newFakeSweepQueue()
	broken, healthy := conn("acme"), conn("acme")
	queue.fail[broken.ID] = errors.New("postgres unavailable")
	job := NewPostingSweepJob(PostingSweepConfig{
		Queue:       queue,
		Connections: &fakeSweepConns{all: []connections.Connection{broken, healthy}},
		Concurrency: 1,
	})

	err := job.Sweep(context.Background(), "")
	assert.Error(t, err)
	assert.Contains(t, queue.processed, healthy.ID)
}

func TestSweepNoConnections(t *testing.T) {
	job := NewPostingSweepJob(PostingSweepConfig{
		Queue:       newFakeSweepQueue(),
		Connections: &fakeSweepConns{},
	})
	require.NoError(t, job.Sweep(context.Background(), ""))
}

func TestHandleDecodesPayload(t *testing.T) {
	queue := newFakeSweepQueue()
	acme := conn("acme")
	job := NewPostingSweepJob(PostingSweepConfig{
		Queue: queue,
		Connections: &fakeSweepConns{
			byTenant: map[string][]connections.Connection{"acme": {acme}},
		},
	})

	task, err := NewPostingSweepTask("acme")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Contains(t, queue.processed, acme.ID)
}

func TestHandleSkipsRetryOnBadPayload(t *testing.T) {
	job := NewPostingSweepJob(PostingSweepConfig{
		Queue:       newFakeSweepQueue(),
		Connections: &fakeSweepConns{},
	})
	err := job.Handle(context.Background(), asynq.NewTask(TaskPostingSweep, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPostingSweepTaskPayload(t *testing.T) {
	task, err := NewPostingSweepTask("acme")
	require.NoError(t, err)
	assert.Equal(t, TaskPostingSweep, task.Type())

	var payload PostingSweepPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "acme", payload.TenantID)
}
