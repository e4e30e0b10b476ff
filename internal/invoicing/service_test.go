package invoicing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	invoices map[uuid.UUID]*Invoice
	counters map[string]int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		invoices: make(map[uuid.UUID]*Invoice),
		counters: make(map[string]int),
	}
}

func (m *mockRepo) Get(_ context.Context, id uuid.UUID) (*Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *inv
	return &dup, nil
}

func (m *mockRepo) List(_ context.Context, tenantID string, limit, offset int) ([]Invoice, int, error) {
	var out []Invoice
	for _, inv := range m.invoices {
		if inv.TenantID == tenantID {
			out = append(out, *inv)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) Create(_ context.Context, inv Invoice) (*Invoice, error) {
	inv.ID = uuid.New()
	if inv.Number == "" {
		key := inv.TenantID + "|" + string(inv.Kind)
		m.counters[key]++
		prefix := "INV"
		if inv.Kind == KindCreditNote {
			prefix = "CRN"
		}
		inv.Number = fmt.Sprintf("%s-%04d", prefix, m.counters[key])
	}
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	m.invoices[inv.ID] = &inv
	dup := inv
	return &dup, nil
}

func (m *mockRepo) SetStatus(_ context.Context, id uuid.UUID, status InvoiceStatus) (*Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	inv.Status = status
	if status == InvoiceStatusFinal && inv.IssuedAt == nil {
		now := time.Now()
		inv.IssuedAt = &now
	}
	inv.UpdatedAt = time.Now()
	dup := *inv
	return &dup, nil
}

type recordingIntegration struct {
	events []InvoiceFinalizedEvent
	err    error
}

func (r *recordingIntegration) HandleInvoiceFinalized(_ context.Context, evt InvoiceFinalizedEvent) error {
	r.events = append(r.events, evt)
	return r.err
}

func TestCreateAllocatesSequentialNumbers(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	first, err := svc.Create(ctx, "acme", CreateInvoiceRequest{CustomerName: "Initech", Currency: "USD", TotalAmount: 100})
	require.NoError(t, err)
	assert.Equal(t, "INV-0001", first.Number)
	assert.Equal(t, InvoiceStatusDraft, first.Status)
	assert.Equal(t, KindInvoice, first.Kind)

	second, err := svc.Create(ctx, "acme", CreateInvoiceRequest{Kind: KindCreditNote, CustomerName: "Initech", Currency: "USD", TotalAmount: 50})
	require.NoError(t, err)
	assert.Equal(t, "CRN-0001", second.Number)
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	svc := NewService(newMockRepo(), nil, nil)
	_, err := svc.Create(context.Background(), "acme", CreateInvoiceRequest{Kind: Kind("RECEIPT"), CustomerName: "X", Currency: "USD", TotalAmount: 1})
	assert.Error(t, err)
}

func TestFinalizeFiresIntegrationEvent(t *testing.T) {
	repo := newMockRepo()
	integration := &recordingIntegration{}
	svc := NewService(repo, integration, nil)
	ctx := context.Background()

	inv, err := svc.Create(ctx, "acme", CreateInvoiceRequest{CustomerName: "Initech", Currency: "USD", TotalAmount: 100})
	require.NoError(t, err)

	final, err := svc.Finalize(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceStatusFinal, final.Status)

	require.Len(t, integration.events, 1)
	evt := integration.events[0]
	assert.Equal(t, inv.ID, evt.ID)
	assert.Equal(t, "acme", evt.TenantID)
	assert.Equal(t, inv.Number, evt.Number)
	assert.Equal(t, 100.0, evt.TotalAmount)
}

func TestFinalizeRejectsNonDraft(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	inv, err := svc.Create(ctx, "acme", CreateInvoiceRequest{CustomerName: "Initech", Currency: "USD", TotalAmount: 100})
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, inv.ID)
	require.NoError(t, err)

	_, err = svc.Finalize(ctx, inv.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestFinalizeSucceedsWhenIntegrationFails(t *testing.T) {
	repo := newMockRepo()
	integration := &recordingIntegration{err: errors.New("queue down")}
	svc := NewService(repo, integration, nil)
	ctx := context.Background()

	inv, err := svc.Create(ctx, "acme", CreateInvoiceRequest{CustomerName: "Initech", Currency: "USD", TotalAmount: 100})
	require.NoError(t, err)

	// The invoice still finalises; delivery is the queue's problem.
	final, err := svc.Finalize(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceStatusFinal, final.Status)
}

func TestVoidOnlyFromDraft(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	inv, err := svc.Create(ctx, "acme", CreateInvoiceRequest{CustomerName: "Initech", Currency: "USD", TotalAmount: 100})
	require.NoError(t, err)

	voided, err := svc.Void(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceStatusVoid, voided.Status)

	_, err = svc.Void(ctx, inv.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestGetUnknownInvoice(t *testing.T) {
	svc := NewService(newMockRepo(), nil, nil)
	_, err := svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
