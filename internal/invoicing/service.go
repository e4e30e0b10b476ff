package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidStatus = errors.New("invalid invoice status transition")

type Service struct {
	repo        Repository
	integration IntegrationHandler
	logger      *slog.Logger
}

// NewService constructs the invoicing service. The integration handler is
// optional; without it finalised invoices are simply not forwarded.
func NewService(repo Repository, integration IntegrationHandler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, integration: integration, logger: logger}
}

type CreateInvoiceRequest struct {
	Kind         Kind    `json:"kind"`
	CustomerName string  `json:"customer_name" validate:"required"`
	Currency     string  `json:"currency" validate:"required,len=3"`
	TotalAmount  float64 `json:"total_amount" validate:"gt=0"`
}

func (s *Service) Create(ctx context.Context, tenantID string, req CreateInvoiceRequest) (*Invoice, error) {
	kind := req.Kind
	if kind == "" {
		kind = KindInvoice
	}
	if kind != KindInvoice && kind != KindCreditNote {
		return nil, fmt.Errorf("unsupported invoice kind %q", kind)
	}
	return s.repo.Create(ctx, Invoice{
		TenantID:     tenantID,
		Kind:         kind,
		CustomerName: req.CustomerName,
		Currency:     req.Currency,
		TotalAmount:  req.TotalAmount,
		Status:       InvoiceStatusDraft,
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, tenantID string, limit, offset int) ([]Invoice, int, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.List(ctx, tenantID, limit, offset)
}

// Finalize moves a DRAFT invoice to FINAL and hands it to the accounting
// integrations. Enqueue failures are logged, not fatal: the operator can
// re-enqueue from the queue API, and the enqueue itself is idempotent.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status != InvoiceStatusDraft {
		return nil, fmt.Errorf("%w: only DRAFT invoices can be finalised", ErrInvalidStatus)
	}

	inv, err := s.repo.SetStatus(ctx, id, InvoiceStatusFinal)
	if err != nil {
		return nil, fmt.Errorf("finalise invoice: %w", err)
	}

	if s.integration != nil {
		issuedAt := time.Now()
		if inv.IssuedAt != nil {
			issuedAt = *inv.IssuedAt
		}
		evt := InvoiceFinalizedEvent{
			ID:           inv.ID,
			TenantID:     inv.TenantID,
			Number:       inv.Number,
			Kind:         inv.Kind,
			CustomerName: inv.CustomerName,
			Currency:     inv.Currency,
			TotalAmount:  inv.TotalAmount,
			IssuedAt:     issuedAt,
		}
		if err := s.integration.HandleInvoiceFinalized(ctx, evt); err != nil {
			s.logger.Error("forward finalised invoice",
				slog.String("invoice_id", inv.ID.String()),
				slog.Any("error", err))
		}
	}
	return inv, nil
}

// Void cancels a DRAFT invoice. FINAL invoices are immutable here; the
// correcting document is a credit note.
func (s *Service) Void(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status != InvoiceStatusDraft {
		return nil, fmt.Errorf("%w: only DRAFT invoices can be voided", ErrInvalidStatus)
	}
	return s.repo.SetStatus(ctx, id, InvoiceStatusVoid)
}
