package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meridian-dms/meridian/internal/connections"
	"github.com/meridian-dms/meridian/internal/invoicing"
	"github.com/meridian-dms/meridian/internal/posting"
)

// Queue exposes the enqueue operation required by integrations.
type Queue interface {
	Enqueue(ctx context.Context, tenantID string, integrationID uuid.UUID, docType, docID string, payload map[string]any) (*posting.QueueItem, error)
}

// ConnectionSource lists the connections eligible for posting.
type ConnectionSource interface {
	ListConnected(ctx context.Context, tenantID string) ([]connections.Connection, error)
}

// Hooks wires domain events from the billing modules into the outbound
// posting queue.
type Hooks struct {
	queue  Queue
	conns  ConnectionSource
	logger *slog.Logger
}

// NewHooks constructs integration hooks.
func NewHooks(queue Queue, conns ConnectionSource, logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{queue: queue, conns: conns, logger: logger}
}

// HandleInvoiceFinalized enqueues the finalised document for every
// connected accounting integration of the tenant. The document id is
// stable, so repeated events collapse onto the same queue rows.
func (h *Hooks) HandleInvoiceFinalized(ctx context.Context, evt invoicing.InvoiceFinalizedEvent) error {
	if h == nil || h.queue == nil || h.conns == nil {
		return nil
	}
	if evt.ID == uuid.Nil {
		return errors.New("integration: invoice id required")
	}
	if evt.TenantID == "" {
		return errors.New("integration: tenant id required")
	}

	targets, err := h.conns.ListConnected(ctx, evt.TenantID)
	if err != nil {
		return fmt.Errorf("integration: list connections: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}

	docType := "INVOICE"
	if evt.Kind == invoicing.KindCreditNote {
		docType = "CREDIT_NOTE"
	}
	payload := map[string]any{
		"number":        evt.Number,
		"customer_name": evt.CustomerName,
		"currency":      evt.Currency,
		"total_amount":  evt.TotalAmount,
		"issued_at":     evt.IssuedAt,
	}

	var firstErr error
	for _, conn := range targets {
		if _, err := h.queue.Enqueue(ctx, evt.TenantID, conn.ID, docType, evt.ID.String(), payload); err != nil {
			h.logger.Error("enqueue finalised document",
				slog.String("integration_id", conn.ID.String()),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var _ invoicing.IntegrationHandler = (*Hooks)(nil)
