package invoicing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft InvoiceStatus = "DRAFT"
	InvoiceStatusFinal InvoiceStatus = "FINAL"
	InvoiceStatusVoid  InvoiceStatus = "VOID"
)

// Kind distinguishes the finance document types an invoice row can carry.
type Kind string

const (
	KindInvoice    Kind = "INVOICE"
	KindCreditNote Kind = "CREDIT_NOTE"
)

// Invoice is a customer billing document. Finalising one hands it to the
// outbound posting queue for every connected accounting integration.
type Invoice struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	TenantID     string        `json:"tenant_id" db:"tenant_id"`
	Number       string        `json:"number" db:"number"`
	Kind         Kind          `json:"kind" db:"kind"`
	CustomerName string        `json:"customer_name" db:"customer_name"`
	Currency     string        `json:"currency" db:"currency"`
	TotalAmount  float64       `json:"total_amount" db:"total_amount"`
	Status       InvoiceStatus `json:"status" db:"status"`
	IssuedAt     *time.Time    `json:"issued_at,omitempty" db:"issued_at"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// InvoiceFinalizedEvent is emitted when an invoice leaves DRAFT. The
// integration layer turns it into posting enqueues.
type InvoiceFinalizedEvent struct {
	ID           uuid.UUID
	TenantID     string
	Number       string
	Kind         Kind
	CustomerName string
	Currency     string
	TotalAmount  float64
	IssuedAt     time.Time
}

// IntegrationHandler receives domain events from this module.
type IntegrationHandler interface {
	HandleInvoiceFinalized(ctx context.Context, evt InvoiceFinalizedEvent) error
}
