package posting

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the queue item lifecycle state. SUCCESS and FAILED are terminal;
// FAILED can be reopened by an operator, SUCCESS never is.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusRetrying   Status = "RETRYING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further automatic transition occurs.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

var (
	ErrNotFound = errors.New("queue item not found")
	// ErrAlreadyClaimed is returned when a concurrent caller won the claim.
	// It is absorbed by the processing path, never surfaced to API callers.
	ErrAlreadyClaimed = errors.New("queue item already claimed")
	ErrInvalidState   = errors.New("queue item state does not allow this transition")
)

// QueueItem is one pending delivery of a finance document to one external
// integration. At most one non-terminal row may exist per
// (tenant, integration, idempotency key).
type QueueItem struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	IntegrationID  uuid.UUID      `json:"integration_id" db:"integration_id"`
	DocType        string         `json:"doc_type" db:"doc_type"`
	DocID          string         `json:"doc_id" db:"doc_id"`
	IdempotencyKey string         `json:"idempotency_key" db:"idempotency_key"`
	Payload        map[string]any `json:"payload" db:"payload"`
	Status         Status         `json:"status" db:"status"`
	Attempts       int            `json:"attempts" db:"attempts"`
	MaxAttempts    int            `json:"max_attempts" db:"max_attempts"`
	LastError      *string        `json:"last_error,omitempty" db:"last_error"`
	ExternalRef    *string        `json:"external_ref,omitempty" db:"external_ref"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty" db:"next_retry_at"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// IdempotencyKey derives the dedup key for a source document. The key is
// deterministic so re-enqueuing the same document collapses onto one row.
func IdempotencyKey(docType, docID string) string {
	return docType + ":" + docID
}
