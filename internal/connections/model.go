package connections

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the external accounting systems Meridian can post to.
type Type string

const (
	TypeNimbusBooks Type = "NIMBUS_BOOKS"
	TypeLedgerHub   Type = "LEDGER_HUB"
)

// KnownTypes lists every integration type the registry accepts.
var KnownTypes = []Type{TypeNimbusBooks, TypeLedgerHub}

// Valid reports whether the type is one the registry accepts. The poster
// dispatcher performs its own check so stored rows with retired types still
// surface as ordinary failures.
func (t Type) Valid() bool {
	for _, known := range KnownTypes {
		if t == known {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusError        Status = "ERROR"
)

// Connection is a tenant's link to one external accounting system.
type Connection struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	TenantID  string         `json:"tenant_id" db:"tenant_id"`
	Type      Type           `json:"type" db:"type"`
	Status    Status         `json:"status" db:"status"`
	Config    map[string]any `json:"config" db:"config"`
	LastError *string        `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// Connected reports whether the connection is eligible for posting.
func (c *Connection) Connected() bool {
	return c != nil && c.Status == StatusConnected
}
