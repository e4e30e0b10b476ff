package posting

import (
	"context"
	"fmt"

	"github.com/meridian-dms/meridian/internal/connections"
)

// Result is the normalised outcome of one delivery attempt. A false Success
// carries Error; a true one may carry the remote system's reference.
type Result struct {
	Success     bool    `json:"success"`
	ExternalRef *string `json:"external_ref,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Poster performs the actual remote call for one integration type.
type Poster interface {
	Post(ctx context.Context, conn *connections.Connection, docType string, payload map[string]any) (Result, error)
}

// PosterFunc adapts a function to the Poster interface.
type PosterFunc func(ctx context.Context, conn *connections.Connection, docType string, payload map[string]any) (Result, error)

func (f PosterFunc) Post(ctx context.Context, conn *connections.Connection, docType string, payload map[string]any) (Result, error) {
	return f(ctx, conn, docType, payload)
}

// Dispatcher routes a connection's integration type to its registered
// poster. It performs no network work itself.
type Dispatcher struct {
	posters map[connections.Type]Poster
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{posters: make(map[connections.Type]Poster)}
}

// Register installs the poster for one integration type, replacing any
// previous registration.
func (d *Dispatcher) Register(connType connections.Type, poster Poster) {
	if poster == nil {
		return
	}
	d.posters[connType] = poster
}

// Post dispatches by the connection's type. A missing registration is an
// ordinary delivery failure, subject to the same retry policy as a remote
// error, never a crash.
func (d *Dispatcher) Post(ctx context.Context, conn *connections.Connection, docType string, payload map[string]any) (Result, error) {
	poster, ok := d.posters[conn.Type]
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("no poster registered for integration type %q", conn.Type)}, nil
	}
	return poster.Post(ctx, conn, docType, payload)
}
