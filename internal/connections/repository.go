package connections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("connection not found")

// Repository persists integration connections.
type Repository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	ListByTenant(ctx context.Context, tenantID string) ([]Connection, error)
	ListConnectedByTenant(ctx context.Context, tenantID string) ([]Connection, error)
	ListConnectedAll(ctx context.Context) ([]Connection, error)
	Create(ctx context.Context, conn Connection) (*Connection, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, lastError *string) (*Connection, error)
	MergeConfig(ctx context.Context, id uuid.UUID, config map[string]any) (*Connection, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the Postgres-backed registry.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const connectionColumns = `id, tenant_id, type, status, config, last_error, created_at, updated_at`

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	row := r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM integration_connections WHERE id = $1`, connectionColumns), id)
	return scanConnection(row)
}

func (r *repository) ListByTenant(ctx context.Context, tenantID string) ([]Connection, error) {
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM integration_connections WHERE tenant_id = $1 ORDER BY created_at`, connectionColumns),
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (r *repository) ListConnectedByTenant(ctx context.Context, tenantID string) ([]Connection, error) {
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM integration_connections WHERE tenant_id = $1 AND status = $2 ORDER BY created_at`, connectionColumns),
		tenantID, StatusConnected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

// ListConnectedAll returns every CONNECTED connection across tenants, for
// the background sweep.
func (r *repository) ListConnectedAll(ctx context.Context) ([]Connection, error) {
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM integration_connections WHERE status = $1 ORDER BY tenant_id, created_at`, connectionColumns),
		StatusConnected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (r *repository) Create(ctx context.Context, conn Connection) (*Connection, error) {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.Status == "" {
		conn.Status = StatusDisconnected
	}
	configJSON, err := marshalConfig(conn.Config)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO integration_connections (id, tenant_id, type, status, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING %s`, connectionColumns),
		conn.ID, conn.TenantID, conn.Type, conn.Status, configJSON)
	return scanConnection(row)
}

func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, lastError *string) (*Connection, error) {
	var errText pgtype.Text
	if lastError != nil {
		errText = pgtype.Text{String: *lastError, Valid: true}
	}
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE integration_connections
		SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1
		RETURNING %s`, connectionColumns),
		id, status, errText)
	return scanConnection(row)
}

// MergeConfig overlays the supplied keys on the stored config. Reconnecting
// must not discard credentials the caller did not resend.
func (r *repository) MergeConfig(ctx context.Context, id uuid.UUID, config map[string]any) (*Connection, error) {
	configJSON, err := marshalConfig(config)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE integration_connections
		SET config = config || $2::jsonb, updated_at = now()
		WHERE id = $1
		RETURNING %s`, connectionColumns),
		id, configJSON)
	return scanConnection(row)
}

func marshalConfig(config map[string]any) ([]byte, error) {
	if config == nil {
		config = map[string]any{}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal connection config: %w", err)
	}
	return data, nil
}

func scanConnection(row pgx.Row) (*Connection, error) {
	var (
		c          Connection
		configJSON []byte
		lastError  pgtype.Text
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Type, &c.Status, &configJSON, &lastError, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &c.Config); err != nil {
			return nil, fmt.Errorf("unmarshal connection config: %w", err)
		}
	}
	if lastError.Valid {
		c.LastError = &lastError.String
	}
	if createdAt.Valid {
		c.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		c.UpdatedAt = updatedAt.Time
	}
	return &c, nil
}

func collectConnections(rows pgx.Rows) ([]Connection, error) {
	var result []Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *conn)
	}
	return result, rows.Err()
}
