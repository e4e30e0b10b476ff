package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Service layers a short-lived cache over the registry. Posting sweeps look
// up the same handful of connections on every pass.
type Service struct {
	repo     Repository
	redis    *redis.Client
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewService constructs the registry service. The redis client is optional;
// without it every lookup goes to Postgres.
func NewService(repo Repository, redisClient *redis.Client, cacheTTL time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Service{repo: repo, redis: redisClient, cacheTTL: cacheTTL, logger: logger}
}

func cacheKey(id uuid.UUID) string {
	return "connections:" + id.String()
}

// FindConnectionByID resolves a connection, serving recent lookups from cache.
func (s *Service) FindConnectionByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	if s.redis != nil {
		if data, err := s.redis.Get(ctx, cacheKey(id)).Bytes(); err == nil {
			var conn Connection
			if err := json.Unmarshal(data, &conn); err == nil {
				return &conn, nil
			}
		}
	}
	conn, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, conn)
	return conn, nil
}

// List returns every connection for the tenant.
func (s *Service) List(ctx context.Context, tenantID string) ([]Connection, error) {
	return s.repo.ListByTenant(ctx, tenantID)
}

// ListConnected returns the tenant's connections eligible for posting.
func (s *Service) ListConnected(ctx context.Context, tenantID string) ([]Connection, error) {
	return s.repo.ListConnectedByTenant(ctx, tenantID)
}

// ListConnectedAll returns every CONNECTED connection across tenants.
func (s *Service) ListConnectedAll(ctx context.Context) ([]Connection, error) {
	return s.repo.ListConnectedAll(ctx)
}

// Create registers a new integration connection in DISCONNECTED state.
func (s *Service) Create(ctx context.Context, tenantID string, connType Type, config map[string]any) (*Connection, error) {
	if !connType.Valid() {
		return nil, fmt.Errorf("unsupported integration type %q", connType)
	}
	return s.repo.Create(ctx, Connection{
		TenantID: tenantID,
		Type:     connType,
		Status:   StatusDisconnected,
		Config:   config,
	})
}

// Connect merges the supplied config over the stored one and marks the
// connection CONNECTED. Partial config updates keep existing credentials.
func (s *Service) Connect(ctx context.Context, id uuid.UUID, config map[string]any) (*Connection, error) {
	if len(config) > 0 {
		if _, err := s.repo.MergeConfig(ctx, id, config); err != nil {
			return nil, err
		}
	}
	conn, err := s.repo.UpdateStatus(ctx, id, StatusConnected, nil)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return conn, nil
}

// Disconnect marks the connection DISCONNECTED.
func (s *Service) Disconnect(ctx context.Context, id uuid.UUID) (*Connection, error) {
	conn, err := s.repo.UpdateStatus(ctx, id, StatusDisconnected, nil)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return conn, nil
}

// MarkError records an integration-level failure on the connection.
func (s *Service) MarkError(ctx context.Context, id uuid.UUID, message string) (*Connection, error) {
	conn, err := s.repo.UpdateStatus(ctx, id, StatusError, &message)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return conn, nil
}

func (s *Service) cache(ctx context.Context, conn *Connection) {
	if s.redis == nil || conn == nil {
		return
	}
	data, err := json.Marshal(conn)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, cacheKey(conn.ID), data, s.cacheTTL).Err(); err != nil {
		s.logger.Warn("cache connection", slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, cacheKey(id)).Err(); err != nil {
		s.logger.Warn("invalidate connection cache", slog.Any("error", err))
	}
}
