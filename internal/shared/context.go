package shared

import (
	"context"
	"net/http"
)

type contextKey string

const tenantContextKey contextKey = "meridian.tenant"

// TenantHeader carries the tenant scope on API requests.
const TenantHeader = "X-Tenant-ID"

// ContextWithTenant attaches a tenant id to the context.
func ContextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenantID)
}

// TenantFromContext extracts the tenant id from the context, if any.
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantContextKey).(string); ok {
		return v
	}
	return ""
}

// TenantMiddleware requires the tenant header on every request it guards.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantHeader)
		if tenantID == "" {
			http.Error(w, "tenant header required", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithTenant(r.Context(), tenantID)))
	})
}
