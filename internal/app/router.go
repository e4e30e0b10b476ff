package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/meridian-dms/meridian/internal/connections"
	"github.com/meridian-dms/meridian/internal/invoicing"
	"github.com/meridian-dms/meridian/internal/observability"
	"github.com/meridian-dms/meridian/internal/posting"
	"github.com/meridian-dms/meridian/internal/shared"
	"github.com/meridian-dms/meridian/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	ConnectionsHandler *connections.Handler
	PostingHandler     *posting.Handler
	InvoicingHandler   *invoicing.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Tenant-scoped API surface. Tenancy enforcement beyond the header is
	// handled upstream.
	r.Group(func(r chi.Router) {
		r.Use(shared.TenantMiddleware)
		if params.ConnectionsHandler != nil {
			r.Route("/connections", params.ConnectionsHandler.MountRoutes)
		}
		if params.PostingHandler != nil {
			r.Route("/postings", params.PostingHandler.MountRoutes)
		}
		if params.InvoicingHandler != nil {
			r.Route("/invoices", params.InvoicingHandler.MountRoutes)
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
