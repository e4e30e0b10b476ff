package connections

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-dms/meridian/internal/platform/httpx"
	"github.com/meridian-dms/meridian/internal/shared"
)

type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Show)
	r.Post("/{id}/connect", h.Connect)
	r.Post("/{id}/disconnect", h.Disconnect)
}

type createConnectionRequest struct {
	Type   string         `json:"type" validate:"required"`
	Config map[string]any `json:"config"`
}

type connectRequest struct {
	Config map[string]any `json:"config"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	conns, err := h.service.List(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("list connections", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "connection id must be a uuid")
		return
	}
	conn, err := h.service.FindConnectionByID(r.Context(), id)
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, conn)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	tenantID := shared.TenantFromContext(r.Context())
	conn, err := h.service.Create(r.Context(), tenantID, Type(req.Type), req.Config)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Create Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, conn)
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "connection id must be a uuid")
		return
	}
	var req connectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && err.Error() != "EOF" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	conn, err := h.service.Connect(r.Context(), id, req.Config)
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, conn)
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "connection id must be a uuid")
		return
	}
	conn, err := h.service.Disconnect(r.Context(), id)
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, conn)
}

func (h *Handler) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "connection not found")
		return
	}
	h.logger.Error("connection lookup", slog.Any("error", err))
	httpx.RespondError(w, err)
}
