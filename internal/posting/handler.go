package posting

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-dms/meridian/internal/platform/httpx"
	"github.com/meridian-dms/meridian/internal/shared"
)

// Handler exposes the queue's operational API.
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
	r.Post("/", h.Enqueue)
	r.Get("/{id}", h.Show)
	r.Post("/{id}/process", h.Process)
	r.Post("/{id}/retry", h.Retry)
	r.Post("/{id}/success", h.Succeed)
	r.Post("/{id}/fail", h.Fail)
}

type enqueueRequest struct {
	IntegrationID string         `json:"integration_id" validate:"required,uuid"`
	DocType       string         `json:"doc_type" validate:"required"`
	DocID         string         `json:"doc_id" validate:"required"`
	Payload       map[string]any `json:"payload"`
}

type failRequest struct {
	Error string `json:"error" validate:"required"`
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	integrationID, err := uuid.Parse(req.IntegrationID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "integration id must be a uuid")
		return
	}

	tenantID := shared.TenantFromContext(r.Context())
	item, err := h.service.Enqueue(r.Context(), tenantID, integrationID, req.DocType, req.DocID, req.Payload)
	if err != nil {
		h.logger.Error("enqueue posting", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, item)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())

	var statusPtr *Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := Status(raw)
		statusPtr = &s
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	result, err := h.service.ListQueue(r.Context(), tenantID, statusPtr, page, limit)
	if err != nil {
		h.logger.Error("list posting queue", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	item, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondQueueError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

// Process runs the full delivery protocol for one item, the manual
// "post now" path. It races safely with the background sweep.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	item, err := h.service.ProcessQueueItem(r.Context(), id)
	if err != nil {
		h.respondQueueError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	item, err := h.service.Retry(r.Context(), id)
	if err != nil {
		h.respondQueueError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

type succeedRequest struct {
	ExternalRef *string `json:"external_ref,omitempty"`
}

// Succeed records an out-of-band confirmation from the remote system.
func (h *Handler) Succeed(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req succeedRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && err.Error() != "EOF" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	item, err := h.service.MarkSuccess(r.Context(), id, req.ExternalRef)
	if err != nil {
		h.respondQueueError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

// Fail is an operational override for stuck items.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req failRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	item, err := h.service.MarkFailed(r.Context(), id, req.Error)
	if err != nil {
		h.respondQueueError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "queue item id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "queue item not found")
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrAlreadyClaimed):
		httpx.Problem(w, http.StatusConflict, "Already Claimed", err.Error())
	default:
		h.logger.Error("posting queue", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
