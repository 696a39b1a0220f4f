package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/terraprisma/api/internal/domain/model"
	"github.com/terraprisma/api/internal/service"
)

// JobHandlers exposes job queue operations over HTTP. All routes are
// tenant-scoped through the X-Tenant-ID header.
type JobHandlers struct {
	Svc *service.JobService
}

type createJobBody struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Create handles POST /api/jobs.
func (h *JobHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var body createJobBody
	if !DecodeJSON(w, r, &body) {
		return
	}

	job, err := h.Svc.Create(r.Context(), &model.CreateJobRequest{
		Type:     body.Type,
		Payload:  body.Payload,
		TenantID: TenantFromRequest(r),
	})
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

// List handles GET /api/jobs with optional status, type, and limit params.
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	opts := model.JobListOptions{
		TenantID: TenantFromRequest(r),
		Status:   model.JobStatus(r.URL.Query().Get("status")),
		Type:     r.URL.Query().Get("type"),
	}
	if opts.Status != "" && !opts.Status.Valid() {
		WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "invalid_status",
			"message": "unknown status filter " + strconv.Quote(string(opts.Status)),
		})
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "invalid_limit",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		opts.Limit = limit
	}

	jobs, err := h.Svc.List(r.Context(), opts)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Get handles GET /api/jobs/{id}.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.Get(r.Context(), r.PathValue("id"), TenantFromRequest(r))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Retry handles POST /api/jobs/{id}/retry.
func (h *JobHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	res, err := h.Svc.Retry(r.Context(), r.PathValue("id"), TenantFromRequest(r))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	writeOpResult(w, res)
}

// Cancel handles POST /api/jobs/{id}/cancel.
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.Svc.Cancel(r.Context(), r.PathValue("id"), TenantFromRequest(r))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	writeOpResult(w, res)
}

// Metrics handles GET /api/jobs/metrics.
func (h *JobHandlers) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.Svc.Metrics(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, m)
}

// writeOpResult maps business-rule outcomes onto statuses: accepted → 200,
// not-found → 404, any other rejection → 409.
func writeOpResult(w http.ResponseWriter, res model.OpResult) {
	switch {
	case res.Success:
		WriteJSON(w, http.StatusOK, res)
	case res.NotFound:
		WriteJSON(w, http.StatusNotFound, res)
	default:
		WriteJSON(w, http.StatusConflict, res)
	}
}
