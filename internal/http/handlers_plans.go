package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/terraprisma/api/internal/domain/model"
	"github.com/terraprisma/api/internal/service"
)

// PlanHandlers exposes weekly plan operations over HTTP. Generation is
// asynchronous: the endpoint enqueues a plan.generate job and returns it,
// rather than blocking the request on the generator.
type PlanHandlers struct {
	Plans *service.PlanService
	Jobs  *service.JobService
}

type generatePlanBody struct {
	WeekStart string `json:"weekStart"`
	Context   string `json:"context,omitempty"`
}

// Generate handles POST /api/plans/generate by enqueuing a plan.generate job.
func (h *PlanHandlers) Generate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := RequireTenant(w, r)
	if !ok {
		return
	}
	var body generatePlanBody
	if !DecodeJSON(w, r, &body) {
		return
	}

	req := model.GeneratePlanRequest{
		TenantID:  tenant,
		WeekStart: body.WeekStart,
		Context:   body.Context,
	}
	if err := req.Validate(); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "validation",
			"message": err.Error(),
		})
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	job, err := h.Jobs.Create(r.Context(), &model.CreateJobRequest{
		Type:     "plan.generate",
		Payload:  payload,
		TenantID: &tenant,
	})
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// List handles GET /api/plans.
func (h *PlanHandlers) List(w http.ResponseWriter, r *http.Request) {
	tenant, ok := RequireTenant(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "invalid_limit",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	plans, err := h.Plans.List(r.Context(), tenant, limit)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

// Get handles GET /api/plans/{id}.
func (h *PlanHandlers) Get(w http.ResponseWriter, r *http.Request) {
	tenant, ok := RequireTenant(w, r)
	if !ok {
		return
	}
	plan, err := h.Plans.Get(r.Context(), r.PathValue("id"), tenant)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, plan)
}

// GetWeek handles GET /api/plans/week/{weekStart}.
func (h *PlanHandlers) GetWeek(w http.ResponseWriter, r *http.Request) {
	tenant, ok := RequireTenant(w, r)
	if !ok {
		return
	}
	plan, err := h.Plans.GetWeek(r.Context(), tenant, r.PathValue("weekStart"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, plan)
}

// MarkDelivered handles POST /api/plans/{id}/delivered.
func (h *PlanHandlers) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	tenant, ok := RequireTenant(w, r)
	if !ok {
		return
	}
	if err := h.Plans.MarkDelivered(r.Context(), r.PathValue("id"), tenant); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}
