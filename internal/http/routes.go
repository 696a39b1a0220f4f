package httpx

import (
	"log/slog"
	"net/http"

	"github.com/terraprisma/api/internal/service"
)

// RouterServices holds the services needed by the HTTP router.
type RouterServices struct {
	Jobs   *service.JobService
	Plans  *service.PlanService
	Logger *slog.Logger
}

// NewRouter creates the API router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{Svc: services.Jobs}
	registerJobRoutes(mux, jobHandlers)

	if services.Plans != nil {
		planHandlers := &PlanHandlers{Plans: services.Plans, Jobs: services.Jobs}
		registerPlanRoutes(mux, planHandlers)
	}

	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("HEAD /healthz", healthHandler)

	return RequestLogger(services.Logger, mux)
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.Create)
	mux.HandleFunc("GET /api/jobs", h.List)
	mux.HandleFunc("GET /api/jobs/metrics", h.Metrics)
	mux.HandleFunc("GET /api/jobs/{id}", h.Get)
	mux.HandleFunc("POST /api/jobs/{id}/retry", h.Retry)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.Cancel)
}

func registerPlanRoutes(mux *http.ServeMux, h *PlanHandlers) {
	mux.HandleFunc("POST /api/plans/generate", h.Generate)
	mux.HandleFunc("GET /api/plans", h.List)
	mux.HandleFunc("GET /api/plans/week/{weekStart}", h.GetWeek)
	mux.HandleFunc("GET /api/plans/{id}", h.Get)
	mux.HandleFunc("POST /api/plans/{id}/delivered", h.MarkDelivered)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
