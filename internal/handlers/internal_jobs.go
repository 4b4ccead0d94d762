package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/orderflow/internal/platform/httpx"
	"github.com/storefront/orderflow/internal/services"
)

const maxRunDueLimit = 500

// InternalJobHandlers lets Cloud Scheduler drive the scheduled job runner.
type InternalJobHandlers struct {
	runner services.ScheduledJobRunner
}

// NewInternalJobHandlers constructs internal job handlers. OIDC is applied by the router group.
func NewInternalJobHandlers(runner services.ScheduledJobRunner) *InternalJobHandlers {
	return &InternalJobHandlers{runner: runner}
}

// Routes registers the /internal endpoints.
func (h *InternalJobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/jobs:run-due", h.runDue)
}

type runDueResponse struct {
	Claimed     int `json:"claimed"`
	Done        int `json:"done"`
	Skipped     int `json:"skipped"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

func (h *InternalJobHandlers) runDue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.runner == nil {
		httpx.WriteError(ctx, w, httpx.NewError("jobs_unavailable", "job runner unavailable", http.StatusServiceUnavailable))
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = min(value, maxRunDueLimit)
	}

	summary, err := h.runner.RunDue(ctx, limit)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("job_run_failed", "failed to run due jobs", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, runDueResponse{
		Claimed:     summary.Claimed,
		Done:        summary.Done,
		Skipped:     summary.Skipped,
		Rescheduled: summary.Rescheduled,
		Failed:      summary.Failed,
	})
}
