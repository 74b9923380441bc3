package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/carawoo/mereal/internal/platform/auth"
	"github.com/carawoo/mereal/internal/platform/httpx"
	"github.com/carawoo/mereal/internal/services"
)

type maintenancePayload struct {
	Task       string         `json:"task"`
	StartedAt  string         `json:"startedAt"`
	FinishedAt string         `json:"finishedAt"`
	DurationMS int64          `json:"durationMs"`
	Details    map[string]any `json:"details,omitempty"`
	Caller     string         `json:"caller,omitempty"`
}

// MaintenanceHandlers lets Cloud Scheduler trigger housekeeping tasks.
type MaintenanceHandlers struct {
	system services.SystemService
}

// NewMaintenanceHandlers constructs the /internal/maintenance handlers.
func NewMaintenanceHandlers(system services.SystemService) *MaintenanceHandlers {
	return &MaintenanceHandlers{system: system}
}

// Routes registers the /internal endpoints. Authentication is applied by the router's internal middlewares.
func (h *MaintenanceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/maintenance/{task}:cleanup", h.run)
}

func (h *MaintenanceHandlers) run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		writeUnavailable(ctx, w, "system service")
		return
	}
	task := strings.TrimSpace(chi.URLParam(r, "task"))
	if task == "" {
		writeValidation(ctx, w, "task is required")
		return
	}

	result, err := h.system.RunMaintenance(ctx, task)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := maintenancePayload{
		Task:       result.Task,
		StartedAt:  formatTime(result.StartedAt),
		FinishedAt: formatTime(result.FinishedAt),
		DurationMS: result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		Details:    result.Details,
	}
	if caller, ok := auth.ServiceIdentityFromContext(ctx); ok && caller != nil {
		payload.Caller = caller.Email
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}
