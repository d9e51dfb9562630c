package handlers

import (
	"net/http"

	"github.com/ternarybob/licitometro/internal/interfaces"
)

// SchedulerHandler exposes the registered template schedules
type SchedulerHandler struct {
	schedulerService interfaces.SchedulerService
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(schedulerService interfaces.SchedulerService) *SchedulerHandler {
	return &SchedulerHandler{
		schedulerService: schedulerService,
	}
}

// ListSchedulesHandler handles GET /schedules
func (h *SchedulerHandler) ListSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	schedules := h.schedulerService.GetSchedules()
	if schedules == nil {
		schedules = []*interfaces.ScheduleStatus{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": schedules,
	})
}
