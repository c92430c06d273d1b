package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/praxis/internal/interfaces"
	"github.com/ternarybob/praxis/internal/services/scheduler"
	"github.com/ternarybob/praxis/internal/services/status"
)

// StatusHandler handles HTTP requests for application status
type StatusHandler struct {
	statusService    *status.Service
	training         interfaces.TrainingService
	schedulerService *scheduler.Service
	wsHandler        *WebSocketHandler
	logger           arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(statusService *status.Service, training interfaces.TrainingService, schedulerService *scheduler.Service, wsHandler *WebSocketHandler, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		statusService:    statusService,
		training:         training,
		schedulerService: schedulerService,
		wsHandler:        wsHandler,
		logger:           logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	statusMap := h.statusService.GetStatus()
	statusMap["current_run"] = h.training.CurrentRun()
	statusMap["last_run"] = h.training.LastRun()
	if h.schedulerService != nil {
		statusMap["scheduler"] = h.schedulerService.Status()
	}
	if h.wsHandler != nil {
		statusMap["connected_clients"] = h.wsHandler.ClientCount()
	}

	WriteJSON(w, http.StatusOK, statusMap)
}
