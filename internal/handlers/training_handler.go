package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/praxis/internal/interfaces"
)

// TrainingHandler handles HTTP requests for the training pipeline
type TrainingHandler struct {
	training interfaces.TrainingService
	logger   arbor.ILogger
}

// NewTrainingHandler creates a new TrainingHandler
func NewTrainingHandler(training interfaces.TrainingService, logger arbor.ILogger) *TrainingHandler {
	return &TrainingHandler{
		training: training,
		logger:   logger,
	}
}

// TriggerHandler handles POST /api/training/trigger. The body is an
// optional JSON object passed through to the pipeline as the trigger
// payload. The response acks acceptance immediately; whether the run
// actually starts is observable on the event stream.
func (h *TrainingHandler) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var payload map[string]interface{}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundSize))
	if err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			WriteError(w, http.StatusBadRequest, "Request body must be a JSON object")
			return
		}
	}

	ack := h.training.Trigger(r.Context(), payload)
	WriteJSON(w, http.StatusAccepted, ack)
}

// RunsHandler handles GET /api/training/runs: the active run and the most
// recently finished one. Runs are not persisted, so this only covers the
// current process lifetime.
func (h *TrainingHandler) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"state":       h.training.State(),
		"current_run": h.training.CurrentRun(),
		"last_run":    h.training.LastRun(),
	})
}
