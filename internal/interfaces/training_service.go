package interfaces

import (
	"context"

	"github.com/ternarybob/praxis/internal/models"
)

// TrainingService orchestrates the single-flight training pipeline
type TrainingService interface {
	// Trigger dispatches a pipeline run to a background worker and returns
	// immediately. The acknowledgement is always accepted; if another run is
	// already in flight the rejection surfaces as a skipped training_status
	// event on the broadcast stream, never through this return value.
	Trigger(ctx context.Context, payload map[string]interface{}) models.TriggerAck

	// State returns the current pipeline state (idle or running)
	State() models.RunState

	// CurrentRun returns a copy of the active run, or nil when idle
	CurrentRun() *models.Run

	// LastRun returns a copy of the most recently finished run, or nil if
	// no run has finished since the process started
	LastRun() *models.Run
}
