package status

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/praxis/internal/interfaces"
	"github.com/ternarybob/praxis/internal/models"
)

// AppState represents the application state
type AppState string

const (
	StateIdle     AppState = "idle"
	StateTraining AppState = "training"
)

// Service mirrors the pipeline lifecycle into an application state the
// status endpoint can serve without reaching into the run in flight.
type Service struct {
	state        AppState
	mu           sync.RWMutex
	eventService interfaces.EventService
	logger       arbor.ILogger
	metadata     map[string]interface{}
}

// NewService creates a new status service
func NewService(eventService interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		state:        StateIdle,
		eventService: eventService,
		logger:       logger,
		metadata:     make(map[string]interface{}),
	}
}

// GetState returns the current application state (thread-safe)
func (s *Service) GetState() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState updates the application state
func (s *Service) SetState(state AppState, metadata map[string]interface{}) {
	s.mu.Lock()
	oldState := s.state
	s.state = state
	if metadata != nil {
		s.metadata = metadata
	} else {
		s.metadata = make(map[string]interface{})
	}
	s.mu.Unlock()

	if oldState != state {
		s.logger.Info().
			Str("old_state", string(oldState)).
			Str("new_state", string(state)).
			Msg("Application state changed")
	}
}

// GetStatus returns the full status including state, metadata, and timestamp
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metadataCopy := make(map[string]interface{})
	for k, v := range s.metadata {
		metadataCopy[k] = v
	}

	return map[string]interface{}{
		"state":     string(s.state),
		"metadata":  metadataCopy,
		"timestamp": time.Now(),
	}
}

// SubscribeToTrainingEvents keeps the mirror current from the event stream.
// Upload and broadcast errors do not flip the state back to idle: those
// stages are non-fatal and the run continues to its completed event. A
// skipped event never changes state because the run holding the guard is
// still in flight.
func (s *Service) SubscribeToTrainingEvents() {
	s.eventService.Subscribe(interfaces.EventTrainingStatus, func(ctx context.Context, event interfaces.Event) error {
		trainingStatus, ok := event.Payload.(models.TrainingStatus)
		if !ok {
			return nil
		}

		switch trainingStatus.Status {
		case models.StatusStarted:
			s.SetState(StateTraining, nil)

		case models.StatusProgress:
			s.SetState(StateTraining, map[string]interface{}{
				"step":    trainingStatus.Step.String(),
				"message": trainingStatus.Message,
			})

		case models.StatusCompleted:
			s.SetState(StateIdle, nil)

		case models.StatusError:
			if trainingStatus.Step != models.StepModelUpload && trainingStatus.Step != models.StepModelBroadcast {
				s.SetState(StateIdle, map[string]interface{}{
					"failed_step": trainingStatus.Step.String(),
					"message":     trainingStatus.Message,
				})
			}
		}

		return nil
	})

	s.logger.Info().Msg("Status service subscribed to training events")
}
