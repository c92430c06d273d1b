package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/praxis/internal/common"
	"github.com/ternarybob/praxis/internal/interfaces"
	"github.com/ternarybob/praxis/internal/models"
)

// Service runs the training pipeline: wipe the raw data directory, convert
// fresh data, train, verify the artifact, then push it to the model server
// and to connected clients. At most one run is in flight at a time; every
// lifecycle transition is published as a training_status event.
type Service struct {
	config   *common.Config
	events   interfaces.EventService
	runner   interfaces.CommandRunner
	uploader *Uploader
	logger   arbor.ILogger
	guard    *Guard

	mu         sync.RWMutex
	currentRun *models.Run
	lastRun    *models.Run
}

// NewService creates the training pipeline service
func NewService(config *common.Config, eventService interfaces.EventService, runner interfaces.CommandRunner, logger arbor.ILogger) *Service {
	return &Service{
		config:   config,
		events:   eventService,
		runner:   runner,
		uploader: NewUploader(config.Upload, logger),
		logger:   logger,
		guard:    NewGuard(),
	}
}

// Trigger dispatches a pipeline run to a background worker and acknowledges
// immediately. The ack is always accepted: if the guard rejects the run, the
// rejection surfaces as a skipped event on the stream, not here.
func (s *Service) Trigger(ctx context.Context, payload map[string]interface{}) models.TriggerAck {
	s.logger.Info().Interface("payload", payload).Msg("Received data_update event")

	common.SafeGo(s.logger, "training-pipeline", func() {
		if err := s.Execute(context.Background()); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Warn().Err(err).Msg("Training run ended with failure")
		}
	})

	return models.TriggerAck{
		Status:  models.TriggerAccepted,
		Message: "Training triggered",
	}
}

// Execute runs the pipeline synchronously on the calling goroutine. Returns
// ErrAlreadyRunning when another run holds the guard, a *StageError when a
// fatal stage aborted the run, or nil when the run reached completion.
func (s *Service) Execute(ctx context.Context) (err error) {
	if !s.guard.TryStart() {
		s.logger.Info().Msg("Training already in progress; skipping new trigger")
		s.publishStatus(ctx, models.TrainingStatus{
			Status:  models.StatusSkipped,
			Message: "Training already in progress",
		})
		return ErrAlreadyRunning
	}
	defer s.guard.Release()

	run := &models.Run{
		ID:        common.NewRunID(),
		StartedAt: time.Now(),
	}
	s.setCurrentRun(run)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected fault: %v", r)
			s.logger.Error().
				Str("run_id", run.ID).
				Str("fault", fmt.Sprintf("%v", r)).
				Msg("Training pipeline terminated by unexpected fault")
			s.publishStatus(ctx, models.TrainingStatus{
				Status:  models.StatusError,
				Step:    models.StepUnknown,
				Message: fmt.Sprintf("Exception: %v", r),
			})
			s.finishRun(run, models.StepUnknown, err)
		}
		s.logger.Info().Str("run_id", run.ID).Msg("Training pipeline finished")
	}()

	s.logger.Info().Str("run_id", run.ID).Msg("Starting training pipeline")
	s.publishStatus(ctx, models.TrainingStatus{
		Status:  models.StatusStarted,
		Message: "Training pipeline started",
	})

	if stageErr := s.runStages(ctx); stageErr != nil {
		s.finishRun(run, stageErr.Step, stageErr)
		return stageErr
	}

	s.publishStatus(ctx, models.TrainingStatus{
		Status:  models.StatusCompleted,
		Message: "Training pipeline completed successfully",
	})
	s.finishRun(run, "", nil)

	s.logger.Info().
		Str("run_id", run.ID).
		Str("duration", run.Duration().String()).
		Msg("Training pipeline completed successfully")
	return nil
}

// runStages walks the stage sequence in order. Cleanup through verification
// are fatal on failure; upload and broadcast report their own failures and
// never abort the run.
func (s *Service) runStages(ctx context.Context) *StageError {
	if err := s.stageCleanup(ctx); err != nil {
		return err
	}
	if err := s.stageConvert(ctx); err != nil {
		return err
	}
	if err := s.stageTrain(ctx); err != nil {
		return err
	}
	if err := s.stageVerify(ctx); err != nil {
		return err
	}
	s.stageUpload(ctx)
	s.stageBroadcast(ctx)
	return nil
}

// stageCleanup removes and recreates the raw data directory
func (s *Service) stageCleanup(ctx context.Context) *StageError {
	dataDir := s.config.Pipeline.DataDir
	s.logger.Info().Str("dir", dataDir).Msg("Deleting old data directory")
	s.publishProgress(ctx, models.StepDataCleanup, "Deleting old data")

	if err := os.RemoveAll(dataDir); err != nil {
		return s.failStage(ctx, models.StepDataCleanup, failureMessage("Data cleanup failed", err.Error()), err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return s.failStage(ctx, models.StepDataCleanup, failureMessage("Data cleanup failed", err.Error()), err)
	}

	s.publishProgress(ctx, models.StepDataCleanup, "Old data deleted")
	return nil
}

// stageConvert runs the external data-conversion command
func (s *Service) stageConvert(ctx context.Context) *StageError {
	s.logger.Info().Str("command", s.config.Convert.Command).Msg("Starting data conversion")
	s.publishProgress(ctx, models.StepDataConversion, "Starting data conversion")

	result, err := s.runner.Run(s.config.Convert.Command, s.config.Convert.Args...)
	if err != nil {
		return s.failStage(ctx, models.StepDataConversion, failureMessage("Data conversion failed", err.Error()), err)
	}
	if !result.Success() {
		s.logger.Error().
			Int("exit_code", result.ExitCode).
			Str("stderr", result.Stderr).
			Msg("Data conversion failed")
		return s.failStage(ctx, models.StepDataConversion,
			failureMessage("Data conversion failed", result.Stderr),
			fmt.Errorf("exit status %d", result.ExitCode))
	}

	s.logger.Info().Msg("Data conversion completed")
	s.publishProgress(ctx, models.StepDataConversion, "Data conversion completed")
	return nil
}

// stageTrain runs the external distributed training command
func (s *Service) stageTrain(ctx context.Context) *StageError {
	s.logger.Info().Str("command", s.config.Train.Command).Msg("Starting distributed training")
	s.publishProgress(ctx, models.StepTraining, "Starting distributed training")

	result, err := s.runner.Run(s.config.Train.Command, s.config.Train.BuildArgs()...)
	if err != nil {
		return s.failStage(ctx, models.StepTraining, failureMessage("Training failed", err.Error()), err)
	}
	if !result.Success() {
		s.logger.Error().
			Int("exit_code", result.ExitCode).
			Str("stderr", result.Stderr).
			Msg("Training failed")
		return s.failStage(ctx, models.StepTraining,
			failureMessage("Training failed", result.Stderr),
			fmt.Errorf("exit status %d", result.ExitCode))
	}

	s.logger.Info().Msg("Training completed")
	s.publishProgress(ctx, models.StepTraining, "Training completed")
	return nil
}

// stageVerify confirms the trained artifact exists at its expected path
func (s *Service) stageVerify(ctx context.Context) *StageError {
	modelPath := s.config.Pipeline.ModelPath
	s.publishProgress(ctx, models.StepModelVerification, "Verifying trained model")

	if _, err := os.Stat(modelPath); err != nil {
		s.logger.Error().Str("path", modelPath).Msg("Trained model file not found")
		return s.failStage(ctx, models.StepModelVerification, "Trained model not found", ErrModelMissing)
	}

	s.publishProgress(ctx, models.StepModelVerification, "Trained model verified")
	return nil
}

// stageUpload pushes the artifact to the model server. Failure here is
// non-fatal: it is logged and reported, and the run continues to broadcast
// so connected clients still receive the model.
func (s *Service) stageUpload(ctx context.Context) {
	s.logger.Info().Str("url", s.config.Upload.URL).Msg("Uploading model to server")
	s.publishProgress(ctx, models.StepModelUpload, "Uploading model to server")

	if err := s.uploader.Upload(s.config.Pipeline.ModelPath); err != nil {
		message := fmt.Sprintf("Failed to upload model: %v", err)
		var uploadErr *UploadError
		if errors.As(err, &uploadErr) {
			if uploadErr.StatusCode != 0 {
				message = fmt.Sprintf("Failed to upload model: %d", uploadErr.StatusCode)
			} else if uploadErr.Err != nil {
				message = fmt.Sprintf("Failed to upload model: %v", uploadErr.Err)
			}
		}
		s.logger.Error().Str("url", s.config.Upload.URL).Msg(message)
		s.publishStatus(ctx, models.TrainingStatus{
			Status:  models.StatusError,
			Step:    models.StepModelUpload,
			Message: message,
		})
		return
	}

	s.publishProgress(ctx, models.StepModelUpload, "Model successfully uploaded")
}

// stageBroadcast reads the artifact and emits it as a model_data event for
// connected clients. Faults are caught and reported, never re-raised, and
// are independent of the upload path's outcome.
func (s *Service) stageBroadcast(ctx context.Context) {
	modelPath := s.config.Pipeline.ModelPath
	s.logger.Info().Str("path", modelPath).Msg("Sending model to connected clients")
	s.publishProgress(ctx, models.StepModelBroadcast, "Sending model to clients")

	data, err := os.ReadFile(modelPath)
	if err != nil {
		s.broadcastFailed(ctx, err)
		return
	}

	payload := models.ModelData{
		ModelBase64: base64.StdEncoding.EncodeToString(data),
		Filename:    filepath.Base(modelPath),
	}
	if err := s.events.PublishSync(ctx, interfaces.Event{Type: interfaces.EventModelData, Payload: payload}); err != nil {
		s.broadcastFailed(ctx, err)
		return
	}

	s.logger.Info().Str("filename", payload.Filename).Msg("Model sent to connected clients")
	s.publishProgress(ctx, models.StepModelBroadcast, "Model sent to clients")
}

func (s *Service) broadcastFailed(ctx context.Context, err error) {
	message := fmt.Sprintf("Failed to send model to clients: %v", err)
	s.logger.Error().Str("path", s.config.Pipeline.ModelPath).Msg(message)
	s.publishStatus(ctx, models.TrainingStatus{
		Status:  models.StatusError,
		Step:    models.StepModelBroadcast,
		Message: message,
	})
}

// failStage emits the stage's error event and returns the fatal StageError
// that aborts the remaining stages.
func (s *Service) failStage(ctx context.Context, step models.PipelineStep, message string, cause error) *StageError {
	s.publishStatus(ctx, models.TrainingStatus{
		Status:  models.StatusError,
		Step:    step,
		Message: message,
	})
	return &StageError{Step: step, Err: cause}
}

// publishProgress emits a progress event for a stage
func (s *Service) publishProgress(ctx context.Context, step models.PipelineStep, message string) {
	s.publishStatus(ctx, models.TrainingStatus{
		Status:  models.StatusProgress,
		Step:    step,
		Message: message,
	})
}

// publishStatus puts a training_status event on the bus. Synchronous publish
// keeps successive events from one run in emission order; a delivery error
// never aborts the run.
func (s *Service) publishStatus(ctx context.Context, status models.TrainingStatus) {
	event := interfaces.Event{Type: interfaces.EventTrainingStatus, Payload: status}
	if err := s.events.PublishSync(ctx, event); err != nil {
		s.logger.Warn().
			Err(err).
			Str("status", status.Status.String()).
			Msg("Failed to publish training status")
	}
}

// failureMessage appends captured stderr detail to an event message
func failureMessage(message, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return message
	}
	return message + ": " + detail
}

func (s *Service) setCurrentRun(run *models.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRun = run
}

// finishRun stamps the run's terminal result and rotates it into lastRun
func (s *Service) finishRun(run *models.Run, step models.PipelineStep, err error) {
	now := time.Now()
	if err != nil {
		run.MarkFailed(now, step, err)
	} else {
		run.MarkCompleted(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRun = nil
	s.lastRun = run
}

// State reports whether a run currently holds the guard
func (s *Service) State() models.RunState {
	if s.guard.Running() {
		return models.RunStateRunning
	}
	return models.RunStateIdle
}

// CurrentRun returns a copy of the active run, or nil when idle
func (s *Service) CurrentRun() *models.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentRun == nil {
		return nil
	}
	run := *s.currentRun
	return &run
}

// LastRun returns a copy of the most recently finished run, or nil if no
// run has finished since the process started.
func (s *Service) LastRun() *models.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRun == nil {
		return nil
	}
	run := *s.lastRun
	return &run
}
