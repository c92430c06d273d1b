package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/praxis/internal/common"
	"github.com/ternarybob/praxis/internal/interfaces"
)

// Service fires retraining triggers on a cron schedule. It is disabled
// unless configured on, and a rate limiter floors the gap between firings
// so a misconfigured schedule cannot storm the trigger path. The pipeline's
// own guard still decides whether a fired trigger actually runs.
type Service struct {
	config   common.SchedulerConfig
	training interfaces.TrainingService
	cron     *cron.Cron
	limiter  *rate.Limiter
	logger   arbor.ILogger

	mu      sync.Mutex
	running bool
	entryID cron.EntryID
	lastRun *time.Time
}

// NewService creates a scheduler service
func NewService(config common.SchedulerConfig, training interfaces.TrainingService, logger arbor.ILogger) *Service {
	return &Service{
		config:   config,
		training: training,
		cron:     cron.New(),
		limiter:  rate.NewLimiter(rate.Every(config.MinIntervalDuration()), 1),
		logger:   logger,
	}
}

// Start registers the schedule and begins firing. A disabled scheduler
// starts successfully and does nothing.
func (s *Service) Start() error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Scheduler disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	entryID, err := s.cron.AddFunc(s.config.Schedule, s.fire)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entryID = entryID

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.config.Schedule).
		Str("min_interval", s.config.MinIntervalDuration().String()).
		Msg("Scheduler started")

	return nil
}

// Stop halts the scheduler
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.cron.Stop()
	s.running = false
	s.logger.Info().Msg("Scheduler stopped")
}

// IsRunning reports whether the scheduler is active
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status reports the scheduler's configuration and firing history
func (s *Service) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	statusMap := map[string]interface{}{
		"enabled": s.config.Enabled,
		"running": s.running,
	}
	if s.config.Enabled {
		statusMap["schedule"] = s.config.Schedule
		statusMap["min_interval"] = s.config.MinIntervalDuration().String()
	}
	if s.running {
		statusMap["next_run"] = s.cron.Entry(s.entryID).Next
	}
	if s.lastRun != nil {
		statusMap["last_run"] = *s.lastRun
	}
	return statusMap
}

// fire dispatches one scheduled trigger
func (s *Service) fire() {
	if !s.limiter.Allow() {
		s.logger.Warn().Msg("Scheduled trigger suppressed by minimum interval")
		return
	}

	now := time.Now()
	s.mu.Lock()
	s.lastRun = &now
	s.mu.Unlock()

	ack := s.training.Trigger(context.Background(), map[string]interface{}{"source": "scheduler"})
	s.logger.Info().
		Str("status", ack.Status).
		Msg("Scheduled retraining trigger dispatched")
}
