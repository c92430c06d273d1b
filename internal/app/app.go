package app

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/praxis/internal/common"
	"github.com/ternarybob/praxis/internal/handlers"
	"github.com/ternarybob/praxis/internal/interfaces"
	"github.com/ternarybob/praxis/internal/services/events"
	"github.com/ternarybob/praxis/internal/services/pipeline"
	"github.com/ternarybob/praxis/internal/services/scheduler"
	"github.com/ternarybob/praxis/internal/services/status"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Event-driven services
	EventService    interfaces.EventService
	TrainingService interfaces.TrainingService
	StatusService   *status.Service

	// Scheduled triggers (optional, disabled by default)
	SchedulerService *scheduler.Service

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	TrainingHandler *handlers.TrainingHandler
	StatusHandler   *handlers.StatusHandler
	WSHandler       *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize services and handlers. Order matters: the event bus comes
	// first, the WebSocket handler subscribes before anything can publish,
	// and the scheduler starts last so it cannot fire into a half-built app.
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	if err := app.SchedulerService.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Log initialization summary
	logger.Info().
		Str("data_dir", cfg.Pipeline.DataDir).
		Str("model_path", cfg.Pipeline.ModelPath).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initServices wires the event bus, the training pipeline and the status mirror
func (a *App) initServices() error {
	// 1. Event service - everything downstream subscribes to it
	a.EventService = events.NewService(a.Logger)

	// Debug-level visibility into every event crossing the bus
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return err
	}

	// 2. Training pipeline service with the external command runner
	runner := pipeline.NewExecRunner(a.Logger)
	a.TrainingService = pipeline.NewService(a.Config, a.EventService, runner, a.Logger)
	a.Logger.Debug().Msg("Training pipeline service initialized")

	// 3. Status service mirrors pipeline events into a queryable app state
	a.StatusService = status.NewService(a.EventService, a.Logger)
	a.StatusService.SubscribeToTrainingEvents()
	a.Logger.Debug().Msg("Status service initialized")

	// 4. Scheduler service (created here, started once handlers are wired)
	a.SchedulerService = scheduler.NewService(a.Config.Scheduler, a.TrainingService, a.Logger)

	return nil
}

// initHandlers wires the HTTP and WebSocket handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler()

	// WebSocket handler subscribes to training and model events and fans
	// them out to connected clients
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.TrainingService, a.Logger, a.Config.WebSocket)
	a.Logger.Debug().
		Str("server_instance_id", a.WSHandler.ServerInstanceID()).
		Msg("WebSocket handler initialized")

	a.TrainingHandler = handlers.NewTrainingHandler(a.TrainingService, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.StatusService, a.TrainingService, a.SchedulerService, a.WSHandler, a.Logger)

	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop scheduled triggers first so nothing new enters the pipeline
	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}

	// Stop the WebSocket dispatch loop and disconnect clients
	if a.WSHandler != nil {
		if err := a.WSHandler.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close WebSocket handler")
		}
	}

	// Drop event subscribers last so in-flight publishes drain quietly
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
