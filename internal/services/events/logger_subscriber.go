package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/praxis/internal/interfaces"
	"github.com/ternarybob/praxis/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		// Extract structured fields from the known payload shapes
		switch payload := event.Payload.(type) {
		case models.TrainingStatus:
			logEvent = logEvent.Str("status", string(payload.Status))
			if payload.Step != "" {
				logEvent = logEvent.Str("step", string(payload.Step))
			}
			if payload.Message != "" {
				logEvent = logEvent.Str("message", payload.Message)
			}
		case models.ModelData:
			logEvent = logEvent.
				Str("filename", payload.Filename).
				Int("encoded_bytes", len(payload.ModelBase64))
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	// Subscribe to all event types
	eventTypes := []interfaces.EventType{
		interfaces.EventTrainingStatus,
		interfaces.EventModelData,
		interfaces.EventDataUpdate,
	}

	for _, eventType := range eventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(eventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
