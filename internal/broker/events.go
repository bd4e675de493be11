package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"groupbuy-service/internal/models"
	"groupbuy-service/internal/util"
)

// EventPublisher writes audit events to Kafka. Actor events are keyed by actor and
// selection events by product so each stream stays ordered.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func actorKey(actorID int64) string {
	return fmt.Sprintf("actor-%d", actorID)
}

func productKey(key models.ProductKey) string {
	return "product-" + key.String()
}

// PublishCancellationRecorded publishes CancellationRecorded event
func (ep *EventPublisher) PublishCancellationRecorded(ctx context.Context, event *models.CancellationRecordedEvent) error {
	return ep.producer.PublishEvent(ctx, actorKey(event.ActorID), event.EventType, event)
}

// PublishAdvancementRecorded publishes AdvancementRecorded event
func (ep *EventPublisher) PublishAdvancementRecorded(ctx context.Context, event *models.AdvancementRecordedEvent) error {
	return ep.producer.PublishEvent(ctx, actorKey(event.ActorID), event.EventType, event)
}

// PublishSelectionMade publishes SelectionMade event
func (ep *EventPublisher) PublishSelectionMade(ctx context.Context, event *models.SelectionMadeEvent) error {
	return ep.producer.PublishEvent(ctx, productKey(event.ProductKey), event.EventType, event)
}

// PublishFailoverTriggered publishes FailoverTriggered event
func (ep *EventPublisher) PublishFailoverTriggered(ctx context.Context, event *models.FailoverTriggeredEvent) error {
	return ep.producer.PublishEvent(ctx, productKey(event.ProductKey), event.EventType, event)
}

// EventHandler routes trigger events from the external scheduler.
type EventHandler struct {
	onClosureDue        func(context.Context, *models.ClosureDueEvent) error
	onFulfillmentFailed func(context.Context, *models.FulfillmentFailedEvent) error
	logger              *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnClosureDue registers a handler for ClosureDue events
func (eh *EventHandler) OnClosureDue(handler func(context.Context, *models.ClosureDueEvent) error) {
	eh.onClosureDue = handler
}

// OnFulfillmentFailed registers a handler for FulfillmentFailed events
func (eh *EventHandler) OnFulfillmentFailed(handler func(context.Context, *models.FulfillmentFailedEvent) error) {
	eh.onFulfillmentFailed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeClosureDue:
		if eh.onClosureDue != nil {
			var event models.ClosureDueEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal ClosureDue event: %w", err)
			}
			return eh.onClosureDue(ctx, &event)
		}

	case models.EventTypeFulfillmentFailed:
		if eh.onFulfillmentFailed != nil {
			var event models.FulfillmentFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal FulfillmentFailed event: %w", err)
			}
			return eh.onFulfillmentFailed(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
