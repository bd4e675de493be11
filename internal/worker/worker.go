package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"groupbuy-service/internal/broker"
	"groupbuy-service/internal/models"
	"groupbuy-service/internal/service"
	"groupbuy-service/internal/store"
	"groupbuy-service/internal/util"
)

// claimTTL outlives any redelivery of the same trigger.
const claimTTL = 24 * time.Hour

// EventClaimer deduplicates trigger events across worker instances.
type EventClaimer interface {
	ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ReleaseEvent(ctx context.Context, eventID string) error
}

// ClosureWorker runs closure rounds and failovers requested by the external scheduler.
type ClosureWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	repo         store.Repository
	selection    *service.SelectionEngine
	claimer      EventClaimer
	logger       *zap.Logger
}

// NewClosureWorker creates a new closure worker. claimer may be nil for a single instance.
func NewClosureWorker(
	consumer *broker.Consumer,
	repo store.Repository,
	selection *service.SelectionEngine,
	claimer EventClaimer,
) *ClosureWorker {
	w := &ClosureWorker{
		consumer:  consumer,
		repo:      repo,
		selection: selection,
		claimer:   claimer,
		logger:    util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnClosureDue(w.handleClosureDue)
	eventHandler.OnFulfillmentFailed(w.handleFulfillmentFailed)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *ClosureWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting closure worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ClosureWorker) Stop() error {
	w.logger.Info("Stopping closure worker")
	return w.consumer.Close()
}

func (w *ClosureWorker) handleClosureDue(ctx context.Context, event *models.ClosureDueEvent) error {
	return w.once(ctx, event.BaseEvent, func() error {
		pool, err := w.repo.ListOpenOffers(ctx, event.ProductKey)
		if err != nil {
			return fmt.Errorf("failed to load offers for %s: %w", event.ProductKey, err)
		}
		var deadline time.Time
		if event.Deadline != nil {
			deadline = *event.Deadline
		}
		round, err := w.selection.ProcessClosureAt(ctx, event.ProductKey, deadline, pool)
		if err != nil {
			return err
		}
		w.logger.Info("Closure trigger processed",
			zap.String("event_id", event.EventID),
			zap.String("product_key", event.ProductKey.String()),
			zap.String("status", round.SelectionStatus))
		return nil
	})
}

func (w *ClosureWorker) handleFulfillmentFailed(ctx context.Context, event *models.FulfillmentFailedEvent) error {
	return w.once(ctx, event.BaseEvent, func() error {
		res, err := w.selection.HandleFulfillmentFailure(ctx, event.OfferID, event.Reason)
		if err != nil {
			return err
		}
		w.logger.Info("Fulfillment failure trigger processed",
			zap.String("event_id", event.EventID),
			zap.Int64("offer_id", event.OfferID),
			zap.Bool("promoted", res.Success))
		return nil
	})
}

// once runs fn unless another worker already claimed the event. A failed run drops the
// claim so the consumer's next attempt at the same message can run it again.
func (w *ClosureWorker) once(ctx context.Context, event models.BaseEvent, fn func() error) error {
	if w.claimer != nil && event.EventID != "" {
		ok, err := w.claimer.ClaimEvent(ctx, event.EventID, claimTTL)
		if err != nil {
			util.TriggerEventsTotal.WithLabelValues(event.EventType, "error").Inc()
			return fmt.Errorf("failed to claim event %s: %w", event.EventID, err)
		}
		if !ok {
			util.TriggerEventsTotal.WithLabelValues(event.EventType, "duplicate").Inc()
			w.logger.Info("Skipping duplicate trigger", zap.String("event_id", event.EventID))
			return nil
		}
	}

	if err := fn(); err != nil {
		util.TriggerEventsTotal.WithLabelValues(event.EventType, "error").Inc()
		if w.claimer != nil && event.EventID != "" {
			if rerr := w.claimer.ReleaseEvent(ctx, event.EventID); rerr != nil {
				w.logger.Error("Failed to release trigger claim",
					zap.String("event_id", event.EventID),
					zap.Error(rerr))
			}
		}
		return err
	}

	util.TriggerEventsTotal.WithLabelValues(event.EventType, "processed").Inc()
	return nil
}
