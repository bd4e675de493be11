package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"groupbuy-service/config"
	"groupbuy-service/internal/models"
	"groupbuy-service/internal/util"
)

// AuditSink receives the structured events the engine emits after each committed transition.
type AuditSink interface {
	PublishCancellationRecorded(ctx context.Context, event *models.CancellationRecordedEvent) error
	PublishAdvancementRecorded(ctx context.Context, event *models.AdvancementRecordedEvent) error
	PublishSelectionMade(ctx context.Context, event *models.SelectionMadeEvent) error
	PublishFailoverTriggered(ctx context.Context, event *models.FailoverTriggeredEvent) error
}

// ActorLocker serializes updates to one actor's cancellation record.
type ActorLocker interface {
	LockActor(ctx context.Context, actorID int64) (release func(context.Context) error, err error)
}

// BuyerPoolOracle reports the size of a product's buyer pool.
type BuyerPoolOracle interface {
	CountBuyers(ctx context.Context, key models.ProductKey) (int, error)
}

// LocalLocker is an in-process ActorLocker for single-instance deployments and tests.
// A slot lives only while some caller holds or waits for it.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[int64]*actorSlot
}

type actorSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[int64]*actorSlot)}
}

func (l *LocalLocker) LockActor(ctx context.Context, actorID int64) (func(context.Context) error, error) {
	l.mu.Lock()
	slot, ok := l.slots[actorID]
	if !ok {
		slot = &actorSlot{ch: make(chan struct{}, 1)}
		l.slots[actorID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func(context.Context) error {
			once.Do(func() {
				<-slot.ch
				l.unref(actorID, slot)
			})
			return nil
		}, nil
	case <-ctx.Done():
		l.unref(actorID, slot)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) unref(actorID int64, slot *actorSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, actorID)
	}
}

// retryOnConflict runs fn and re-runs it once if it failed with a concurrency conflict.
// fn must re-read and re-validate everything it depends on.
func retryOnConflict(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	err := fn()
	if !errors.Is(err, models.ErrConcurrencyConflict) {
		return err
	}

	util.ConcurrencyConflictsTotal.WithLabelValues(op).Inc()
	logger.Warn("Concurrency conflict, retrying once",
		zap.String("operation", op),
		zap.Error(err))

	if ctx.Err() != nil {
		return err
	}

	err = fn()
	if errors.Is(err, models.ErrConcurrencyConflict) {
		util.ConcurrencyConflictsTotal.WithLabelValues(op).Inc()
	}
	return err
}

func observeLatency(op string, start time.Time) {
	util.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// hoursUntil returns the whole hours from now to t, rounded down.
func hoursUntil(t, now time.Time) int {
	return int(math.Floor(t.Sub(now).Hours()))
}

// daysBetween returns the whole days from earlier to later, rounded down.
func daysBetween(earlier, later time.Time) int {
	return int(math.Floor(later.Sub(earlier).Hours() / 24))
}

func cancelMarginHours(p config.PolicyConfig, class models.ActorClass) int {
	if class == models.ActorClassBusiness {
		return p.BusinessCancelMarginHours
	}
	return p.ConsumerCancelMarginHours
}

// cancellationDeadline is the last instant at which the commitment may still be withdrawn.
func cancellationDeadline(p config.PolicyConfig, class models.ActorClass, deadline time.Time) time.Time {
	return deadline.Add(-time.Duration(cancelMarginHours(p, class)) * time.Hour)
}
