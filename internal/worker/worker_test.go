package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"groupbuy-service/config"
	"groupbuy-service/internal/clock"
	"groupbuy-service/internal/models"
	"groupbuy-service/internal/service"
	"groupbuy-service/internal/store/memory"
	"groupbuy-service/internal/util"
)

type nopAudit struct{}

func (nopAudit) PublishCancellationRecorded(context.Context, *models.CancellationRecordedEvent) error {
	return nil
}
func (nopAudit) PublishAdvancementRecorded(context.Context, *models.AdvancementRecordedEvent) error {
	return nil
}
func (nopAudit) PublishSelectionMade(context.Context, *models.SelectionMadeEvent) error { return nil }
func (nopAudit) PublishFailoverTriggered(context.Context, *models.FailoverTriggeredEvent) error {
	return nil
}

type mapClaimer struct {
	mu      sync.Mutex
	claimed map[string]bool
	err     error
}

func (c *mapClaimer) ClaimEvent(_ context.Context, id string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if c.claimed[id] {
		return false, nil
	}
	c.claimed[id] = true
	return true, nil
}

func (c *mapClaimer) ReleaseEvent(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claimed, id)
	return nil
}

var phones = models.ProductKey{Category: "phones", Name: "x1"}

func setup(t *testing.T, claimer EventClaimer) (*ClosureWorker, *memory.Store, *service.SelectionEngine) {
	t.Helper()
	util.SetLogger(zap.NewNop())

	repo := memory.New()
	clk := clock.NewManual(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	selection := service.NewSelectionEngine(repo, repo, nopAudit{}, clk, config.DefaultPolicy())

	for i, price := range []int64{1200, 1100, 1300} {
		o := &models.Offer{
			ID:         int64(i + 1),
			SellerID:   int64(100 + i),
			ProductKey: phones,
			Price:      decimal.NewFromInt(price),
		}
		require.NoError(t, selection.SubmitOffer(context.Background(), o))
	}

	return NewClosureWorker(nil, repo, selection, claimer), repo, selection
}

func trigger(t *testing.T, event interface{}) kafka.Message {
	t.Helper()
	b, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func closureDue(id string) models.ClosureDueEvent {
	return models.ClosureDueEvent{
		BaseEvent:  models.BaseEvent{EventID: id, EventType: models.EventTypeClosureDue},
		ProductKey: phones,
	}
}

func TestClosureDueRunsSelection(t *testing.T) {
	w, repo, _ := setup(t, nil)
	ctx := context.Background()

	require.NoError(t, w.eventHandler.HandleMessage(ctx, trigger(t, closureDue("e1"))))

	open, err := repo.ListOpenOffers(ctx, phones)
	require.NoError(t, err)
	assert.Empty(t, open)

	res, err := w.selection.HandleFulfillmentFailure(ctx, 2, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), res.NextBestOffer.ID)
}

func TestClosureDueUsesTriggerDeadline(t *testing.T) {
	w, _, _ := setup(t, nil)
	ctx := context.Background()
	deadline := time.Date(2024, 5, 31, 18, 0, 0, 0, time.UTC)

	event := closureDue("e1")
	event.Deadline = &deadline
	require.NoError(t, w.eventHandler.HandleMessage(ctx, trigger(t, event)))

	round, err := w.selection.ConfirmFulfillment(ctx, 2)
	require.NoError(t, err)
	assert.True(t, deadline.Equal(round.Deadline), "deadline %s", round.Deadline)
}

func TestFulfillmentFailedPromotesBackup(t *testing.T) {
	w, _, _ := setup(t, nil)
	ctx := context.Background()
	require.NoError(t, w.eventHandler.HandleMessage(ctx, trigger(t, closureDue("e1"))))

	require.NoError(t, w.eventHandler.HandleMessage(ctx, trigger(t, models.FulfillmentFailedEvent{
		BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypeFulfillmentFailed},
		OfferID:   2,
		Reason:    "no stock",
	})))

	round, err := w.selection.ConfirmFulfillment(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BackupQueue{3}, round.BackupOfferIDs)
}

func TestDuplicateTriggerIsSkipped(t *testing.T) {
	claimer := &mapClaimer{claimed: map[string]bool{}}
	w, _, _ := setup(t, claimer)
	ctx := context.Background()
	require.NoError(t, w.eventHandler.HandleMessage(ctx, trigger(t, closureDue("e1"))))

	failed := models.FulfillmentFailedEvent{
		BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypeFulfillmentFailed},
		OfferID:   2,
	}
	require.NoError(t, w.eventHandler.HandleMessage(ctx, trigger(t, failed)))
	require.NoError(t, w.eventHandler.HandleMessage(ctx, trigger(t, failed)))

	// offer 1 was promoted once; a second promotion would have moved the round to offer 3
	round, err := w.selection.ConfirmFulfillment(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BackupQueue{3}, round.BackupOfferIDs)
}

func TestFailedTriggerReleasesClaim(t *testing.T) {
	claimer := &mapClaimer{claimed: map[string]bool{}}
	w, _, _ := setup(t, claimer)
	ctx := context.Background()

	err := w.eventHandler.HandleMessage(ctx, trigger(t, models.FulfillmentFailedEvent{
		BaseEvent: models.BaseEvent{EventID: "e9", EventType: models.EventTypeFulfillmentFailed},
		OfferID:   99,
	}))
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, claimer.claimed["e9"])
}

func TestClaimErrorIsReturned(t *testing.T) {
	boom := errors.New("redis down")
	w, repo, _ := setup(t, &mapClaimer{claimed: map[string]bool{}, err: boom})
	ctx := context.Background()

	err := w.eventHandler.HandleMessage(ctx, trigger(t, closureDue("e1")))
	assert.ErrorIs(t, err, boom)

	open, err := repo.ListOpenOffers(ctx, phones)
	require.NoError(t, err)
	assert.Len(t, open, 3)
}
