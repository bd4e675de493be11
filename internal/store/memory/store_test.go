package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupbuy-service/internal/models"
	"groupbuy-service/internal/store"
)

var (
	laptop = models.ProductKey{Category: "electronics", Name: "laptop"}
	t0     = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
)

func newCommitment(t *testing.T, s *Store) *models.Commitment {
	t.Helper()
	c := &models.Commitment{
		ActorID:     1,
		Kind:        models.KindPurchaseIntention,
		ProductKey:  laptop,
		TargetPrice: decimal.NewFromInt(1000),
		Quantity:    1,
		Deadline:    t0.AddDate(0, 2, 0),
		Status:      models.CommitmentStatusActive,
		CreatedAt:   t0,
	}
	require.NoError(t, s.CreateCommitment(context.Background(), c))
	return c
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	c := newCommitment(t, s)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetCommitment(ctx, c.ID)
		require.NoError(t, err)
		got.Status = models.CommitmentStatusCancelled
		require.NoError(t, tx.UpdateCommitment(ctx, got))
		require.NoError(t, tx.InsertCancellationEvent(ctx, &models.CancellationEvent{ActorID: 1, CommitmentID: c.ID}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetCommitment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommitmentStatusActive, got.Status)
	assert.Equal(t, int64(1), got.Version)

	events, err := s.ListCancellationEvents(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestUpdateCommitmentVersionCheck(t *testing.T) {
	s := New()
	ctx := context.Background()
	c := newCommitment(t, s)

	stale := *c
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdateCommitment(ctx, c)
	}))
	assert.Equal(t, int64(2), c.Version)

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdateCommitment(ctx, &stale)
	})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
}

func TestSaveActorRecordInsertThenUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()

	r := models.NewActorRecord(9, t0)
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.SaveActorRecord(ctx, r)
	}))

	dup := models.NewActorRecord(9, t0)
	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.SaveActorRecord(ctx, dup)
	})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)

	r.MonthlyCancellations = 2
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.SaveActorRecord(ctx, r)
	}))

	got, err := s.GetActorRecord(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MonthlyCancellations)
	assert.Equal(t, int64(2), got.Version)
}

func TestClosureRoundUniquePerProduct(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertClosureRound(ctx, &models.ClosureRound{ProductKey: laptop})
	}))
	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertClosureRound(ctx, &models.ClosureRound{ProductKey: laptop})
	})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
}

func TestFindCounterpartPrefersSelected(t *testing.T) {
	s := New()
	ctx := context.Background()

	offers := []models.Offer{
		{ID: 1, SellerID: 11, ProductKey: laptop, Price: decimal.NewFromInt(900), Status: models.OfferStatusActive, CreatedAt: t0},
		{ID: 2, SellerID: 12, ProductKey: laptop, Price: decimal.NewFromInt(950), Status: models.OfferStatusSelected, CreatedAt: t0},
		{ID: 3, SellerID: 13, ProductKey: laptop, Price: decimal.NewFromInt(800), Status: models.OfferStatusFailed, CreatedAt: t0},
	}

	var got *models.Offer
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.SaveOffers(ctx, offers); err != nil {
			return err
		}
		var err error
		got, err = tx.FindCounterpart(ctx, laptop)
		return err
	}))
	require.NotNil(t, got)
	assert.Equal(t, int64(12), got.SellerID)

	open, err := s.ListOpenOffers(ctx, laptop)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(1), open[0].ID)
}

func TestCountBuyers(t *testing.T) {
	s := New()
	ctx := context.Background()
	newCommitment(t, s)
	c := newCommitment(t, s)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetCommitment(ctx, c.ID)
		if err != nil {
			return err
		}
		got.Status = models.CommitmentStatusCancelled
		return tx.UpdateCommitment(ctx, got)
	}))

	n, err := s.CountBuyers(ctx, laptop)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCompleteOpenCommitments(t *testing.T) {
	s := New()
	ctx := context.Background()
	open := newCommitment(t, s)
	cancelled := newCommitment(t, s)
	other := &models.Commitment{
		ActorID:     2,
		Kind:        models.KindRFQ,
		ProductKey:  models.ProductKey{Category: "electronics", Name: "tablet"},
		TargetPrice: decimal.NewFromInt(500),
		Quantity:    1,
		Deadline:    t0.AddDate(0, 2, 0),
		Status:      models.CommitmentStatusActive,
		CreatedAt:   t0,
	}
	require.NoError(t, s.CreateCommitment(ctx, other))

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		cancelled.Status = models.CommitmentStatusCancelled
		return tx.UpdateCommitment(ctx, cancelled)
	}))

	var n int
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.CompleteOpenCommitments(ctx, laptop, t0.Add(time.Hour))
		return err
	}))
	assert.Equal(t, 1, n)

	got, err := s.GetCommitment(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommitmentStatusCompleted, got.Status)
	assert.Equal(t, open.Version+1, got.Version)

	got, err = s.GetCommitment(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommitmentStatusCancelled, got.Status)

	got, err = s.GetCommitment(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommitmentStatusActive, got.Status)
}
