package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupbuy-service/internal/models"
	"groupbuy-service/internal/store"
)

var phones = models.ProductKey{Category: "phones", Name: "x1"}

func offer(id int64, price string, createdAt time.Time) models.Offer {
	return models.Offer{
		ID:         id,
		SellerID:   id * 100,
		ProductKey: phones,
		Price:      decimal.RequireFromString(price),
		CreatedAt:  createdAt,
	}
}

// scenarioPool is offers A..E with ids 1..5.
func scenarioPool() []models.Offer {
	return []models.Offer{
		offer(3, "1079", t0.Add(2*time.Minute)),
		offer(1, "999", t0),
		offer(5, "1129", t0.Add(4*time.Minute)),
		offer(2, "1049", t0.Add(time.Minute)),
		offer(4, "1099", t0.Add(3*time.Minute)),
	}
}

func TestRankOffersTieBreaks(t *testing.T) {
	pool := []models.Offer{
		offer(9, "100", t0.Add(time.Minute)),
		offer(7, "100", t0),
		offer(3, "100", t0.Add(time.Minute)),
		offer(8, "90", t0.Add(time.Hour)),
	}

	ranked := RankOffers(pool)

	ids := make([]int64, len(ranked))
	for i, o := range ranked {
		ids[i] = o.ID
	}
	assert.Equal(t, []int64{8, 7, 3, 9}, ids)
	assert.Equal(t, int64(9), pool[0].ID, "input must not be reordered")
}

func TestSelectOffersLimitsBackups(t *testing.T) {
	winner, backups := SelectOffers(scenarioPool(), 3)
	require.NotNil(t, winner)
	assert.Equal(t, int64(1), winner.ID)
	assert.Equal(t, models.BackupQueue{2, 3, 4}, backups)

	winner, backups = SelectOffers(scenarioPool()[:1], 3)
	assert.Equal(t, int64(3), winner.ID)
	assert.Empty(t, backups)

	winner, backups = SelectOffers(nil, 3)
	assert.Nil(t, winner)
	assert.Nil(t, backups)
}

func TestSelectOffersDeterministic(t *testing.T) {
	firstWinner, firstBackups := SelectOffers(scenarioPool(), 3)
	for i := 0; i < 20; i++ {
		pool := scenarioPool()
		// rotate the input so order of arrival differs
		pool = append(pool[i%len(pool):], pool[:i%len(pool)]...)
		winner, backups := SelectOffers(pool, 3)
		assert.Equal(t, firstWinner.ID, winner.ID)
		assert.Equal(t, firstBackups, backups)
	}
}

func TestProcessClosureAndFailoverChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, 1, models.KindPurchaseIntention, t0.Add(days(10)))
	f.create(t, 2, models.KindPurchaseIntention, t0.Add(days(10)))

	round, err := f.selection.ProcessClosure(ctx, phones, scenarioPool())
	require.NoError(t, err)
	require.NotNil(t, round.SelectedOfferID)
	assert.Equal(t, int64(1), *round.SelectedOfferID)
	assert.Equal(t, models.BackupQueue{2, 3, 4}, round.BackupOfferIDs)
	assert.Equal(t, models.SelectionStatusAutoSelected, round.SelectionStatus)
	assert.Equal(t, models.SelectionCriteriaLowestPrice, round.SelectionCriteria)
	assert.Equal(t, 2, round.TotalBuyers)
	require.Len(t, f.audit.selections, 1)

	steps := []struct {
		failed   int64
		selected int64
		price    string
		backups  models.BackupQueue
	}{
		{1, 2, "1049", models.BackupQueue{3, 4}},
		{2, 3, "1079", models.BackupQueue{4}},
		{3, 4, "1099", models.BackupQueue{}},
	}
	for _, s := range steps {
		res, err := f.selection.HandleFulfillmentFailure(ctx, s.failed, "seller cannot deliver")
		require.NoError(t, err)
		require.True(t, res.Success)
		require.NotNil(t, res.NextBestOffer)
		assert.Equal(t, s.selected, res.NextBestOffer.ID)
		assert.True(t, res.NextBestOffer.Price.Equal(decimal.RequireFromString(s.price)))
		assert.Equal(t, s.selected, *res.Round.SelectedOfferID)
		assert.Len(t, res.Round.BackupOfferIDs, len(s.backups))
		for i, id := range s.backups {
			assert.Equal(t, id, res.Round.BackupOfferIDs[i])
		}
		assert.Equal(t, models.OfferStatusFailed, res.FailedOffer.Status)
	}

	res, err := f.selection.HandleFulfillmentFailure(ctx, 4, "seller cannot deliver")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Nil(t, res.NextBestOffer)
	assert.Equal(t, models.SelectionStatusFailed, res.Round.SelectionStatus)

	failures, err := f.repo.ListFulfillmentFailures(ctx, round.ID)
	require.NoError(t, err)
	require.Len(t, failures, 4)
	assert.Equal(t, int64(1), failures[0].FailedOfferID)
	require.NotNil(t, failures[0].PromotedOfferID)
	assert.Equal(t, int64(2), *failures[0].PromotedOfferID)
	assert.Nil(t, failures[3].PromotedOfferID)
	assert.Len(t, f.audit.failovers, 4)
}

func TestFailoverOnFailedRoundIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.selection.ProcessClosure(ctx, phones, []models.Offer{offer(1, "999", t0)})
	require.NoError(t, err)

	res, err := f.selection.HandleFulfillmentFailure(ctx, 1, "no stock")
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = f.selection.HandleFulfillmentFailure(ctx, 1, "no stock")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.SelectionStatusFailed, res.Round.SelectionStatus)

	failures, err := f.repo.ListFulfillmentFailures(ctx, res.Round.ID)
	require.NoError(t, err)
	assert.Len(t, failures, 1)
	assert.Len(t, f.audit.failovers, 1)
}

func TestFailoverForUnknownOffer(t *testing.T) {
	f := newFixture(t)
	_, err := f.selection.HandleFulfillmentFailure(context.Background(), 42, "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestFailoverForBackupOfferIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.selection.ProcessClosure(ctx, phones, scenarioPool())
	require.NoError(t, err)

	_, err = f.selection.HandleFulfillmentFailure(ctx, 3, "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestProcessClosureEmptyPool(t *testing.T) {
	f := newFixture(t)

	round, err := f.selection.ProcessClosure(context.Background(), phones, nil)
	require.NoError(t, err)
	assert.Nil(t, round.SelectedOfferID)
	assert.Empty(t, round.BackupOfferIDs)
	assert.Equal(t, models.SelectionStatusManualReview, round.SelectionStatus)
}

func TestProcessClosureReplayReturnsStoredRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.selection.ProcessClosure(ctx, phones, scenarioPool())
	require.NoError(t, err)

	second, err := f.selection.ProcessClosure(ctx, phones, []models.Offer{offer(9, "1", t0)})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, *first.SelectedOfferID, *second.SelectedOfferID)
	assert.Equal(t, first.BackupOfferIDs, second.BackupOfferIDs)
	assert.Len(t, f.audit.selections, 1)
}

func TestProcessClosureMarksOfferStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.selection.ProcessClosure(ctx, phones, scenarioPool())
	require.NoError(t, err)

	want := map[int64]string{
		1: models.OfferStatusSelected,
		2: models.OfferStatusBackup,
		3: models.OfferStatusBackup,
		4: models.OfferStatusBackup,
		5: models.OfferStatusRejected,
	}
	open, err := f.repo.ListOpenOffers(ctx, phones)
	require.NoError(t, err)
	assert.Empty(t, open)
	for id, status := range want {
		err := f.repo.InTx(ctx, func(tx store.Tx) error {
			o, err := tx.GetOffer(ctx, id)
			if err != nil {
				return err
			}
			assert.Equal(t, status, o.Status, "offer %d", id)
			return nil
		})
		require.NoError(t, err)
	}
}

func TestProcessClosureRejectsForeignOffers(t *testing.T) {
	f := newFixture(t)
	pool := scenarioPool()
	pool[2].ProductKey = models.ProductKey{Category: "phones", Name: "x2"}

	_, err := f.selection.ProcessClosure(context.Background(), phones, pool)
	assert.ErrorIs(t, err, models.ErrInvariantViolation)

	dup := append(scenarioPool(), offer(1, "10", t0))
	_, err = f.selection.ProcessClosure(context.Background(), phones, dup)
	assert.ErrorIs(t, err, models.ErrInvariantViolation)
}

func TestProcessClosureUsesSubmittedOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, 11, 1, "500", t0)
	f.submit(t, 12, 2, "450", t0.Add(time.Minute))

	pool, err := f.repo.ListOpenOffers(ctx, phones)
	require.NoError(t, err)
	round, err := f.selection.ProcessClosure(ctx, phones, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(12), *round.SelectedOfferID)
	assert.Equal(t, models.BackupQueue{11}, round.BackupOfferIDs)

	err = f.selection.SubmitOffer(ctx, &models.Offer{
		ID: 13, SellerID: 3, ProductKey: phones, Price: decimal.NewFromInt(400),
	})
	assert.ErrorIs(t, err, models.ErrPolicyViolation)
}

func TestSubmitOfferValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.selection.SubmitOffer(ctx, &models.Offer{ID: 1, SellerID: 1, ProductKey: phones})
	assert.ErrorIs(t, err, models.ErrPolicyViolation)

	f.submit(t, 1, 1, "10", t0)
	err = f.selection.SubmitOffer(ctx, &models.Offer{ID: 1, SellerID: 1, ProductKey: phones, Price: decimal.NewFromInt(9)})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
}

func TestConfirmFulfillment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.selection.ProcessClosure(ctx, phones, scenarioPool())
	require.NoError(t, err)

	round, err := f.selection.ConfirmFulfillment(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SelectionStatusCompleted, round.SelectionStatus)

	_, err = f.selection.HandleFulfillmentFailure(ctx, 1, "late")
	assert.ErrorIs(t, err, models.ErrInvariantViolation)

	_, err = f.selection.ConfirmFulfillment(ctx, 1)
	assert.ErrorIs(t, err, models.ErrInvariantViolation)
}

func TestProcessClosureRejectsReusedOfferIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, 7, 70, "999", t0)

	tablets := models.ProductKey{Category: "tablets", Name: "t1"}
	_, err := f.selection.ProcessClosure(ctx, tablets, []models.Offer{
		{ID: 7, SellerID: 71, ProductKey: tablets, Price: decimal.NewFromInt(100)},
		{ID: 8, SellerID: 80, ProductKey: tablets, Price: decimal.NewFromInt(200)},
	})
	assert.ErrorIs(t, err, models.ErrInvariantViolation)

	_, err = f.selection.ProcessClosure(ctx, phones, []models.Offer{
		{ID: 7, SellerID: 71, ProductKey: phones, Price: decimal.NewFromInt(999)},
	})
	assert.ErrorIs(t, err, models.ErrInvariantViolation)

	_, err = f.selection.ProcessClosure(ctx, phones, []models.Offer{
		{ID: 7, SellerID: 70, ProductKey: phones, Price: decimal.NewFromInt(100)},
	})
	assert.ErrorIs(t, err, models.ErrInvariantViolation)

	err = f.repo.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetClosureRoundByProduct(ctx, tablets)
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = tx.GetOffer(ctx, 8)
		assert.ErrorIs(t, err, models.ErrNotFound)

		stored, err := tx.GetOffer(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, phones, stored.ProductKey)
		assert.Equal(t, int64(70), stored.SellerID)
		assert.Equal(t, models.OfferStatusActive, stored.Status)
		return nil
	})
	require.NoError(t, err)

	round, err := f.selection.ProcessClosure(ctx, phones, []models.Offer{
		{ID: 7, SellerID: 70, ProductKey: phones, Price: decimal.RequireFromString("999.00")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), *round.SelectedOfferID)

	res, err := f.selection.HandleFulfillmentFailure(ctx, 7, "no stock")
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.FailedOffer.SellerID)
}

func TestProcessClosureRecordsPoolDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deadline := t0.Add(-2 * time.Hour)

	round, err := f.selection.ProcessClosureAt(ctx, phones, deadline, scenarioPool())
	require.NoError(t, err)
	assert.Equal(t, deadline, round.Deadline)
	require.NotNil(t, round.ProcessedAt)
	assert.Equal(t, t0, *round.ProcessedAt)

	tablets := models.ProductKey{Category: "tablets", Name: "t1"}
	round, err = f.selection.ProcessClosure(ctx, tablets, nil)
	require.NoError(t, err)
	assert.Equal(t, t0, round.Deadline)
}

func TestConfirmFulfillmentCompletesCommitments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := f.create(t, 1, models.KindPurchaseIntention, t0.AddDate(0, 2, 0))
	withdrawn := f.create(t, 2, models.KindRFQ, t0.AddDate(0, 2, 0))
	res, err := f.cancel.Cancel(ctx, 2, withdrawn.ID, "budget cut")
	require.NoError(t, err)
	require.True(t, res.Success)

	_, err = f.selection.ProcessClosure(ctx, phones, scenarioPool())
	require.NoError(t, err)
	_, err = f.selection.ConfirmFulfillment(ctx, 1)
	require.NoError(t, err)

	got, err := f.repo.GetCommitment(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommitmentStatusCompleted, got.Status)

	got, err = f.repo.GetCommitment(ctx, withdrawn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommitmentStatusCancelled, got.Status)

	_, err = f.cancel.Cancel(ctx, 1, open.ID, "too late")
	assert.ErrorIs(t, err, models.ErrInvariantViolation)

	buyers, err := f.repo.CountBuyers(ctx, phones)
	require.NoError(t, err)
	assert.Zero(t, buyers)
}
