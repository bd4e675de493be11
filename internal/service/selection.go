package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"groupbuy-service/config"
	"groupbuy-service/internal/clock"
	"groupbuy-service/internal/models"
	"groupbuy-service/internal/store"
	"groupbuy-service/internal/util"
)

// SelectionEngine closes buyer pools by picking the cheapest offer and keeps the fallback chain.
type SelectionEngine struct {
	repo   store.Repository
	oracle BuyerPoolOracle
	audit  AuditSink
	clock  clock.Clock
	policy config.PolicyConfig
	logger *zap.Logger
}

// NewSelectionEngine creates a new selection engine
func NewSelectionEngine(
	repo store.Repository,
	oracle BuyerPoolOracle,
	audit AuditSink,
	clk clock.Clock,
	policy config.PolicyConfig,
) *SelectionEngine {
	return &SelectionEngine{
		repo:   repo,
		oracle: oracle,
		audit:  audit,
		clock:  clk,
		policy: policy,
		logger: util.GetLogger(),
	}
}

// FailoverResult is the outcome of a fulfillment failure. Success is false only when there
// was no backup left to promote.
type FailoverResult struct {
	Success       bool                 `json:"success"`
	NextBestOffer *models.Offer        `json:"next_best_offer"`
	FailedOffer   *models.Offer        `json:"failed_offer,omitempty"`
	Round         *models.ClosureRound `json:"round,omitempty"`
}

// RankOffers returns a copy of pool in selection order: price ascending, then earliest
// creation, then lowest id, so equal inputs always rank the same way.
func RankOffers(pool []models.Offer) []models.Offer {
	ranked := make([]models.Offer, len(pool))
	copy(ranked, pool)
	sort.SliceStable(ranked, func(i, j int) bool {
		if c := ranked[i].Price.Cmp(ranked[j].Price); c != 0 {
			return c < 0
		}
		if !ranked[i].CreatedAt.Equal(ranked[j].CreatedAt) {
			return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// SelectOffers ranks pool and returns the winner with up to limit backups in ranked order.
func SelectOffers(pool []models.Offer, limit int) (*models.Offer, models.BackupQueue) {
	ranked := RankOffers(pool)
	if len(ranked) == 0 {
		return nil, nil
	}
	winner := ranked[0]
	backups := models.BackupQueue{}
	for _, o := range ranked[1:] {
		if len(backups) >= limit {
			break
		}
		backups = append(backups, o.ID)
	}
	return &winner, backups
}

func validatePool(key models.ProductKey, pool []models.Offer) error {
	if key.IsZero() {
		return fmt.Errorf("%w: product key is required", models.ErrPolicyViolation)
	}
	seen := make(map[int64]bool, len(pool))
	for _, o := range pool {
		if o.ProductKey != key {
			return fmt.Errorf("%w: offer %d is for %s, not %s", models.ErrInvariantViolation, o.ID, o.ProductKey, key)
		}
		if seen[o.ID] {
			return fmt.Errorf("%w: offer %d appears twice in the pool", models.ErrInvariantViolation, o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

// matchStoredOffer rejects a pool entry that reuses the id of a different stored offer.
func matchStoredOffer(stored, o *models.Offer) error {
	switch {
	case stored.ProductKey != o.ProductKey:
		return fmt.Errorf("%w: offer %d is stored for %s, not %s", models.ErrInvariantViolation, o.ID, stored.ProductKey, o.ProductKey)
	case stored.SellerID != o.SellerID:
		return fmt.Errorf("%w: offer %d belongs to seller %d, not %d", models.ErrInvariantViolation, o.ID, stored.SellerID, o.SellerID)
	case !stored.Price.Equal(o.Price):
		return fmt.Errorf("%w: offer %d is stored at %s, not %s", models.ErrInvariantViolation, o.ID, stored.Price, o.Price)
	case stored.Status != models.OfferStatusActive:
		return fmt.Errorf("%w: offer %d is already %s", models.ErrInvariantViolation, o.ID, stored.Status)
	}
	return nil
}

// SubmitOffer enters an active offer into the product's pool. The pool closes with its round.
func (e *SelectionEngine) SubmitOffer(ctx context.Context, offer *models.Offer) error {
	ctx, span := util.StartSpan(ctx, "SelectionEngine.SubmitOffer",
		attribute.Int64("offer_id", offer.ID),
		attribute.String("product_key", offer.ProductKey.String()))
	defer span.End()

	switch {
	case offer.ID <= 0:
		return fmt.Errorf("%w: offer id is required", models.ErrPolicyViolation)
	case offer.SellerID <= 0:
		return fmt.Errorf("%w: seller id is required", models.ErrPolicyViolation)
	case offer.ProductKey.IsZero():
		return fmt.Errorf("%w: product key is required", models.ErrPolicyViolation)
	case !offer.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", models.ErrPolicyViolation)
	}

	err := e.repo.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetClosureRoundByProduct(ctx, offer.ProductKey); err == nil {
			return fmt.Errorf("%w: pool for %s is already closed", models.ErrPolicyViolation, offer.ProductKey)
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if _, err := tx.GetOffer(ctx, offer.ID); err == nil {
			return fmt.Errorf("%w: offer %d already exists", models.ErrConcurrencyConflict, offer.ID)
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		offer.Status = models.OfferStatusActive
		if offer.CreatedAt.IsZero() {
			offer.CreatedAt = e.clock.Now()
		}
		return tx.SaveOffers(ctx, []models.Offer{*offer})
	})
	if err != nil {
		util.RecordError(span, err)
		return err
	}

	e.logger.Info("Offer submitted",
		zap.Int64("offer_id", offer.ID),
		zap.Int64("seller_id", offer.SellerID),
		zap.String("product_key", offer.ProductKey.String()),
		zap.String("price", offer.Price.StringFixed(2)))
	return nil
}

// ProcessClosure closes a product's buyer pool as of now. See ProcessClosureAt.
func (e *SelectionEngine) ProcessClosure(ctx context.Context, key models.ProductKey, pool []models.Offer) (*models.ClosureRound, error) {
	return e.ProcessClosureAt(ctx, key, time.Time{}, pool)
}

// ProcessClosureAt selects the winning offer and backups for a product's buyer pool and
// persists the round with deadline as the pool's closing time; a zero deadline means now.
// A product that already has a round gets that round back unchanged.
func (e *SelectionEngine) ProcessClosureAt(ctx context.Context, key models.ProductKey, deadline time.Time, pool []models.Offer) (*models.ClosureRound, error) {
	ctx, span := util.StartSpan(ctx, "SelectionEngine.ProcessClosure",
		attribute.String("product_key", key.String()),
		attribute.Int("pool_size", len(pool)))
	defer span.End()
	defer observeLatency("process_closure", time.Now())

	if err := validatePool(key, pool); err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	totalBuyers, err := e.oracle.CountBuyers(ctx, key)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to count buyers for %s: %w", key, err)
	}

	var (
		round   *models.ClosureRound
		created bool
	)
	err = retryOnConflict(ctx, e.logger, "process_closure", func() error {
		return e.repo.InTx(ctx, func(tx store.Tx) error {
			var err error
			round, created, err = e.closeTx(ctx, tx, key, deadline, pool, totalBuyers)
			return err
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if !created {
		e.logger.Info("Closure already processed, returning stored round",
			zap.String("product_key", key.String()),
			zap.Int64("round_id", round.ID))
		return round, nil
	}

	util.ClosureRoundsTotal.WithLabelValues(round.SelectionStatus).Inc()
	e.logger.Info("Closure round processed",
		zap.String("product_key", key.String()),
		zap.Int64("round_id", round.ID),
		zap.String("status", round.SelectionStatus),
		zap.Int("backups", round.BackupOfferIDs.Len()),
		zap.Int("total_buyers", round.TotalBuyers))

	event := &models.SelectionMadeEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeSelectionMade,
			Timestamp: e.clock.Now(),
		},
		RoundID:         round.ID,
		ProductKey:      key,
		SelectedOfferID: round.SelectedOfferID,
		BackupOfferIDs:  round.BackupOfferIDs,
		SelectionStatus: round.SelectionStatus,
		TotalBuyers:     round.TotalBuyers,
	}
	if err := e.audit.PublishSelectionMade(ctx, event); err != nil {
		e.logger.Error("Failed to publish SelectionMade event", zap.Error(err))
	}

	return round, nil
}

func (e *SelectionEngine) closeTx(ctx context.Context, tx store.Tx, key models.ProductKey, deadline time.Time, pool []models.Offer, totalBuyers int) (*models.ClosureRound, bool, error) {
	existing, err := tx.GetClosureRoundByProduct(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, false, err
	}

	now := e.clock.Now()
	if deadline.IsZero() {
		deadline = now
	}

	entered := make([]models.Offer, len(pool))
	for i, o := range pool {
		stored, err := tx.GetOffer(ctx, o.ID)
		switch {
		case err == nil:
			if err := matchStoredOffer(stored, &o); err != nil {
				return nil, false, err
			}
			o = *stored
		case errors.Is(err, models.ErrNotFound):
			if o.CreatedAt.IsZero() {
				o.CreatedAt = now
			}
		default:
			return nil, false, err
		}
		o.Status = models.OfferStatusActive
		entered[i] = o
	}
	if err := tx.SaveOffers(ctx, entered); err != nil {
		return nil, false, err
	}

	round := &models.ClosureRound{
		ProductKey:        key,
		Deadline:          deadline,
		TotalBuyers:       totalBuyers,
		BackupOfferIDs:    models.BackupQueue{},
		SelectionStatus:   models.SelectionStatusManualReview,
		SelectionCriteria: models.SelectionCriteriaLowestPrice,
		ProcessedAt:       &now,
		CreatedAt:         now,
	}

	winner, backups := SelectOffers(entered, e.policy.BackupOfferLimit)
	if winner != nil {
		winnerID := winner.ID
		round.SelectedOfferID = &winnerID
		round.BackupOfferIDs = backups
		round.SelectionStatus = models.SelectionStatusAutoSelected
	}

	for _, o := range entered {
		status := models.OfferStatusRejected
		switch {
		case round.SelectedOfferID != nil && o.ID == *round.SelectedOfferID:
			status = models.OfferStatusSelected
		case round.BackupOfferIDs.Contains(o.ID):
			status = models.OfferStatusBackup
		}
		if err := tx.SetOfferStatus(ctx, o.ID, status); err != nil {
			return nil, false, err
		}
	}

	if err := tx.InsertClosureRound(ctx, round); err != nil {
		return nil, false, err
	}
	return round, true, nil
}

// HandleFulfillmentFailure replaces a winning offer whose seller cannot deliver with the next
// backup. With no backup left the round is marked failed and Success is false.
func (e *SelectionEngine) HandleFulfillmentFailure(ctx context.Context, selectedOfferID int64, reason string) (*FailoverResult, error) {
	ctx, span := util.StartSpan(ctx, "SelectionEngine.HandleFulfillmentFailure",
		attribute.Int64("offer_id", selectedOfferID))
	defer span.End()
	defer observeLatency("fulfillment_failure", time.Now())

	var (
		result  *FailoverResult
		changed bool
	)
	err := retryOnConflict(ctx, e.logger, "fulfillment_failure", func() error {
		return e.repo.InTx(ctx, func(tx store.Tx) error {
			var err error
			result, changed, err = e.failoverTx(ctx, tx, selectedOfferID, reason)
			return err
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	outcome := "promoted"
	if !result.Success {
		outcome = "exhausted"
	}
	if !changed {
		e.logger.Info("Fulfillment failure on an already failed round",
			zap.Int64("offer_id", selectedOfferID),
			zap.Int64("round_id", result.Round.ID))
		return result, nil
	}
	util.FailoversTotal.WithLabelValues(outcome).Inc()

	var promoted *int64
	if result.NextBestOffer != nil {
		promoted = &result.NextBestOffer.ID
	}
	e.logger.Warn("Fulfillment failure handled",
		zap.Int64("round_id", result.Round.ID),
		zap.Int64("failed_offer_id", selectedOfferID),
		zap.Int64("failed_seller_id", result.FailedOffer.SellerID),
		zap.String("outcome", outcome),
		zap.String("reason", reason))

	event := &models.FailoverTriggeredEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeFailoverTriggered,
			Timestamp: e.clock.Now(),
		},
		RoundID:         result.Round.ID,
		ProductKey:      result.Round.ProductKey,
		FailedOfferID:   selectedOfferID,
		FailedSellerID:  result.FailedOffer.SellerID,
		PromotedOfferID: promoted,
		RemainingBackup: result.Round.BackupOfferIDs,
		Reason:          reason,
	}
	if err := e.audit.PublishFailoverTriggered(ctx, event); err != nil {
		e.logger.Error("Failed to publish FailoverTriggered event", zap.Error(err))
	}

	return result, nil
}

func (e *SelectionEngine) failoverTx(ctx context.Context, tx store.Tx, selectedOfferID int64, reason string) (*FailoverResult, bool, error) {
	now := e.clock.Now()

	round, err := tx.GetClosureRoundBySelectedOffer(ctx, selectedOfferID)
	if err != nil {
		return nil, false, err
	}

	switch round.SelectionStatus {
	case models.SelectionStatusFailed:
		return &FailoverResult{Round: round}, false, nil
	case models.SelectionStatusAutoSelected:
	default:
		return nil, false, fmt.Errorf("%w: round %d is %s", models.ErrInvariantViolation, round.ID, round.SelectionStatus)
	}

	failed, err := tx.GetOffer(ctx, selectedOfferID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.SetOfferStatus(ctx, failed.ID, models.OfferStatusFailed); err != nil {
		return nil, false, err
	}
	failed.Status = models.OfferStatusFailed

	record := &models.FulfillmentFailure{
		RoundID:        round.ID,
		FailedOfferID:  failed.ID,
		FailedSellerID: failed.SellerID,
		Reason:         reason,
		CreatedAt:      now,
	}
	result := &FailoverResult{FailedOffer: failed, Round: round}

	nextID, ok := round.BackupOfferIDs.PopFront()
	if !ok {
		round.SelectionStatus = models.SelectionStatusFailed
	} else {
		next, err := tx.GetOffer(ctx, nextID)
		if err != nil {
			return nil, false, err
		}
		if err := tx.SetOfferStatus(ctx, nextID, models.OfferStatusSelected); err != nil {
			return nil, false, err
		}
		next.Status = models.OfferStatusSelected

		round.SelectedOfferID = &nextID
		round.SelectionStatus = models.SelectionStatusAutoSelected
		record.PromotedOfferID = &nextID
		result.Success = true
		result.NextBestOffer = next
	}
	round.ProcessedAt = &now

	if err := tx.UpdateClosureRound(ctx, round); err != nil {
		return nil, false, err
	}
	if err := tx.InsertFulfillmentFailure(ctx, record); err != nil {
		return nil, false, fmt.Errorf("failed to record fulfillment failure: %w", err)
	}
	return result, true, nil
}

// ConfirmFulfillment closes a round whose selected seller delivered and completes the
// product's open commitments with it.
func (e *SelectionEngine) ConfirmFulfillment(ctx context.Context, selectedOfferID int64) (*models.ClosureRound, error) {
	ctx, span := util.StartSpan(ctx, "SelectionEngine.ConfirmFulfillment",
		attribute.Int64("offer_id", selectedOfferID))
	defer span.End()

	var (
		round     *models.ClosureRound
		completed int
	)
	err := retryOnConflict(ctx, e.logger, "confirm_fulfillment", func() error {
		return e.repo.InTx(ctx, func(tx store.Tx) error {
			r, err := tx.GetClosureRoundBySelectedOffer(ctx, selectedOfferID)
			if err != nil {
				return err
			}
			if r.SelectionStatus != models.SelectionStatusAutoSelected {
				return fmt.Errorf("%w: round %d is %s", models.ErrInvariantViolation, r.ID, r.SelectionStatus)
			}
			r.SelectionStatus = models.SelectionStatusCompleted
			if err := tx.UpdateClosureRound(ctx, r); err != nil {
				return err
			}
			if err := tx.SetOfferStatus(ctx, selectedOfferID, models.OfferStatusFulfilled); err != nil {
				return err
			}
			n, err := tx.CompleteOpenCommitments(ctx, r.ProductKey, e.clock.Now())
			if err != nil {
				return err
			}
			round, completed = r, n
			return nil
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.ClosureRoundsTotal.WithLabelValues(round.SelectionStatus).Inc()
	e.logger.Info("Closure round completed",
		zap.Int64("round_id", round.ID),
		zap.Int64("offer_id", selectedOfferID),
		zap.Int("commitments_completed", completed))
	return round, nil
}
