package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"groupbuy-service/internal/models"
)

const (
	commitmentColumns = `id, actor_id, kind, product_category, product_name, target_price, quantity,
		deadline, original_date, cancellation_deadline, status, days_advanced,
		advancement_bonus_percent, version, created_at, updated_at`

	actorRecordColumns = `actor_id, monthly_cancellations, monthly_rfq_cancellations, last_reset_at,
		account_status, suspension_until, suspension_reason, version`

	offerColumns = `id, seller_id, product_category, product_name, price, reliability, status, created_at`

	roundColumns = `id, product_category, product_name, deadline, total_buyers, selected_offer_id,
		backup_offer_ids, selection_status, selection_criteria, processed_at, version, created_at`
)

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func getCommitment(ctx context.Context, q sqlx.QueryerContext, id int64, forUpdate bool) (*models.Commitment, error) {
	var c models.Commitment
	err := sqlx.GetContext(ctx, q, &c,
		"SELECT "+commitmentColumns+" FROM commitments WHERE id = $1"+lockClause(forUpdate), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commitment %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func getActorRecord(ctx context.Context, q sqlx.QueryerContext, actorID int64, forUpdate bool) (*models.ActorRecord, error) {
	var r models.ActorRecord
	err := sqlx.GetContext(ctx, q, &r,
		"SELECT "+actorRecordColumns+" FROM actor_cancellation_records WHERE actor_id = $1"+lockClause(forUpdate), actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// pgTx implements Tx on a single database transaction.
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetCommitment(ctx context.Context, id int64) (*models.Commitment, error) {
	return getCommitment(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateCommitment(ctx context.Context, c *models.Commitment) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE commitments
		SET deadline = $1, original_date = $2, cancellation_deadline = $3, status = $4,
			days_advanced = $5, advancement_bonus_percent = $6, updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		c.Deadline, c.OriginalDate, c.CancellationDeadline, c.Status,
		c.DaysAdvanced, c.AdvancementBonusPercent, c.UpdatedAt, c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update commitment %d: %w", c.ID, err)
	}
	if err := expectOneRow(res, "commitment", c.ID); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (t *pgTx) CompleteOpenCommitments(ctx context.Context, key models.ProductKey, at time.Time) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE commitments
		SET status = $1, updated_at = $2, version = version + 1
		WHERE product_category = $3 AND product_name = $4 AND status IN ($5, $6)`,
		models.CommitmentStatusCompleted, at, key.Category, key.Name,
		models.CommitmentStatusActive, models.CommitmentStatusAdvanced)
	if err != nil {
		return 0, fmt.Errorf("failed to complete commitments for %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (t *pgTx) GetActorRecord(ctx context.Context, actorID int64) (*models.ActorRecord, error) {
	return getActorRecord(ctx, t.tx, actorID, true)
}

// SaveActorRecord inserts a record with Version 0 or updates one whose version still matches.
func (t *pgTx) SaveActorRecord(ctx context.Context, r *models.ActorRecord) error {
	var (
		res sql.Result
		err error
	)
	if r.Version == 0 {
		res, err = t.tx.ExecContext(ctx, `
			INSERT INTO actor_cancellation_records (actor_id, monthly_cancellations, monthly_rfq_cancellations,
				last_reset_at, account_status, suspension_until, suspension_reason, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			ON CONFLICT (actor_id) DO NOTHING`,
			r.ActorID, r.MonthlyCancellations, r.MonthlyRfqCancellations,
			r.LastResetAt, r.AccountStatus, r.SuspensionUntil, r.SuspensionReason)
	} else {
		res, err = t.tx.ExecContext(ctx, `
			UPDATE actor_cancellation_records
			SET monthly_cancellations = $1, monthly_rfq_cancellations = $2, last_reset_at = $3,
				account_status = $4, suspension_until = $5, suspension_reason = $6, version = version + 1
			WHERE actor_id = $7 AND version = $8`,
			r.MonthlyCancellations, r.MonthlyRfqCancellations, r.LastResetAt,
			r.AccountStatus, r.SuspensionUntil, r.SuspensionReason, r.ActorID, r.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to save actor record %d: %w", r.ActorID, err)
	}
	if err := expectOneRow(res, "actor record", r.ActorID); err != nil {
		return err
	}
	r.Version++
	return nil
}

func (t *pgTx) InsertCancellationEvent(ctx context.Context, e *models.CancellationEvent) error {
	query := `
		INSERT INTO cancellation_events (actor_id, commitment_id, reason, hours_before_deadline,
			penalty_applied, compensation_required, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	return t.tx.GetContext(ctx, &e.ID, query,
		e.ActorID, e.CommitmentID, e.Reason, e.HoursBeforeDeadline,
		e.PenaltyApplied, e.CompensationRequired, e.CreatedAt)
}

func (t *pgTx) InsertAdvancementReward(ctx context.Context, r *models.AdvancementReward) error {
	query := `
		INSERT INTO advancement_rewards (actor_id, commitment_id, counterpart_id, original_date, new_date,
			days_advanced, bonus_discount_percent, counterpart_incentive_percent, cost_savings,
			business_priority, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	return t.tx.GetContext(ctx, &r.ID, query,
		r.ActorID, r.CommitmentID, r.CounterpartID, r.OriginalDate, r.NewDate,
		r.DaysAdvanced, r.BonusDiscountPercent, r.CounterpartIncentivePercent, r.CostSavings,
		r.BusinessPriority, r.Status, r.CreatedAt)
}

// FindCounterpart prefers the seller currently selected for the product, then the cheapest open offer.
func (t *pgTx) FindCounterpart(ctx context.Context, key models.ProductKey) (*models.Offer, error) {
	var o models.Offer
	err := t.tx.GetContext(ctx, &o,
		`SELECT `+offerColumns+` FROM offers
		WHERE product_category = $1 AND product_name = $2 AND status IN ($3, $4, $5)
		ORDER BY (status = $3) DESC, price, created_at, id
		LIMIT 1`,
		key.Category, key.Name, models.OfferStatusSelected, models.OfferStatusActive, models.OfferStatusBackup)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *pgTx) SaveOffers(ctx context.Context, offers []models.Offer) error {
	for _, o := range offers {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO offers (id, seller_id, product_category, product_name, price, reliability, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			o.ID, o.SellerID, o.Category, o.Name, o.Price, o.Reliability, o.Status, o.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save offer %d: %w", o.ID, err)
		}
	}
	return nil
}

func (t *pgTx) GetOffer(ctx context.Context, id int64) (*models.Offer, error) {
	var o models.Offer
	err := t.tx.GetContext(ctx, &o, "SELECT "+offerColumns+" FROM offers WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offer %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *pgTx) SetOfferStatus(ctx context.Context, id int64, status string) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE offers SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("failed to update offer %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("offer %d: %w", id, models.ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetClosureRoundByProduct(ctx context.Context, key models.ProductKey) (*models.ClosureRound, error) {
	return t.getRound(ctx, "product_category = $1 AND product_name = $2", key.Category, key.Name)
}

func (t *pgTx) GetClosureRoundBySelectedOffer(ctx context.Context, offerID int64) (*models.ClosureRound, error) {
	return t.getRound(ctx, "selected_offer_id = $1", offerID)
}

func (t *pgTx) getRound(ctx context.Context, where string, args ...interface{}) (*models.ClosureRound, error) {
	var r models.ClosureRound
	err := t.tx.GetContext(ctx, &r,
		"SELECT "+roundColumns+" FROM closure_rounds WHERE "+where+" FOR UPDATE", args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("closure round: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) InsertClosureRound(ctx context.Context, r *models.ClosureRound) error {
	query := `
		INSERT INTO closure_rounds (product_category, product_name, deadline, total_buyers, selected_offer_id,
			backup_offer_ids, selection_status, selection_criteria, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, version`

	err := t.tx.QueryRowxContext(ctx, query,
		r.Category, r.Name, r.Deadline, r.TotalBuyers, r.SelectedOfferID,
		r.BackupOfferIDs, r.SelectionStatus, r.SelectionCriteria, r.ProcessedAt, r.CreatedAt,
	).Scan(&r.ID, &r.Version)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: closure round for %s already exists", models.ErrConcurrencyConflict, r.ProductKey)
	}
	return err
}

func (t *pgTx) UpdateClosureRound(ctx context.Context, r *models.ClosureRound) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE closure_rounds
		SET selected_offer_id = $1, backup_offer_ids = $2, selection_status = $3, processed_at = $4,
			version = version + 1
		WHERE id = $5 AND version = $6`,
		r.SelectedOfferID, r.BackupOfferIDs, r.SelectionStatus, r.ProcessedAt, r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("failed to update closure round %d: %w", r.ID, err)
	}
	if err := expectOneRow(res, "closure round", r.ID); err != nil {
		return err
	}
	r.Version++
	return nil
}

func (t *pgTx) InsertFulfillmentFailure(ctx context.Context, f *models.FulfillmentFailure) error {
	query := `
		INSERT INTO fulfillment_failures (round_id, failed_offer_id, failed_seller_id, promoted_offer_id,
			reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	return t.tx.GetContext(ctx, &f.ID, query,
		f.RoundID, f.FailedOfferID, f.FailedSellerID, f.PromotedOfferID, f.Reason, f.CreatedAt)
}

// expectOneRow turns a zero-row optimistic write into a concurrency conflict.
func expectOneRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d changed concurrently", models.ErrConcurrencyConflict, what, id)
	}
	return nil
}
