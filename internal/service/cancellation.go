package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"groupbuy-service/config"
	"groupbuy-service/internal/clock"
	"groupbuy-service/internal/models"
	"groupbuy-service/internal/store"
	"groupbuy-service/internal/util"
)

// CancellationPolicy decides when commitments may be withdrawn and tracks monthly limits.
type CancellationPolicy struct {
	repo   store.Repository
	locker ActorLocker
	audit  AuditSink
	clock  clock.Clock
	policy config.PolicyConfig
	logger *zap.Logger
}

// NewCancellationPolicy creates a new cancellation policy
func NewCancellationPolicy(
	repo store.Repository,
	locker ActorLocker,
	audit AuditSink,
	clk clock.Clock,
	policy config.PolicyConfig,
) *CancellationPolicy {
	return &CancellationPolicy{
		repo:   repo,
		locker: locker,
		audit:  audit,
		clock:  clk,
		policy: policy,
		logger: util.GetLogger(),
	}
}

// CancelCheck is the outcome of an eligibility check.
type CancelCheck struct {
	Allowed         bool   `json:"allowed"`
	HoursToDeadline int    `json:"hours_to_deadline"`
	Reason          string `json:"reason,omitempty"`
}

// CancelResult is the outcome of a cancellation request. A declined request has Success
// false and a Reason; nothing was written for it.
type CancelResult struct {
	Success              bool                `json:"success"`
	PenaltyApplied       bool                `json:"penalty_applied"`
	CompensationRequired decimal.NullDecimal `json:"compensation_required"`
	HoursBeforeDeadline  int                 `json:"hours_before_deadline"`
	AccountStatus        string              `json:"account_status,omitempty"`
	SuspensionUntil      *time.Time          `json:"suspension_until,omitempty"`
	Reason               string              `json:"reason,omitempty"`
}

// CanCancel reports whether the commitment may be cancelled now. It has no side effects.
func (p *CancellationPolicy) CanCancel(ctx context.Context, commitmentID int64) (*CancelCheck, error) {
	ctx, span := util.StartSpan(ctx, "CancellationPolicy.CanCancel",
		attribute.Int64("commitment_id", commitmentID))
	defer span.End()

	c, err := p.repo.GetCommitment(ctx, commitmentID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return p.evaluate(c, p.clock.Now()), nil
}

func (p *CancellationPolicy) evaluate(c *models.Commitment, now time.Time) *CancelCheck {
	check := &CancelCheck{HoursToDeadline: hoursUntil(c.Deadline, now)}
	margin := cancelMarginHours(p.policy, c.Class())

	switch {
	case !c.IsOpen():
		check.Reason = fmt.Sprintf("commitment is %s", c.Status)
	case check.HoursToDeadline <= margin:
		check.Reason = fmt.Sprintf("cancellation closes %d hours before the deadline (%d hours left)",
			margin, check.HoursToDeadline)
	default:
		check.Allowed = true
	}
	return check
}

// Compensation returns the supplier-protection charge for withdrawing c with hoursLeft hours
// to go. Consumer commitments never carry one; business ones carry zero outside the window.
func (p *CancellationPolicy) Compensation(c *models.Commitment, hoursLeft int) decimal.NullDecimal {
	if c.Class() != models.ActorClassBusiness {
		return decimal.NullDecimal{}
	}
	if hoursLeft >= p.policy.CompensationWindowHours {
		return decimal.NewNullDecimal(decimal.Zero)
	}
	return decimal.NewNullDecimal(c.TargetPrice.Mul(p.policy.CompensationRate).Round(2))
}

// Cancel withdraws a commitment on behalf of actorID and updates the actor's monthly record.
func (p *CancellationPolicy) Cancel(ctx context.Context, actorID, commitmentID int64, reason string) (*CancelResult, error) {
	ctx, span := util.StartSpan(ctx, "CancellationPolicy.Cancel",
		attribute.Int64("actor_id", actorID),
		attribute.Int64("commitment_id", commitmentID))
	defer span.End()
	defer observeLatency("cancel", time.Now())

	release, err := p.locker.LockActor(ctx, actorID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to lock actor %d: %w", actorID, err)
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			p.logger.Error("Failed to release actor lock", zap.Int64("actor_id", actorID), zap.Error(err))
		}
	}()

	var (
		result *CancelResult
		class  models.ActorClass
	)
	err = retryOnConflict(ctx, p.logger, "cancel", func() error {
		return p.repo.InTx(ctx, func(tx store.Tx) error {
			var err error
			result, class, err = p.cancelTx(ctx, tx, actorID, commitmentID, reason)
			return err
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if !result.Success {
		util.CancellationsDeclinedTotal.WithLabelValues(string(class)).Inc()
		p.logger.Info("Cancellation declined",
			zap.Int64("actor_id", actorID),
			zap.Int64("commitment_id", commitmentID),
			zap.String("reason", result.Reason))
		return result, nil
	}

	util.CancellationsTotal.WithLabelValues(string(class)).Inc()
	if result.PenaltyApplied {
		util.SuspensionsTotal.WithLabelValues(string(class)).Inc()
	}
	if result.CompensationRequired.Valid {
		util.CompensationCharged.Add(result.CompensationRequired.Decimal.InexactFloat64())
	}

	p.logger.Info("Commitment cancelled",
		zap.Int64("actor_id", actorID),
		zap.Int64("commitment_id", commitmentID),
		zap.Int("hours_before_deadline", result.HoursBeforeDeadline),
		zap.Bool("penalty_applied", result.PenaltyApplied))

	event := &models.CancellationRecordedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCancellationRecorded,
			Timestamp: p.clock.Now(),
		},
		ActorID:              actorID,
		ActorClass:           class,
		CommitmentID:         commitmentID,
		Reason:               reason,
		HoursBeforeDeadline:  result.HoursBeforeDeadline,
		PenaltyApplied:       result.PenaltyApplied,
		CompensationRequired: result.CompensationRequired,
		AccountStatus:        result.AccountStatus,
	}
	if err := p.audit.PublishCancellationRecorded(ctx, event); err != nil {
		p.logger.Error("Failed to publish CancellationRecorded event", zap.Error(err))
	}

	return result, nil
}

func (p *CancellationPolicy) cancelTx(ctx context.Context, tx store.Tx, actorID, commitmentID int64, reason string) (*CancelResult, models.ActorClass, error) {
	now := p.clock.Now()

	c, err := tx.GetCommitment(ctx, commitmentID)
	if err != nil {
		return nil, "", err
	}
	class := c.Class()

	if c.IsTerminal() {
		return nil, class, fmt.Errorf("%w: commitment %d is already %s", models.ErrInvariantViolation, c.ID, c.Status)
	}
	if c.ActorID != actorID {
		return &CancelResult{Reason: "commitment belongs to another actor"}, class, nil
	}

	check := p.evaluate(c, now)
	if !check.Allowed {
		return &CancelResult{HoursBeforeDeadline: check.HoursToDeadline, Reason: check.Reason}, class, nil
	}

	if err := c.Transition(models.CommitmentStatusCancelled); err != nil {
		return nil, class, err
	}
	c.UpdatedAt = now
	if err := tx.UpdateCommitment(ctx, c); err != nil {
		return nil, class, err
	}

	compensation := p.Compensation(c, check.HoursToDeadline)

	rec, err := tx.GetActorRecord(ctx, actorID)
	if err != nil {
		return nil, class, err
	}
	if rec == nil {
		rec = models.NewActorRecord(actorID, now)
	}
	penalty := p.recordCancellation(rec, class, now)
	if err := tx.SaveActorRecord(ctx, rec); err != nil {
		return nil, class, err
	}

	event := &models.CancellationEvent{
		ActorID:              actorID,
		CommitmentID:         c.ID,
		Reason:               reason,
		HoursBeforeDeadline:  check.HoursToDeadline,
		PenaltyApplied:       penalty,
		CompensationRequired: compensation,
		CreatedAt:            now,
	}
	if err := tx.InsertCancellationEvent(ctx, event); err != nil {
		return nil, class, fmt.Errorf("failed to record cancellation: %w", err)
	}

	return &CancelResult{
		Success:              true,
		PenaltyApplied:       penalty,
		CompensationRequired: compensation,
		HoursBeforeDeadline:  check.HoursToDeadline,
		AccountStatus:        rec.AccountStatus,
		SuspensionUntil:      rec.SuspensionUntil,
	}, class, nil
}

// recordCancellation rolls the monthly window if needed, counts one cancellation of class and
// suspends the actor when the count goes over the limit. It reports whether it suspended.
func (p *CancellationPolicy) recordCancellation(rec *models.ActorRecord, class models.ActorClass, now time.Time) bool {
	if rec.AccountStatus == models.AccountStatusSuspended && rec.SuspensionUntil != nil && !now.Before(*rec.SuspensionUntil) {
		rec.AccountStatus = models.AccountStatusActive
		rec.SuspensionUntil = nil
		rec.SuspensionReason = ""
	}

	if !now.Before(rec.LastResetAt.AddDate(0, 1, 0)) {
		rec.MonthlyCancellations = 0
		rec.MonthlyRfqCancellations = 0
		rec.LastResetAt = now
	}

	limit, days := p.policy.ConsumerMonthlyCancelLimit, p.policy.ConsumerSuspensionDays
	label := "purchase intention"
	var count int
	if class == models.ActorClassBusiness {
		limit, days = p.policy.BusinessMonthlyCancelLimit, p.policy.BusinessSuspensionDays
		label = "RFQ"
		rec.MonthlyRfqCancellations++
		count = rec.MonthlyRfqCancellations
	} else {
		rec.MonthlyCancellations++
		count = rec.MonthlyCancellations
	}

	if count <= limit {
		return false
	}

	until := now.Add(time.Duration(days) * 24 * time.Hour)
	if rec.AccountStatus != models.AccountStatusBanned {
		rec.AccountStatus = models.AccountStatusSuspended
	}
	rec.SuspensionUntil = &until
	rec.SuspensionReason = fmt.Sprintf("exceeded monthly %s cancellation limit: %d cancellations, limit %d; suspended for %d days",
		label, count, limit, days)
	return true
}

// Record returns the actor's cancellation record as of now, or a fresh one if none exists.
func (p *CancellationPolicy) Record(ctx context.Context, actorID int64) (*models.ActorRecord, error) {
	rec, err := p.repo.GetActorRecord(ctx, actorID)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	if rec == nil {
		return models.NewActorRecord(actorID, now), nil
	}
	if rec.AccountStatus == models.AccountStatusSuspended && rec.SuspensionUntil != nil && !now.Before(*rec.SuspensionUntil) {
		rec.AccountStatus = models.AccountStatusActive
	}
	return rec, nil
}
