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

// AdvancementPolicy validates and rewards moving a commitment's deadline earlier.
type AdvancementPolicy struct {
	repo   store.Repository
	audit  AuditSink
	clock  clock.Clock
	policy config.PolicyConfig
	logger *zap.Logger
}

// NewAdvancementPolicy creates a new advancement policy
func NewAdvancementPolicy(
	repo store.Repository,
	audit AuditSink,
	clk clock.Clock,
	policy config.PolicyConfig,
) *AdvancementPolicy {
	return &AdvancementPolicy{
		repo:   repo,
		audit:  audit,
		clock:  clk,
		policy: policy,
		logger: util.GetLogger(),
	}
}

// AdvanceCheck is the outcome of an advancement validation.
type AdvanceCheck struct {
	Allowed         bool   `json:"allowed"`
	MaxBonusPercent int    `json:"max_bonus_percent"`
	DaysAdvanced    int    `json:"days_advanced"`
	Reason          string `json:"reason,omitempty"`
}

// AdvanceResult is the outcome of an advancement request. DaysAdvanced is measured from the
// deadline the call replaced; the commitment itself keeps the total from OriginalDate.
type AdvanceResult struct {
	Success              bool                `json:"success"`
	BonusDiscountPercent int                 `json:"bonus_discount_percent"`
	CostSavings          decimal.NullDecimal `json:"cost_savings"`
	CounterpartID        *int64              `json:"counterpart_id,omitempty"`
	DaysAdvanced         int                 `json:"days_advanced"`
	OriginalDate         *time.Time          `json:"original_date,omitempty"`
	NewDeadline          *time.Time          `json:"new_deadline,omitempty"`
	Reason               string              `json:"reason,omitempty"`
}

// BonusPercent is the discount earned by advancing a commitment of class by days.
// It is non-decreasing in days and capped per class.
func (p *AdvancementPolicy) BonusPercent(class models.ActorClass, days int) int {
	if days <= 0 {
		return 0
	}
	step, perStep, ceiling := p.policy.ConsumerBonusStepDays, p.policy.ConsumerBonusPerStep, p.policy.ConsumerBonusCap
	if class == models.ActorClassBusiness {
		step, perStep, ceiling = p.policy.BusinessBonusStepDays, p.policy.BusinessBonusPerStep, p.policy.BusinessBonusCap
	}
	if step <= 0 {
		return 0
	}
	bonus := (days / step) * perStep
	if bonus > ceiling {
		return ceiling
	}
	return bonus
}

func (p *AdvancementPolicy) minDays(class models.ActorClass) int {
	if class == models.ActorClassBusiness {
		return p.policy.BusinessMinAdvanceDays
	}
	return p.policy.ConsumerMinAdvanceDays
}

// CanAdvance validates moving the commitment's deadline to newDate. It has no side effects.
func (p *AdvancementPolicy) CanAdvance(ctx context.Context, commitmentID int64, newDate time.Time) (*AdvanceCheck, error) {
	ctx, span := util.StartSpan(ctx, "AdvancementPolicy.CanAdvance",
		attribute.Int64("commitment_id", commitmentID))
	defer span.End()

	c, err := p.repo.GetCommitment(ctx, commitmentID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return p.evaluate(c, newDate, p.clock.Now()), nil
}

func (p *AdvancementPolicy) evaluate(c *models.Commitment, newDate, now time.Time) *AdvanceCheck {
	class := c.Class()
	days := daysBetween(newDate, c.Deadline)
	check := &AdvanceCheck{
		DaysAdvanced:    days,
		MaxBonusPercent: p.BonusPercent(class, days),
	}
	minDays := p.minDays(class)

	switch {
	case !c.IsOpen():
		check.Reason = fmt.Sprintf("commitment is %s", c.Status)
	case !newDate.After(now):
		check.Reason = "new date must be in the future"
	case days < minDays:
		check.Reason = fmt.Sprintf("deadline must move at least %d days earlier (requested %d)", minDays, days)
	default:
		check.Allowed = true
	}
	return check
}

// Advance moves the deadline of the actor's commitment to newDate and issues the rewards.
func (p *AdvancementPolicy) Advance(ctx context.Context, actorID, commitmentID int64, newDate time.Time) (*AdvanceResult, error) {
	ctx, span := util.StartSpan(ctx, "AdvancementPolicy.Advance",
		attribute.Int64("actor_id", actorID),
		attribute.Int64("commitment_id", commitmentID))
	defer span.End()
	defer observeLatency("advance", time.Now())

	var (
		result *AdvanceResult
		class  models.ActorClass
		prev   time.Time
	)
	err := retryOnConflict(ctx, p.logger, "advance", func() error {
		return p.repo.InTx(ctx, func(tx store.Tx) error {
			var err error
			result, class, prev, err = p.advanceTx(ctx, tx, actorID, commitmentID, newDate)
			return err
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if !result.Success {
		util.AdvancementsDeclinedTotal.WithLabelValues(string(class)).Inc()
		p.logger.Info("Advancement declined",
			zap.Int64("actor_id", actorID),
			zap.Int64("commitment_id", commitmentID),
			zap.String("reason", result.Reason))
		return result, nil
	}

	util.AdvancementsTotal.WithLabelValues(string(class)).Inc()
	if result.CounterpartID != nil {
		util.AdvancementRewardsTotal.Inc()
	}

	p.logger.Info("Commitment advanced",
		zap.Int64("actor_id", actorID),
		zap.Int64("commitment_id", commitmentID),
		zap.Int("days_advanced", result.DaysAdvanced),
		zap.Int("bonus_percent", result.BonusDiscountPercent))

	event := &models.AdvancementRecordedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeAdvancementRecorded,
			Timestamp: p.clock.Now(),
		},
		ActorID:              actorID,
		CommitmentID:         commitmentID,
		OriginalDate:         *result.OriginalDate,
		PreviousDeadline:     prev,
		NewDate:              newDate,
		DaysAdvanced:         result.DaysAdvanced,
		BonusDiscountPercent: result.BonusDiscountPercent,
		CostSavings:          result.CostSavings,
		CounterpartID:        result.CounterpartID,
	}
	if err := p.audit.PublishAdvancementRecorded(ctx, event); err != nil {
		p.logger.Error("Failed to publish AdvancementRecorded event", zap.Error(err))
	}

	return result, nil
}

func (p *AdvancementPolicy) advanceTx(ctx context.Context, tx store.Tx, actorID, commitmentID int64, newDate time.Time) (*AdvanceResult, models.ActorClass, time.Time, error) {
	now := p.clock.Now()

	c, err := tx.GetCommitment(ctx, commitmentID)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	class := c.Class()
	prev := c.Deadline

	if c.IsTerminal() {
		return nil, class, prev, fmt.Errorf("%w: commitment %d is already %s", models.ErrInvariantViolation, c.ID, c.Status)
	}
	if c.ActorID != actorID {
		return &AdvanceResult{Reason: "commitment belongs to another actor"}, class, prev, nil
	}

	check := p.evaluate(c, newDate, now)
	if !check.Allowed {
		return &AdvanceResult{DaysAdvanced: check.DaysAdvanced, Reason: check.Reason}, class, prev, nil
	}

	if c.OriginalDate == nil {
		original := prev
		c.OriginalDate = &original
	}
	if err := c.Transition(models.CommitmentStatusAdvanced); err != nil {
		return nil, class, prev, err
	}
	c.Deadline = newDate
	c.DaysAdvanced = daysBetween(newDate, *c.OriginalDate)
	c.AdvancementBonusPercent = p.BonusPercent(class, c.DaysAdvanced)
	c.CancellationDeadline = cancellationDeadline(p.policy, class, newDate)
	c.UpdatedAt = now
	if err := tx.UpdateCommitment(ctx, c); err != nil {
		return nil, class, prev, err
	}

	bonus := check.MaxBonusPercent
	result := &AdvanceResult{
		Success:              true,
		BonusDiscountPercent: bonus,
		DaysAdvanced:         check.DaysAdvanced,
		OriginalDate:         c.OriginalDate,
		NewDeadline:          &newDate,
	}
	if class == models.ActorClassBusiness {
		result.CostSavings = decimal.NewNullDecimal(c.TargetPrice.
			Mul(decimal.NewFromInt(int64(bonus))).
			Div(decimal.NewFromInt(100)).
			Mul(decimal.NewFromInt(int64(c.Quantity))).
			Round(2))
	}

	counterpart, err := tx.FindCounterpart(ctx, c.ProductKey)
	if err != nil {
		return nil, class, prev, fmt.Errorf("failed to look up counterpart: %w", err)
	}
	if counterpart == nil {
		return result, class, prev, nil
	}

	share := p.policy.SellerIncentiveShare
	priority := ""
	if class == models.ActorClassBusiness {
		share = p.policy.SupplierIncentiveShare
		priority = models.PriorityHigh
		if check.DaysAdvanced > p.policy.UrgentAdvanceDays {
			priority = models.PriorityUrgent
		}
	}

	counterpartID := counterpart.SellerID
	reward := &models.AdvancementReward{
		ActorID:                     actorID,
		CommitmentID:                c.ID,
		CounterpartID:               &counterpartID,
		OriginalDate:                *c.OriginalDate,
		NewDate:                     newDate,
		DaysAdvanced:                check.DaysAdvanced,
		BonusDiscountPercent:        bonus,
		CounterpartIncentivePercent: decimal.NewFromInt(int64(bonus)).Mul(share).Round(2),
		CostSavings:                 result.CostSavings,
		BusinessPriority:            priority,
		Status:                      models.RewardStatusPending,
		CreatedAt:                   now,
	}
	if err := tx.InsertAdvancementReward(ctx, reward); err != nil {
		return nil, class, prev, fmt.Errorf("failed to record advancement reward: %w", err)
	}
	result.CounterpartID = &counterpartID

	return result, class, prev, nil
}
