package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ActorClass separates consumers from businesses; each class has its own limits and curves.
type ActorClass string

const (
	ActorClassConsumer ActorClass = "consumer"
	ActorClassBusiness ActorClass = "business"
)

// CommitmentKind tags the Commitment variant.
type CommitmentKind string

const (
	KindPurchaseIntention CommitmentKind = "purchase_intention"
	KindRFQ               CommitmentKind = "rfq"
)

// Class returns the actor class that owns commitments of this kind.
func (k CommitmentKind) Class() ActorClass {
	if k == KindRFQ {
		return ActorClassBusiness
	}
	return ActorClassConsumer
}

// Valid reports whether k is a known variant.
func (k CommitmentKind) Valid() bool {
	return k == KindPurchaseIntention || k == KindRFQ
}

// Commitment statuses
const (
	CommitmentStatusActive    = "active"
	CommitmentStatusAdvanced  = "advanced"
	CommitmentStatusCancelled = "cancelled"
	CommitmentStatusCompleted = "completed"
)

// ProductKey identifies the product a buyer pool forms around.
type ProductKey struct {
	Category string `db:"product_category" json:"category"`
	Name     string `db:"product_name" json:"name"`
}

func (k ProductKey) String() string {
	return fmt.Sprintf("%s/%s", k.Category, k.Name)
}

// IsZero reports whether neither part is set.
func (k ProductKey) IsZero() bool {
	return k.Category == "" && k.Name == ""
}

// Commitment is a purchase intention (consumer) or an RFQ (business).
type Commitment struct {
	ID      int64          `db:"id" json:"id"`
	ActorID int64          `db:"actor_id" json:"actor_id"`
	Kind    CommitmentKind `db:"kind" json:"kind"`
	ProductKey
	TargetPrice             decimal.Decimal `db:"target_price" json:"target_price"`
	Quantity                int             `db:"quantity" json:"quantity"`
	Deadline                time.Time       `db:"deadline" json:"deadline"`
	OriginalDate            *time.Time      `db:"original_date" json:"original_date,omitempty"`
	CancellationDeadline    time.Time       `db:"cancellation_deadline" json:"cancellation_deadline"`
	Status                  string          `db:"status" json:"status"`
	DaysAdvanced            int             `db:"days_advanced" json:"days_advanced"`
	AdvancementBonusPercent int             `db:"advancement_bonus_percent" json:"advancement_bonus_percent"`
	Version                 int64           `db:"version" json:"version"`
	CreatedAt               time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at" json:"updated_at"`
}

// Class returns the owning actor class.
func (c *Commitment) Class() ActorClass {
	return c.Kind.Class()
}

// IsTerminal reports whether the commitment can no longer change.
func (c *Commitment) IsTerminal() bool {
	return c.Status == CommitmentStatusCancelled || c.Status == CommitmentStatusCompleted
}

// IsOpen reports whether the commitment accepts cancellation or advancement.
func (c *Commitment) IsOpen() bool {
	return c.Status == CommitmentStatusActive || c.Status == CommitmentStatusAdvanced
}

// Transition moves the commitment to status, refusing to leave a terminal state.
func (c *Commitment) Transition(status string) error {
	if c.IsTerminal() {
		return fmt.Errorf("%w: commitment %d is %s", ErrInvariantViolation, c.ID, c.Status)
	}
	switch status {
	case CommitmentStatusActive, CommitmentStatusAdvanced, CommitmentStatusCancelled, CommitmentStatusCompleted:
	default:
		return fmt.Errorf("%w: unknown commitment status %q", ErrInvariantViolation, status)
	}
	c.Status = status
	return nil
}

// Account statuses
const (
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
	AccountStatusBanned    = "banned"
)

// ActorRecord tracks an actor's cancellations inside the rolling monthly window.
type ActorRecord struct {
	ActorID                 int64      `db:"actor_id" json:"actor_id"`
	MonthlyCancellations    int        `db:"monthly_cancellations" json:"monthly_cancellations"`
	MonthlyRfqCancellations int        `db:"monthly_rfq_cancellations" json:"monthly_rfq_cancellations"`
	LastResetAt             time.Time  `db:"last_reset_at" json:"last_reset_at"`
	AccountStatus           string     `db:"account_status" json:"account_status"`
	SuspensionUntil         *time.Time `db:"suspension_until" json:"suspension_until,omitempty"`
	SuspensionReason        string     `db:"suspension_reason" json:"suspension_reason,omitempty"`
	Version                 int64      `db:"version" json:"version"`
}

// NewActorRecord returns a fresh record whose window starts at now.
func NewActorRecord(actorID int64, now time.Time) *ActorRecord {
	return &ActorRecord{
		ActorID:       actorID,
		LastResetAt:   now,
		AccountStatus: AccountStatusActive,
	}
}

// Counter returns the counter for class.
func (r *ActorRecord) Counter(class ActorClass) int {
	if class == ActorClassBusiness {
		return r.MonthlyRfqCancellations
	}
	return r.MonthlyCancellations
}

// CancellationEvent is the append-only log entry of a cancellation.
type CancellationEvent struct {
	ID                   int64               `db:"id" json:"id"`
	ActorID              int64               `db:"actor_id" json:"actor_id"`
	CommitmentID         int64               `db:"commitment_id" json:"commitment_id"`
	Reason               string              `db:"reason" json:"reason"`
	HoursBeforeDeadline  int                 `db:"hours_before_deadline" json:"hours_before_deadline"`
	PenaltyApplied       bool                `db:"penalty_applied" json:"penalty_applied"`
	CompensationRequired decimal.NullDecimal `db:"compensation_required" json:"compensation_required"`
	CreatedAt            time.Time           `db:"created_at" json:"created_at"`
}

// Reward statuses
const (
	RewardStatusPending  = "pending"
	RewardStatusApproved = "approved"
	RewardStatusRedeemed = "redeemed"
)

// Business priorities attached to RFQ advancement rewards
const (
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// AdvancementReward is the append-only record of an advancement incentive.
type AdvancementReward struct {
	ID                          int64               `db:"id" json:"id"`
	ActorID                     int64               `db:"actor_id" json:"actor_id"`
	CommitmentID                int64               `db:"commitment_id" json:"commitment_id"`
	CounterpartID               *int64              `db:"counterpart_id" json:"counterpart_id,omitempty"`
	OriginalDate                time.Time           `db:"original_date" json:"original_date"`
	NewDate                     time.Time           `db:"new_date" json:"new_date"`
	DaysAdvanced                int                 `db:"days_advanced" json:"days_advanced"`
	BonusDiscountPercent        int                 `db:"bonus_discount_percent" json:"bonus_discount_percent"`
	CounterpartIncentivePercent decimal.Decimal     `db:"counterpart_incentive_percent" json:"counterpart_incentive_percent"`
	CostSavings                 decimal.NullDecimal `db:"cost_savings" json:"cost_savings"`
	BusinessPriority            string              `db:"business_priority" json:"business_priority,omitempty"`
	Status                      string              `db:"status" json:"status"`
	CreatedAt                   time.Time           `db:"created_at" json:"created_at"`
}
