package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeCancellationRecorded = "CANCELLATION_RECORDED"
	EventTypeAdvancementRecorded  = "ADVANCEMENT_RECORDED"
	EventTypeSelectionMade        = "SELECTION_MADE"
	EventTypeFailoverTriggered    = "FAILOVER_TRIGGERED"

	// Inbound triggers from the external scheduler.
	EventTypeClosureDue        = "CLOSURE_DUE"
	EventTypeFulfillmentFailed = "FULFILLMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CancellationRecordedEvent published after a commitment is cancelled
type CancellationRecordedEvent struct {
	BaseEvent
	ActorID              int64               `json:"actor_id"`
	ActorClass           ActorClass          `json:"actor_class"`
	CommitmentID         int64               `json:"commitment_id"`
	Reason               string              `json:"reason"`
	HoursBeforeDeadline  int                 `json:"hours_before_deadline"`
	PenaltyApplied       bool                `json:"penalty_applied"`
	CompensationRequired decimal.NullDecimal `json:"compensation_required"`
	AccountStatus        string              `json:"account_status"`
}

// AdvancementRecordedEvent published after a deadline is moved earlier
type AdvancementRecordedEvent struct {
	BaseEvent
	ActorID              int64               `json:"actor_id"`
	CommitmentID         int64               `json:"commitment_id"`
	OriginalDate         time.Time           `json:"original_date"`
	PreviousDeadline     time.Time           `json:"previous_deadline"`
	NewDate              time.Time           `json:"new_date"`
	DaysAdvanced         int                 `json:"days_advanced"`
	BonusDiscountPercent int                 `json:"bonus_discount_percent"`
	CostSavings          decimal.NullDecimal `json:"cost_savings"`
	CounterpartID        *int64              `json:"counterpart_id,omitempty"`
}

// SelectionMadeEvent published when a closure round is processed
type SelectionMadeEvent struct {
	BaseEvent
	RoundID         int64       `json:"round_id"`
	ProductKey      ProductKey  `json:"product_key"`
	SelectedOfferID *int64      `json:"selected_offer_id"`
	BackupOfferIDs  BackupQueue `json:"backup_offer_ids"`
	SelectionStatus string      `json:"selection_status"`
	TotalBuyers     int         `json:"total_buyers"`
}

// FailoverTriggeredEvent published when a winning seller fails to fulfill
type FailoverTriggeredEvent struct {
	BaseEvent
	RoundID         int64       `json:"round_id"`
	ProductKey      ProductKey  `json:"product_key"`
	FailedOfferID   int64       `json:"failed_offer_id"`
	FailedSellerID  int64       `json:"failed_seller_id"`
	PromotedOfferID *int64      `json:"promoted_offer_id"`
	RemainingBackup BackupQueue `json:"remaining_backup"`
	Reason          string      `json:"reason"`
}

// ClosureDueEvent asks the engine to close the buyer pool of a product
type ClosureDueEvent struct {
	BaseEvent
	ProductKey ProductKey `json:"product_key"`
	// Deadline is when the pool closed; the round uses processing time when it is absent.
	Deadline *time.Time `json:"deadline,omitempty"`
}

// FulfillmentFailedEvent reports that a selected seller cannot deliver
type FulfillmentFailedEvent struct {
	BaseEvent
	OfferID int64  `json:"offer_id"`
	Reason  string `json:"reason"`
}
