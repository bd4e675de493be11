package models

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Offer statuses
const (
	OfferStatusActive    = "active"
	OfferStatusSelected  = "selected"
	OfferStatusBackup    = "backup"
	OfferStatusRejected  = "rejected"
	OfferStatusFailed    = "failed"
	OfferStatusFulfilled = "fulfilled"
)

// Offer is a seller's price for a product. Only Status changes once it enters a round.
type Offer struct {
	ID       int64 `db:"id" json:"id"`
	SellerID int64 `db:"seller_id" json:"seller_id"`
	ProductKey
	Price       decimal.Decimal `db:"price" json:"price"`
	Reliability float64         `db:"reliability" json:"reliability"`
	Status      string          `db:"status" json:"status"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Selection statuses of a closure round
const (
	SelectionStatusPending      = "pending"
	SelectionStatusAutoSelected = "auto_selected"
	SelectionStatusManualReview = "manual_review"
	SelectionStatusCompleted    = "completed"
	SelectionStatusFailed       = "failed"
)

// SelectionCriteriaLowestPrice is the only ranking the engine applies.
const SelectionCriteriaLowestPrice = "lowest_price"

// BackupQueue is the ordered fallback chain of a round. The front is the next offer to promote.
type BackupQueue []int64

// Len returns the number of queued backups.
func (q BackupQueue) Len() int {
	return len(q)
}

// Front returns the next backup without removing it.
func (q BackupQueue) Front() (int64, bool) {
	if len(q) == 0 {
		return 0, false
	}
	return q[0], true
}

// PopFront removes and returns the next backup.
func (q *BackupQueue) PopFront() (int64, bool) {
	if len(*q) == 0 {
		return 0, false
	}
	id := (*q)[0]
	rest := make(BackupQueue, len(*q)-1)
	copy(rest, (*q)[1:])
	*q = rest
	return id, true
}

// Contains reports whether id is queued.
func (q BackupQueue) Contains(id int64) bool {
	for _, v := range q {
		if v == id {
			return true
		}
	}
	return false
}

// Value stores the queue as a BIGINT[] column.
func (q BackupQueue) Value() (driver.Value, error) {
	if q == nil {
		return pq.Int64Array{}.Value()
	}
	return pq.Int64Array(q).Value()
}

// Scan reads a BIGINT[] column.
func (q *BackupQueue) Scan(src interface{}) error {
	var arr pq.Int64Array
	if err := arr.Scan(src); err != nil {
		return err
	}
	*q = BackupQueue(arr)
	return nil
}

// ClosureRound is the deadline-time selection of a winning offer and its backups.
type ClosureRound struct {
	ID int64 `db:"id" json:"id"`
	ProductKey
	Deadline          time.Time   `db:"deadline" json:"deadline"`
	TotalBuyers       int         `db:"total_buyers" json:"total_buyers"`
	SelectedOfferID   *int64      `db:"selected_offer_id" json:"selected_offer_id"`
	BackupOfferIDs    BackupQueue `db:"backup_offer_ids" json:"backup_offer_ids"`
	SelectionStatus   string      `db:"selection_status" json:"selection_status"`
	SelectionCriteria string      `db:"selection_criteria" json:"selection_criteria"`
	ProcessedAt       *time.Time  `db:"processed_at" json:"processed_at,omitempty"`
	Version           int64       `db:"version" json:"version"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
}

// FulfillmentFailure records a superseded winner so affected buyers can be told about the switch.
type FulfillmentFailure struct {
	ID              int64     `db:"id" json:"id"`
	RoundID         int64     `db:"round_id" json:"round_id"`
	FailedOfferID   int64     `db:"failed_offer_id" json:"failed_offer_id"`
	FailedSellerID  int64     `db:"failed_seller_id" json:"failed_seller_id"`
	PromotedOfferID *int64    `db:"promoted_offer_id" json:"promoted_offer_id,omitempty"`
	Reason          string    `db:"reason" json:"reason"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
