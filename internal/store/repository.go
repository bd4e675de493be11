package store

import (
	"context"
	"time"

	"groupbuy-service/internal/models"
)

// Tx is the set of reads and writes available inside one atomic unit of work.
// Reads of commitments, actor records and rounds lock the row until the unit ends.
type Tx interface {
	GetCommitment(ctx context.Context, id int64) (*models.Commitment, error)
	// UpdateCommitment writes c if its Version still matches the stored one and bumps it.
	UpdateCommitment(ctx context.Context, c *models.Commitment) error
	// CompleteOpenCommitments marks every active or advanced commitment on the product completed.
	CompleteOpenCommitments(ctx context.Context, key models.ProductKey, at time.Time) (int, error)

	// GetActorRecord returns the stored record or nil when the actor has none yet.
	GetActorRecord(ctx context.Context, actorID int64) (*models.ActorRecord, error)
	SaveActorRecord(ctx context.Context, r *models.ActorRecord) error

	InsertCancellationEvent(ctx context.Context, e *models.CancellationEvent) error
	InsertAdvancementReward(ctx context.Context, r *models.AdvancementReward) error

	// FindCounterpart returns the cheapest open offer for the product, or nil.
	FindCounterpart(ctx context.Context, key models.ProductKey) (*models.Offer, error)

	SaveOffers(ctx context.Context, offers []models.Offer) error
	GetOffer(ctx context.Context, id int64) (*models.Offer, error)
	SetOfferStatus(ctx context.Context, id int64, status string) error

	GetClosureRoundByProduct(ctx context.Context, key models.ProductKey) (*models.ClosureRound, error)
	GetClosureRoundBySelectedOffer(ctx context.Context, offerID int64) (*models.ClosureRound, error)
	InsertClosureRound(ctx context.Context, r *models.ClosureRound) error
	UpdateClosureRound(ctx context.Context, r *models.ClosureRound) error

	InsertFulfillmentFailure(ctx context.Context, f *models.FulfillmentFailure) error
}

// Repository is the persistence boundary of the engine.
type Repository interface {
	// InTx runs fn atomically. Nothing fn wrote survives if it returns an error.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	CreateCommitment(ctx context.Context, c *models.Commitment) error
	GetCommitment(ctx context.Context, id int64) (*models.Commitment, error)
	GetActorRecord(ctx context.Context, actorID int64) (*models.ActorRecord, error)
	ListOpenOffers(ctx context.Context, key models.ProductKey) ([]models.Offer, error)
	ListCancellationEvents(ctx context.Context, actorID int64) ([]models.CancellationEvent, error)
	ListAdvancementRewards(ctx context.Context, commitmentID int64) ([]models.AdvancementReward, error)
	ListFulfillmentFailures(ctx context.Context, roundID int64) ([]models.FulfillmentFailure, error)

	// CountBuyers returns how many open commitments target the product.
	CountBuyers(ctx context.Context, key models.ProductKey) (int, error)

	Close() error
}
