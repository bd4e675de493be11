package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"groupbuy-service/internal/models"
)

//go:embed schema.sql
var schemaSQL string

var _ Repository = (*Store)(nil)

// Store is the PostgreSQL Repository.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection.
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a database transaction. Row reads made through the Tx take FOR UPDATE locks.
func (s *Store) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %v", models.ErrConcurrencyConflict, err)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateCommitment inserts a new commitment and fills its id and version.
func (s *Store) CreateCommitment(ctx context.Context, c *models.Commitment) error {
	query := `
		INSERT INTO commitments (actor_id, kind, product_category, product_name, target_price, quantity,
			deadline, cancellation_deadline, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id, version`

	return s.db.QueryRowxContext(ctx, query,
		c.ActorID, c.Kind, c.Category, c.Name, c.TargetPrice, c.Quantity,
		c.Deadline, c.CancellationDeadline, c.Status, c.CreatedAt,
	).Scan(&c.ID, &c.Version)
}

// GetCommitment reads a commitment without locking it.
func (s *Store) GetCommitment(ctx context.Context, id int64) (*models.Commitment, error) {
	return getCommitment(ctx, s.db, id, false)
}

// GetActorRecord reads an actor's cancellation record. A missing record is returned as nil.
func (s *Store) GetActorRecord(ctx context.Context, actorID int64) (*models.ActorRecord, error) {
	return getActorRecord(ctx, s.db, actorID, false)
}

// ListOpenOffers returns offers for a product that have not failed or been fulfilled.
func (s *Store) ListOpenOffers(ctx context.Context, key models.ProductKey) ([]models.Offer, error) {
	var offers []models.Offer
	err := s.db.SelectContext(ctx, &offers,
		`SELECT `+offerColumns+` FROM offers
		WHERE product_category = $1 AND product_name = $2 AND status = $3
		ORDER BY price, created_at, id`,
		key.Category, key.Name, models.OfferStatusActive)
	return offers, err
}

// ListCancellationEvents returns an actor's cancellations, newest first.
func (s *Store) ListCancellationEvents(ctx context.Context, actorID int64) ([]models.CancellationEvent, error) {
	var events []models.CancellationEvent
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM cancellation_events WHERE actor_id = $1 ORDER BY created_at DESC, id DESC", actorID)
	return events, err
}

// ListAdvancementRewards returns the rewards issued for a commitment in issue order.
func (s *Store) ListAdvancementRewards(ctx context.Context, commitmentID int64) ([]models.AdvancementReward, error) {
	var rewards []models.AdvancementReward
	err := s.db.SelectContext(ctx, &rewards,
		"SELECT * FROM advancement_rewards WHERE commitment_id = $1 ORDER BY id", commitmentID)
	return rewards, err
}

// ListFulfillmentFailures returns the failover history of a round.
func (s *Store) ListFulfillmentFailures(ctx context.Context, roundID int64) ([]models.FulfillmentFailure, error) {
	var failures []models.FulfillmentFailure
	err := s.db.SelectContext(ctx, &failures,
		"SELECT * FROM fulfillment_failures WHERE round_id = $1 ORDER BY id", roundID)
	return failures, err
}

// CountBuyers counts open commitments on a product.
func (s *Store) CountBuyers(ctx context.Context, key models.ProductKey) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM commitments
		WHERE product_category = $1 AND product_name = $2 AND status IN ($3, $4)`,
		key.Category, key.Name, models.CommitmentStatusActive, models.CommitmentStatusAdvanced)
	return n, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01")
}
