package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"groupbuy-service/config"
	"groupbuy-service/internal/clock"
	"groupbuy-service/internal/models"
	"groupbuy-service/internal/store"
	"groupbuy-service/internal/util"
)

// CommitmentService places commitments into the store and reads them back.
type CommitmentService struct {
	repo   store.Repository
	clock  clock.Clock
	policy config.PolicyConfig
	logger *zap.Logger
}

// NewCommitmentService creates a new commitment service
func NewCommitmentService(repo store.Repository, clk clock.Clock, policy config.PolicyConfig) *CommitmentService {
	return &CommitmentService{
		repo:   repo,
		clock:  clk,
		policy: policy,
		logger: util.GetLogger(),
	}
}

// CreateCommitmentRequest represents a request to create a commitment
type CreateCommitmentRequest struct {
	ActorID     int64                 `json:"actor_id"`
	Kind        models.CommitmentKind `json:"kind"`
	Category    string                `json:"category"`
	Name        string                `json:"name"`
	TargetPrice decimal.Decimal       `json:"target_price"`
	Quantity    int                   `json:"quantity"`
	Deadline    time.Time             `json:"deadline"`
}

// Create validates req and stores a new active commitment.
func (s *CommitmentService) Create(ctx context.Context, req *CreateCommitmentRequest) (*models.Commitment, error) {
	ctx, span := util.StartSpan(ctx, "CommitmentService.Create",
		attribute.Int64("actor_id", req.ActorID),
		attribute.String("kind", string(req.Kind)))
	defer span.End()

	now := s.clock.Now()
	if err := validateCreate(req, now); err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	class := req.Kind.Class()
	c := &models.Commitment{
		ActorID:              req.ActorID,
		Kind:                 req.Kind,
		ProductKey:           models.ProductKey{Category: req.Category, Name: req.Name},
		TargetPrice:          req.TargetPrice,
		Quantity:             req.Quantity,
		Deadline:             req.Deadline,
		CancellationDeadline: cancellationDeadline(s.policy, class, req.Deadline),
		Status:               models.CommitmentStatusActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.CreateCommitment(ctx, c); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create commitment: %w", err)
	}

	s.logger.Info("Commitment created",
		zap.Int64("commitment_id", c.ID),
		zap.Int64("actor_id", c.ActorID),
		zap.String("kind", string(c.Kind)),
		zap.String("product_key", c.ProductKey.String()),
		zap.Time("deadline", c.Deadline))

	return c, nil
}

func validateCreate(req *CreateCommitmentRequest, now time.Time) error {
	switch {
	case !req.Kind.Valid():
		return fmt.Errorf("%w: unknown commitment kind %q", models.ErrPolicyViolation, req.Kind)
	case req.ActorID <= 0:
		return fmt.Errorf("%w: actor id is required", models.ErrPolicyViolation)
	case req.Category == "" || req.Name == "":
		return fmt.Errorf("%w: product category and name are required", models.ErrPolicyViolation)
	case !req.TargetPrice.IsPositive():
		return fmt.Errorf("%w: target price must be positive", models.ErrPolicyViolation)
	case req.Quantity < 1:
		return fmt.Errorf("%w: quantity must be at least 1", models.ErrPolicyViolation)
	case !req.Deadline.After(now):
		return fmt.Errorf("%w: deadline must be in the future", models.ErrPolicyViolation)
	}
	return nil
}

// Get retrieves a commitment by ID
func (s *CommitmentService) Get(ctx context.Context, id int64) (*models.Commitment, error) {
	return s.repo.GetCommitment(ctx, id)
}
