package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"groupbuy-service/config"
	"groupbuy-service/internal/clock"
	"groupbuy-service/internal/models"
	"groupbuy-service/internal/store"
	"groupbuy-service/internal/store/memory"
	"groupbuy-service/internal/util"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingAudit struct {
	mu            sync.Mutex
	cancellations []*models.CancellationRecordedEvent
	advancements  []*models.AdvancementRecordedEvent
	selections    []*models.SelectionMadeEvent
	failovers     []*models.FailoverTriggeredEvent
}

func (a *recordingAudit) PublishCancellationRecorded(_ context.Context, e *models.CancellationRecordedEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancellations = append(a.cancellations, e)
	return nil
}

func (a *recordingAudit) PublishAdvancementRecorded(_ context.Context, e *models.AdvancementRecordedEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advancements = append(a.advancements, e)
	return nil
}

func (a *recordingAudit) PublishSelectionMade(_ context.Context, e *models.SelectionMadeEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selections = append(a.selections, e)
	return nil
}

func (a *recordingAudit) PublishFailoverTriggered(_ context.Context, e *models.FailoverTriggeredEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failovers = append(a.failovers, e)
	return nil
}

// conflictingRepo fails the first n units of work with a concurrency conflict after running them.
type conflictingRepo struct {
	store.Repository
	remaining int32
}

func (r *conflictingRepo) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if atomic.AddInt32(&r.remaining, -1) < 0 {
		return r.Repository.InTx(ctx, fn)
	}
	return r.Repository.InTx(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return models.ErrConcurrencyConflict
	})
}

type fixture struct {
	repo        store.Repository
	mem         *memory.Store
	clock       *clock.Manual
	audit       *recordingAudit
	policy      config.PolicyConfig
	commitments *CommitmentService
	cancel      *CancellationPolicy
	advance     *AdvancementPolicy
	selection   *SelectionEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.New()
	return newFixtureWithRepo(t, mem, mem)
}

func newFixtureWithRepo(t *testing.T, mem *memory.Store, repo store.Repository) *fixture {
	t.Helper()
	util.SetLogger(zap.NewNop())

	clk := clock.NewManual(t0)
	audit := &recordingAudit{}
	policy := config.DefaultPolicy()

	return &fixture{
		repo:        repo,
		mem:         mem,
		clock:       clk,
		audit:       audit,
		policy:      policy,
		commitments: NewCommitmentService(repo, clk, policy),
		cancel:      NewCancellationPolicy(repo, NewLocalLocker(), audit, clk, policy),
		advance:     NewAdvancementPolicy(repo, audit, clk, policy),
		selection:   NewSelectionEngine(repo, repo, audit, clk, policy),
	}
}

func (f *fixture) create(t *testing.T, actorID int64, kind models.CommitmentKind, deadline time.Time) *models.Commitment {
	t.Helper()
	c, err := f.commitments.Create(context.Background(), &CreateCommitmentRequest{
		ActorID:     actorID,
		Kind:        kind,
		Category:    "phones",
		Name:        "x1",
		TargetPrice: decimal.NewFromInt(2000),
		Quantity:    10,
		Deadline:    deadline,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) submit(t *testing.T, id, sellerID int64, price string, createdAt time.Time) models.Offer {
	t.Helper()
	o := models.Offer{
		ID:         id,
		SellerID:   sellerID,
		ProductKey: models.ProductKey{Category: "phones", Name: "x1"},
		Price:      decimal.RequireFromString(price),
		CreatedAt:  createdAt,
	}
	require.NoError(t, f.selection.SubmitOffer(context.Background(), &o))
	return o
}
