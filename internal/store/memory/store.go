package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"groupbuy-service/internal/models"
	"groupbuy-service/internal/store"
)

var _ store.Repository = (*Store)(nil)

// Store is a fully in-memory Repository. Transactions run one at a time against a
// copy of the state that replaces the live state only when the unit of work succeeds.
// Intended for unit testing and development.
type Store struct {
	mu sync.Mutex
	st *state
}

type state struct {
	nextID       int64
	commitments  map[int64]models.Commitment
	actors       map[int64]models.ActorRecord
	cancellation []models.CancellationEvent
	rewards      []models.AdvancementReward
	offers       map[int64]models.Offer
	rounds       map[int64]models.ClosureRound
	failures     []models.FulfillmentFailure
}

// New returns a new empty Store.
func New() *Store {
	return &Store{st: &state{
		commitments: make(map[int64]models.Commitment),
		actors:      make(map[int64]models.ActorRecord),
		offers:      make(map[int64]models.Offer),
		rounds:      make(map[int64]models.ClosureRound),
	}}
}

func (s *state) clone() *state {
	c := &state{
		nextID:       s.nextID,
		commitments:  make(map[int64]models.Commitment, len(s.commitments)),
		actors:       make(map[int64]models.ActorRecord, len(s.actors)),
		cancellation: append([]models.CancellationEvent(nil), s.cancellation...),
		rewards:      append([]models.AdvancementReward(nil), s.rewards...),
		offers:       make(map[int64]models.Offer, len(s.offers)),
		rounds:       make(map[int64]models.ClosureRound, len(s.rounds)),
		failures:     append([]models.FulfillmentFailure(nil), s.failures...),
	}
	for k, v := range s.commitments {
		c.commitments[k] = v
	}
	for k, v := range s.actors {
		c.actors[k] = v
	}
	for k, v := range s.offers {
		c.offers[k] = v
	}
	for k, v := range s.rounds {
		v.BackupOfferIDs = append(models.BackupQueue(nil), v.BackupOfferIDs...)
		c.rounds[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// InTx runs fn against a private copy of the state and publishes it on success.
func (m *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *Store) CreateCommitment(_ context.Context, c *models.Commitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.ID = m.st.id()
	c.Version = 1
	c.UpdatedAt = c.CreatedAt
	m.st.commitments[c.ID] = *c
	return nil
}

func (m *Store) GetCommitment(_ context.Context, id int64) (*models.Commitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.getCommitment(id)
}

func (m *Store) GetActorRecord(_ context.Context, actorID int64) (*models.ActorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.getActorRecord(actorID), nil
}

func (m *Store) ListOpenOffers(_ context.Context, key models.ProductKey) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var offers []models.Offer
	for _, o := range m.st.offers {
		if o.ProductKey == key && o.Status == models.OfferStatusActive {
			offers = append(offers, o)
		}
	}
	sortOffers(offers)
	return offers, nil
}

func (m *Store) ListCancellationEvents(_ context.Context, actorID int64) ([]models.CancellationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []models.CancellationEvent
	for i := len(m.st.cancellation) - 1; i >= 0; i-- {
		if m.st.cancellation[i].ActorID == actorID {
			events = append(events, m.st.cancellation[i])
		}
	}
	return events, nil
}

func (m *Store) ListAdvancementRewards(_ context.Context, commitmentID int64) ([]models.AdvancementReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rewards []models.AdvancementReward
	for _, r := range m.st.rewards {
		if r.CommitmentID == commitmentID {
			rewards = append(rewards, r)
		}
	}
	return rewards, nil
}

func (m *Store) ListFulfillmentFailures(_ context.Context, roundID int64) ([]models.FulfillmentFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failures []models.FulfillmentFailure
	for _, f := range m.st.failures {
		if f.RoundID == roundID {
			failures = append(failures, f)
		}
	}
	return failures, nil
}

func (m *Store) CountBuyers(_ context.Context, key models.ProductKey) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.st.commitments {
		if c.ProductKey == key && c.IsOpen() {
			n++
		}
	}
	return n, nil
}

func (s *state) getCommitment(id int64) (*models.Commitment, error) {
	c, ok := s.commitments[id]
	if !ok {
		return nil, fmt.Errorf("commitment %d: %w", id, models.ErrNotFound)
	}
	return &c, nil
}

func (s *state) getActorRecord(actorID int64) *models.ActorRecord {
	r, ok := s.actors[actorID]
	if !ok {
		return nil
	}
	return &r
}

// sortOffers orders by price, then creation time, then id.
func sortOffers(offers []models.Offer) {
	sort.SliceStable(offers, func(i, j int) bool {
		if c := offers[i].Price.Cmp(offers[j].Price); c != 0 {
			return c < 0
		}
		if !offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].CreatedAt.Before(offers[j].CreatedAt)
		}
		return offers[i].ID < offers[j].ID
	})
}
