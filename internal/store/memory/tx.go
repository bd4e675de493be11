package memory

import (
	"context"
	"fmt"
	"time"

	"groupbuy-service/internal/models"
)

type memTx struct {
	st *state
}

func (t *memTx) GetCommitment(_ context.Context, id int64) (*models.Commitment, error) {
	return t.st.getCommitment(id)
}

func (t *memTx) UpdateCommitment(_ context.Context, c *models.Commitment) error {
	cur, ok := t.st.commitments[c.ID]
	if !ok {
		return fmt.Errorf("commitment %d: %w", c.ID, models.ErrNotFound)
	}
	if cur.Version != c.Version {
		return fmt.Errorf("%w: commitment %d changed concurrently", models.ErrConcurrencyConflict, c.ID)
	}
	c.Version++
	t.st.commitments[c.ID] = *c
	return nil
}

func (t *memTx) CompleteOpenCommitments(_ context.Context, key models.ProductKey, at time.Time) (int, error) {
	n := 0
	for id, c := range t.st.commitments {
		if c.ProductKey != key || !c.IsOpen() {
			continue
		}
		c.Status = models.CommitmentStatusCompleted
		c.UpdatedAt = at
		c.Version++
		t.st.commitments[id] = c
		n++
	}
	return n, nil
}

func (t *memTx) GetActorRecord(_ context.Context, actorID int64) (*models.ActorRecord, error) {
	return t.st.getActorRecord(actorID), nil
}

func (t *memTx) SaveActorRecord(_ context.Context, r *models.ActorRecord) error {
	cur, ok := t.st.actors[r.ActorID]
	if (ok && cur.Version != r.Version) || (!ok && r.Version != 0) {
		return fmt.Errorf("%w: actor record %d changed concurrently", models.ErrConcurrencyConflict, r.ActorID)
	}
	r.Version++
	t.st.actors[r.ActorID] = *r
	return nil
}

func (t *memTx) InsertCancellationEvent(_ context.Context, e *models.CancellationEvent) error {
	e.ID = t.st.id()
	t.st.cancellation = append(t.st.cancellation, *e)
	return nil
}

func (t *memTx) InsertAdvancementReward(_ context.Context, r *models.AdvancementReward) error {
	r.ID = t.st.id()
	t.st.rewards = append(t.st.rewards, *r)
	return nil
}

func (t *memTx) FindCounterpart(_ context.Context, key models.ProductKey) (*models.Offer, error) {
	var selected, open []models.Offer
	for _, o := range t.st.offers {
		if o.ProductKey != key {
			continue
		}
		switch o.Status {
		case models.OfferStatusSelected:
			selected = append(selected, o)
		case models.OfferStatusActive, models.OfferStatusBackup:
			open = append(open, o)
		}
	}
	for _, candidates := range [][]models.Offer{selected, open} {
		if len(candidates) > 0 {
			sortOffers(candidates)
			return &candidates[0], nil
		}
	}
	return nil, nil
}

func (t *memTx) SaveOffers(_ context.Context, offers []models.Offer) error {
	for _, o := range offers {
		if _, ok := t.st.offers[o.ID]; !ok {
			t.st.offers[o.ID] = o
		}
	}
	return nil
}

func (t *memTx) GetOffer(_ context.Context, id int64) (*models.Offer, error) {
	o, ok := t.st.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %d: %w", id, models.ErrNotFound)
	}
	return &o, nil
}

func (t *memTx) SetOfferStatus(_ context.Context, id int64, status string) error {
	o, ok := t.st.offers[id]
	if !ok {
		return fmt.Errorf("offer %d: %w", id, models.ErrNotFound)
	}
	o.Status = status
	t.st.offers[id] = o
	return nil
}

func (t *memTx) GetClosureRoundByProduct(_ context.Context, key models.ProductKey) (*models.ClosureRound, error) {
	for _, r := range t.st.rounds {
		if r.ProductKey == key {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("closure round for %s: %w", key, models.ErrNotFound)
}

func (t *memTx) GetClosureRoundBySelectedOffer(_ context.Context, offerID int64) (*models.ClosureRound, error) {
	for _, r := range t.st.rounds {
		if r.SelectedOfferID != nil && *r.SelectedOfferID == offerID {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("closure round selecting offer %d: %w", offerID, models.ErrNotFound)
}

func (t *memTx) InsertClosureRound(_ context.Context, r *models.ClosureRound) error {
	for _, existing := range t.st.rounds {
		if existing.ProductKey == r.ProductKey {
			return fmt.Errorf("%w: closure round for %s already exists", models.ErrConcurrencyConflict, r.ProductKey)
		}
	}
	r.ID = t.st.id()
	r.Version = 1
	t.st.rounds[r.ID] = *r
	return nil
}

func (t *memTx) UpdateClosureRound(_ context.Context, r *models.ClosureRound) error {
	cur, ok := t.st.rounds[r.ID]
	if !ok {
		return fmt.Errorf("closure round %d: %w", r.ID, models.ErrNotFound)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("%w: closure round %d changed concurrently", models.ErrConcurrencyConflict, r.ID)
	}
	r.Version++
	t.st.rounds[r.ID] = *r
	return nil
}

func (t *memTx) InsertFulfillmentFailure(_ context.Context, f *models.FulfillmentFailure) error {
	f.ID = t.st.id()
	t.st.failures = append(t.st.failures, *f)
	return nil
}
