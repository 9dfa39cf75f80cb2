package charge

import (
	"context"
	"sort"
	"sync"
	"time"

	id "incasso/pkg/domain"
	"incasso/pkg/platform/sentinel"
)

// InMemoryStore keeps the charge pool under a RWMutex. Claim holds the write
// lock across the check-and-set, which is what makes two concurrent compose
// cycles unable to claim the same charge.
type InMemoryStore struct {
	mu      sync.RWMutex
	charges map[id.ChargeID]Charge
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{charges: make(map[id.ChargeID]Charge)}
}

func (s *InMemoryStore) Accept(_ context.Context, c Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.charges[c.ID]; exists {
		return sentinel.ErrConflict
	}
	if c.Attempt == 0 {
		c.Attempt = 1
	}
	s.charges[c.ID] = c
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, chargeID id.ChargeID) (Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.charges[chargeID]
	if !ok {
		return Charge{}, sentinel.ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) ListEligible(_ context.Context, asOf time.Time) ([]Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Charge
	for _, c := range s.charges {
		if !c.Included && !c.DueDate.After(asOf) {
			out = append(out, c)
		}
	}
	// Deterministic order: oldest due first, then id.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) Claim(_ context.Context, chargeID id.ChargeID, batchID id.BatchID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[chargeID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if c.Included {
		return sentinel.ErrAlreadyClaimed
	}
	c.Included = true
	c.BatchID = batchID
	c.UpdatedAt = time.Now()
	s.charges[chargeID] = c
	return nil
}

// Release puts a charge back into the pool. The attempt counter advances so
// the next inclusion carries a fresh end-to-end id; the dead batch's
// transaction rows stay behind for the audit trail.
func (s *InMemoryStore) Release(_ context.Context, chargeID id.ChargeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[chargeID]
	if !ok {
		return sentinel.ErrNotFound
	}
	c.Included = false
	c.BatchID = id.BatchID{}
	c.Attempt++
	c.UpdatedAt = time.Now()
	s.charges[chargeID] = c
	return nil
}

func (s *InMemoryStore) ReleaseBatch(_ context.Context, batchID id.BatchID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for cid, c := range s.charges {
		if c.Included && c.BatchID == batchID {
			c.Included = false
			c.BatchID = id.BatchID{}
			c.Attempt++
			c.UpdatedAt = time.Now()
			s.charges[cid] = c
			released++
		}
	}
	return released, nil
}

func (s *InMemoryStore) Requeue(_ context.Context, chargeID id.ChargeID, dueDate time.Time) (Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[chargeID]
	if !ok {
		return Charge{}, sentinel.ErrNotFound
	}
	c.Included = false
	c.BatchID = id.BatchID{}
	c.DueDate = dueDate
	c.Attempt++
	c.UpdatedAt = time.Now()
	s.charges[chargeID] = c
	return c, nil
}
