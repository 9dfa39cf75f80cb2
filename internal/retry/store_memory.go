package retry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	id "incasso/pkg/domain"
	"incasso/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu       sync.RWMutex
	attempts map[uuid.UUID]Attempt
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{attempts: make(map[uuid.UUID]Attempt)}
}

func (s *InMemoryStore) Create(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[a.ID]; exists {
		return sentinel.ErrConflict
	}
	a.CreatedAt = time.Now()
	s.attempts[a.ID] = a
	return nil
}

func (s *InMemoryStore) ListDue(_ context.Context, asOf time.Time) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Attempt
	for _, a := range s.attempts {
		if !a.Consumed && !a.ScheduledFor.After(asOf) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].ChargeID < out[j].ChargeID
	})
	return out, nil
}

func (s *InMemoryStore) MarkConsumed(_ context.Context, attemptID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if a.Consumed {
		return sentinel.ErrInvalidState
	}
	a.Consumed = true
	s.attempts[attemptID] = a
	return nil
}

func (s *InMemoryStore) CountByCharge(_ context.Context, chargeID id.ChargeID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.attempts {
		if a.ChargeID == chargeID {
			n++
		}
	}
	return n, nil
}
