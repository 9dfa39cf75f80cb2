package mandate

import (
	"context"
	"sync"
	"time"

	id "incasso/pkg/domain"
	"incasso/pkg/platform/sentinel"
)

// InMemoryStore keeps mandates under a RWMutex. The compare-and-set methods
// hold the write lock for the whole read-check-write, which gives the same
// serializability the Postgres store gets from conditional UPDATEs.
type InMemoryStore struct {
	mu       sync.RWMutex
	mandates map[id.MandateRef]Mandate
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{mandates: make(map[id.MandateRef]Mandate)}
}

func (s *InMemoryStore) Create(_ context.Context, m Mandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.mandates[m.Reference]; exists {
		return sentinel.ErrConflict
	}
	s.mandates[m.Reference] = m
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, ref id.MandateRef) (Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mandates[ref]
	if !ok {
		return Mandate{}, sentinel.ErrNotFound
	}
	return m, nil
}

func (s *InMemoryStore) ListByMember(_ context.Context, member id.MemberID) ([]Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Mandate
	for _, m := range s.mandates {
		if m.MemberID == member {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CompareAndSetStatus(_ context.Context, ref id.MandateRef, prior, next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[ref]
	if !ok {
		return sentinel.ErrNotFound
	}
	if m.Status != prior {
		return sentinel.ErrInvalidState
	}
	// One Active recurring mandate per member and creditor, enforced under
	// the same lock as the transition. Mirrors the partial unique index the
	// Postgres store relies on.
	if next == StatusActive && m.SequenceType != SequenceOneOff {
		for _, other := range s.mandates {
			if other.Reference != ref &&
				other.MemberID == m.MemberID &&
				other.CreditorID == m.CreditorID &&
				other.Status == StatusActive &&
				other.SequenceType != SequenceOneOff {
				return sentinel.ErrConflict
			}
		}
	}
	m.Status = next
	m.UpdatedAt = time.Now()
	s.mandates[ref] = m
	return nil
}

func (s *InMemoryStore) IncrementUsage(_ context.Context, ref id.MandateRef) (Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[ref]
	if !ok {
		return Mandate{}, sentinel.ErrNotFound
	}
	m.UsageCount++
	if m.SequenceType == SequenceFirst {
		m.SequenceType = SequenceRecurring
	}
	m.UpdatedAt = time.Now()
	s.mandates[ref] = m
	return m, nil
}

func (s *InMemoryStore) ListLapsed(_ context.Context, asOf time.Time) ([]Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Mandate
	for _, m := range s.mandates {
		if m.Status == StatusActive && !m.ValidUntil.IsZero() && asOf.After(m.ValidUntil) {
			out = append(out, m)
		}
	}
	return out, nil
}
