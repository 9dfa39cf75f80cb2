package audit

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps events in append order. Suitable for tests and for
// single-process deployments where Postgres is not configured.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if matches(e, q) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ArchiveExpired(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	archived := 0
	for i := range s.events {
		if !s.events[i].Archived && s.events[i].Timestamp.Before(before) {
			s.events[i].Archived = true
			archived++
		}
	}
	return archived, nil
}

func matches(e Event, q Query) bool {
	if q.EntityType != "" && e.EntityType != q.EntityType {
		return false
	}
	if q.EntityID != "" && e.EntityID != q.EntityID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}
