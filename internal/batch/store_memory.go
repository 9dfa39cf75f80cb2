package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	id "incasso/pkg/domain"
	"incasso/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu           sync.RWMutex
	batches      map[id.BatchID]Batch
	transactions map[id.EndToEndID]Transaction
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		batches:      make(map[id.BatchID]Batch),
		transactions: make(map[id.EndToEndID]Transaction),
	}
}

func (s *InMemoryStore) CreateBatch(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[b.ID]; exists {
		return sentinel.ErrConflict
	}
	if b.Status == "" {
		b.Status = StatusDraft
	}
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	s.batches[b.ID] = b
	return nil
}

func (s *InMemoryStore) GetBatch(_ context.Context, batchID id.BatchID) (Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return Batch{}, sentinel.ErrNotFound
	}
	return b, nil
}

func (s *InMemoryStore) ListBatches(_ context.Context, status Status) ([]Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Batch
	for _, b := range s.batches {
		if status == "" || b.Status == status {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CompareAndSetStatus(_ context.Context, batchID id.BatchID, prior, next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if b.Status != prior {
		return sentinel.ErrInvalidState
	}
	b.Status = next
	b.UpdatedAt = time.Now()
	s.batches[batchID] = b
	return nil
}

func (s *InMemoryStore) MarkSubmitted(_ context.Context, batchID id.BatchID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if b.Status != StatusValidated {
		return sentinel.ErrInvalidState
	}
	b.Status = StatusSubmitted
	b.SubmittedAt = at
	b.UpdatedAt = time.Now()
	s.batches[batchID] = b
	return nil
}

func (s *InMemoryStore) CreateTransactions(_ context.Context, txs []Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		if _, exists := s.transactions[tx.EndToEndID]; exists {
			return sentinel.ErrConflict
		}
	}
	now := time.Now()
	for _, tx := range txs {
		if tx.Outcome == "" {
			tx.Outcome = OutcomePending
		}
		tx.CreatedAt = now
		tx.UpdatedAt = now
		s.transactions[tx.EndToEndID] = tx
	}
	return nil
}

func (s *InMemoryStore) GetTransaction(_ context.Context, e2e id.EndToEndID) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[e2e]
	if !ok {
		return Transaction{}, sentinel.ErrNotFound
	}
	return tx, nil
}

func (s *InMemoryStore) ListTransactions(_ context.Context, batchID id.BatchID) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, tx := range s.transactions {
		if tx.BatchID == batchID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndToEndID < out[j].EndToEndID })
	return out, nil
}

func (s *InMemoryStore) SetOutcome(_ context.Context, e2e id.EndToEndID, outcome Outcome, reasonCode string, settledAt time.Time) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[e2e]
	if !ok {
		return Transaction{}, sentinel.ErrNotFound
	}
	if tx.Outcome != OutcomePending {
		return Transaction{}, sentinel.ErrInvalidState
	}
	tx.Outcome = outcome
	tx.ReasonCode = reasonCode
	tx.SettledAt = settledAt
	tx.UpdatedAt = time.Now()
	s.transactions[e2e] = tx
	return tx, nil
}

func (s *InMemoryStore) MarkPermanentlyFailed(_ context.Context, e2e id.EndToEndID) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[e2e]
	if !ok {
		return Transaction{}, sentinel.ErrNotFound
	}
	if tx.Outcome != OutcomeFailed {
		return Transaction{}, sentinel.ErrInvalidState
	}
	tx.Outcome = OutcomePermanentlyFailed
	tx.UpdatedAt = time.Now()
	s.transactions[e2e] = tx
	return tx, nil
}
