// Package charge holds the pool of due, unpaid amounts waiting for
// collection. Charges are created by the surrounding membership software; this
// service only claims, releases and requeues them.
package charge

import (
	"context"
	"time"

	id "incasso/pkg/domain"
)

// Charge is one due amount owed by a member. Included is the inclusion flag:
// set atomically when a batch claims the charge, cleared when the batch fails
// or a retry requeues it.
type Charge struct {
	ID         id.ChargeID
	MemberID   id.MemberID
	MandateRef id.MandateRef
	Amount     id.Cents
	Currency   id.Currency
	DueDate    time.Time
	Included   bool
	BatchID    id.BatchID
	// Attempt counts collection attempts, starting at 1 for the first
	// composition. Retries increment it; the end-to-end id embeds it.
	Attempt   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists the charge pool. Claim is the single-writer critical section
// of the whole pipeline: a charge can be claimed by exactly one live batch.
type Store interface {
	// Accept adds a charge from the external source. ErrConflict on duplicate id.
	Accept(ctx context.Context, c Charge) error
	Get(ctx context.Context, chargeID id.ChargeID) (Charge, error)

	// ListEligible returns unclaimed charges due on or before asOf.
	ListEligible(ctx context.Context, asOf time.Time) ([]Charge, error)

	// Claim sets the inclusion flag for batchID, failing with
	// sentinel.ErrAlreadyClaimed when another batch holds the charge.
	Claim(ctx context.Context, chargeID id.ChargeID, batchID id.BatchID) error

	// Release clears the inclusion flag so the next cycle can pick the
	// charge up again.
	Release(ctx context.Context, chargeID id.ChargeID) error

	// ReleaseBatch releases every charge claimed by batchID, returning the
	// count. Used when the bank rejects a file outright.
	ReleaseBatch(ctx context.Context, batchID id.BatchID) (int, error)

	// Requeue releases the charge for a retry: clears the flag, moves the
	// due date, and increments the attempt counter.
	Requeue(ctx context.Context, chargeID id.ChargeID, dueDate time.Time) (Charge, error)
}
