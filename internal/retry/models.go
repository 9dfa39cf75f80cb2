// Package retry schedules re-collection of charges whose transaction came
// back with a recoverable reason. Attempts are bounded; exceeding the budget
// is escalated by the caller, never retried further.
package retry

import (
	"context"
	"time"

	"github.com/google/uuid"

	id "incasso/pkg/domain"
)

// Attempt is one scheduled re-collection. Number is 1-based: attempt N waits
// baseDelay*N days after the failure that caused it.
type Attempt struct {
	ID           uuid.UUID
	ChargeID     id.ChargeID
	EndToEndID   id.EndToEndID
	MandateRef   id.MandateRef
	Number       int
	ScheduledFor time.Time
	Consumed     bool
	CreatedAt    time.Time
}

type Store interface {
	Create(ctx context.Context, a Attempt) error
	ListDue(ctx context.Context, asOf time.Time) ([]Attempt, error)

	// MarkConsumed flips the consumed flag exactly once, failing with
	// sentinel.ErrInvalidState when the attempt was already consumed. This
	// is what makes the sweep idempotent.
	MarkConsumed(ctx context.Context, attemptID uuid.UUID) error

	// CountByCharge counts every attempt ever scheduled for the charge,
	// consumed or not.
	CountByCharge(ctx context.Context, chargeID id.ChargeID) (int, error)
}
