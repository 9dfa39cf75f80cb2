package mandate

import (
	"context"
	"time"

	id "incasso/pkg/domain"
)

// Store persists mandates. Implementations return pkg/platform/sentinel
// errors for infrastructure facts; the service translates them.
type Store interface {
	// Create fails with sentinel.ErrConflict when the reference exists.
	Create(ctx context.Context, m Mandate) error
	Get(ctx context.Context, ref id.MandateRef) (Mandate, error)
	ListByMember(ctx context.Context, member id.MemberID) ([]Mandate, error)

	// CompareAndSetStatus moves ref from prior to next in one atomic step,
	// failing with sentinel.ErrInvalidState when the stored status differs
	// from prior. This is the only way status changes.
	CompareAndSetStatus(ctx context.Context, ref id.MandateRef, prior, next Status) error

	// IncrementUsage bumps the usage counter and flips FRST to RCUR on first
	// use, atomically, returning the updated mandate.
	IncrementUsage(ctx context.Context, ref id.MandateRef) (Mandate, error)

	// ListLapsed returns Active mandates whose validity date passed.
	ListLapsed(ctx context.Context, asOf time.Time) ([]Mandate, error)
}
