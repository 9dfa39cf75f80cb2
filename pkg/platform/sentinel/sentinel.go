package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into coded domain errors.
//
// These represent factual states about stored records, not validation failures:
// - ErrNotFound: record does not exist in the store
// - ErrConflict: a unique constraint (mandate reference, end-to-end id) was hit
// - ErrInvalidState: compare-and-set found the record in a different state
// - ErrAlreadyClaimed: the charge's inclusion flag was set by another cycle
// - ErrUnavailable: backing service temporarily unreachable
//
// For input validation (bad IBAN, bad amount) use pkg/domain-errors directly.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInvalidState   = errors.New("invalid state")
	ErrAlreadyClaimed = errors.New("already claimed")
	ErrUnavailable    = errors.New("unavailable")
)
