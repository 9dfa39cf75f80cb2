// Package domain holds the typed identifiers shared across the collection
// pipeline. Distinct types keep a mandate reference from ever being passed
// where a batch id is expected; the compiler enforces it.
package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	dErrors "incasso/pkg/domain-errors"
)

// MemberID identifies a member in the surrounding association software.
type MemberID uuid.UUID

// BatchID identifies one collection batch.
type BatchID uuid.UUID

// MandateRef is the unique mandate reference printed on the authorization the
// member signed. Immutable once issued.
type MandateRef string

// ChargeID identifies a due amount in the external charge source (typically an
// invoice number). Opaque to this service.
type ChargeID string

// EndToEndID is the SEPA end-to-end identifier carried on one transaction.
// Globally unique across all batches ever submitted.
type EndToEndID string

func (m MemberID) IsNil() bool  { return uuid.UUID(m) == uuid.Nil }
func (b BatchID) IsNil() bool   { return uuid.UUID(b) == uuid.Nil }
func (m MemberID) String() string { return uuid.UUID(m).String() }
func (b BatchID) String() string  { return uuid.UUID(b).String() }

// NewBatchID issues a fresh batch identifier.
func NewBatchID() BatchID { return BatchID(uuid.New()) }

// NewEndToEndID issues the end-to-end identifier for a charge's nth collection
// attempt. Including the attempt number keeps retried collections distinct.
func NewEndToEndID(charge ChargeID, attempt int) EndToEndID {
	return EndToEndID(fmt.Sprintf("E2E-%s-%d", charge, attempt))
}

// ParseMemberID validates and converts an external member id string.
func ParseMemberID(s string) (MemberID, error) {
	u, err := parseUUID(s, "member id")
	return MemberID(u), err
}

// ParseBatchID validates and converts an external batch id string.
func ParseBatchID(s string) (BatchID, error) {
	u, err := parseUUID(s, "batch id")
	return BatchID(u), err
}

// ParseMandateRef validates an external mandate reference. SEPA allows up to 35
// characters from the restricted character set.
func ParseMandateRef(s string) (MandateRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeBadRequest, "mandate reference is required")
	}
	if len(s) > 35 {
		return "", dErrors.New(dErrors.CodeValidation, "mandate reference exceeds 35 characters")
	}
	return MandateRef(s), nil
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeBadRequest, "%s is required", label)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeBadRequest, "%s must not be the nil uuid", label)
	}
	return u, nil
}
