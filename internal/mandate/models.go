package mandate

import (
	"time"

	id "incasso/pkg/domain"
)

// Status is a mandate's lifecycle state. Transitions go through the table
// below; nothing mutates status except the registry's compare-and-set.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusActive    Status = "Active"
	StatusSuspended Status = "Suspended"
	StatusCancelled Status = "Cancelled"
	StatusExpired   Status = "Expired"
)

// transitions is the full state machine: Draft → Active → {Suspended ⇄ Active}
// → Cancelled, or Active → Expired. Cancelled and Expired are absorbing.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusActive},
	StatusActive:    {StatusSuspended, StatusCancelled, StatusExpired},
	StatusSuspended: {StatusActive, StatusCancelled},
}

// CanTransitionTo reports whether the move is allowed by the state machine.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// SequenceType is the SEPA sequence flag the next collection under this
// mandate must carry.
type SequenceType string

const (
	SequenceFirst     SequenceType = "FRST"
	SequenceRecurring SequenceType = "RCUR"
	SequenceOneOff    SequenceType = "OOFF"
)

// ParseSequenceType validates an externally supplied sequence type.
func ParseSequenceType(s string) (SequenceType, bool) {
	switch SequenceType(s) {
	case SequenceFirst, SequenceRecurring, SequenceOneOff:
		return SequenceType(s), true
	}
	return "", false
}

// Mandate is a member's standing authorization for debits. Reference is
// immutable once issued; everything else is owned by the registry.
type Mandate struct {
	Reference     id.MandateRef
	MemberID      id.MemberID
	IBAN          string
	BIC           string
	CreditorID    string
	SequenceType  SequenceType
	Status        Status
	UsageCount    int
	SignatureDate time.Time
	// ValidUntil is the authorization's validity lapse; zero means open-ended.
	ValidUntil time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Collectable reports whether a batch may include charges under this mandate
// right now.
func (m Mandate) Collectable(now time.Time) bool {
	if m.Status != StatusActive {
		return false
	}
	if !m.ValidUntil.IsZero() && now.After(m.ValidUntil) {
		return false
	}
	return true
}
