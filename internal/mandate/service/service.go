// Package service implements the mandate registry: creation, validation and
// every lifecycle transition a mandate can make.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"incasso/internal/audit"
	"incasso/internal/mandate"
	id "incasso/pkg/domain"
	dErrors "incasso/pkg/domain-errors"
	"incasso/pkg/iban"
	"incasso/pkg/platform/sentinel"
)

// AuditPublisher records state transitions. Satisfied by audit.Publisher.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Service struct {
	store      mandate.Store
	creditorID string
	auditPub   AuditPublisher
	logger     *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAuditPublisher(pub AuditPublisher) Option {
	return func(s *Service) { s.auditPub = pub }
}

func New(store mandate.Store, creditorID string, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("mandate store is required")
	}
	if err := iban.ValidateCreditorID(creditorID); err != nil {
		return nil, fmt.Errorf("creditor id: %w", err)
	}
	svc := &Service{
		store:      store,
		creditorID: creditorID,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// RegisterRequest carries everything mandate registration needs. BIC may be
// empty for Dutch IBANs; it is derived from the bank code.
type RegisterRequest struct {
	Reference     id.MandateRef
	MemberID      id.MemberID
	IBAN          string
	BIC           string
	SequenceType  mandate.SequenceType
	SignatureDate time.Time
	ValidUntil    time.Time
	Actor         string
}

// Register validates the request and stores the mandate in Draft.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (mandate.Mandate, error) {
	if req.MemberID.IsNil() {
		return mandate.Mandate{}, dErrors.New(dErrors.CodeBadRequest, "member id is required")
	}
	if req.Reference == "" {
		return mandate.Mandate{}, dErrors.New(dErrors.CodeBadRequest, "mandate reference is required")
	}

	normalized := iban.Normalize(req.IBAN)
	if err := iban.Validate(normalized); err != nil {
		return mandate.Mandate{}, err
	}

	bic := req.BIC
	if bic == "" {
		derived, err := iban.DeriveBIC(normalized)
		if err != nil {
			return mandate.Mandate{}, err
		}
		bic = derived
	} else if err := iban.ValidateBIC(bic); err != nil {
		return mandate.Mandate{}, err
	}

	switch req.SequenceType {
	case mandate.SequenceFirst, mandate.SequenceRecurring, mandate.SequenceOneOff:
	default:
		return mandate.Mandate{}, dErrors.Newf(dErrors.CodeValidation, "unknown sequence type %q", req.SequenceType)
	}

	signature := req.SignatureDate
	if signature.IsZero() {
		signature = time.Now()
	}

	now := time.Now()
	m := mandate.Mandate{
		Reference:     req.Reference,
		MemberID:      req.MemberID,
		IBAN:          normalized,
		BIC:           bic,
		CreditorID:    s.creditorID,
		SequenceType:  req.SequenceType,
		Status:        mandate.StatusDraft,
		SignatureDate: signature,
		ValidUntil:    req.ValidUntil,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, m); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return mandate.Mandate{}, dErrors.Newf(dErrors.CodeConflict, "mandate reference %s already exists", req.Reference)
		}
		return mandate.Mandate{}, dErrors.Wrap(err, dErrors.CodeInternal, "store mandate")
	}

	s.emit(ctx, m.Reference, "", string(mandate.StatusDraft), audit.ActionMandateRegistered, req.Actor, "registered")
	return m, nil
}

// Activate transitions Draft → Active. Evidence of the signed authorization is
// mandatory; activation without it would collect on an unproven mandate.
func (s *Service) Activate(ctx context.Context, ref id.MandateRef, actor, evidence string) error {
	if evidence == "" {
		return dErrors.New(dErrors.CodeValidation, "signed authorization evidence is required")
	}
	m, err := s.get(ctx, ref)
	if err != nil {
		return err
	}
	if m.Status != mandate.StatusDraft {
		return dErrors.Newf(dErrors.CodeInvalidState, "mandate %s is %s, not Draft", ref, m.Status)
	}

	// One Active recurring mandate per member and creditor. The store
	// enforces this atomically at the transition; the pre-check only names
	// the competing mandate in the error.
	if m.SequenceType != mandate.SequenceOneOff {
		others, err := s.store.ListByMember(ctx, m.MemberID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "list member mandates")
		}
		for _, other := range others {
			if other.Reference != ref &&
				other.Status == mandate.StatusActive &&
				other.SequenceType != mandate.SequenceOneOff &&
				other.CreditorID == m.CreditorID {
				return dErrors.Newf(dErrors.CodeConflict,
					"member already has active recurring mandate %s", other.Reference)
			}
		}
	}

	if err := s.transition(ctx, ref, mandate.StatusDraft, mandate.StatusActive); err != nil {
		return err
	}
	s.emit(ctx, ref, string(mandate.StatusDraft), string(mandate.StatusActive),
		audit.ActionMandateActivated, actor, "authorization evidence: "+evidence)
	return nil
}

// Suspend pauses collections. Idempotent when already suspended.
func (s *Service) Suspend(ctx context.Context, ref id.MandateRef, actor, reason string) error {
	m, err := s.get(ctx, ref)
	if err != nil {
		return err
	}
	if m.Status == mandate.StatusSuspended {
		return nil
	}
	if err := s.transition(ctx, ref, mandate.StatusActive, mandate.StatusSuspended); err != nil {
		return err
	}
	s.emit(ctx, ref, string(mandate.StatusActive), string(mandate.StatusSuspended),
		audit.ActionMandateSuspended, actor, reason)
	return nil
}

// Resume lifts a suspension.
func (s *Service) Resume(ctx context.Context, ref id.MandateRef, actor, reason string) error {
	m, err := s.get(ctx, ref)
	if err != nil {
		return err
	}
	if m.Status == mandate.StatusActive {
		return nil
	}
	if err := s.transition(ctx, ref, mandate.StatusSuspended, mandate.StatusActive); err != nil {
		return err
	}
	s.emit(ctx, ref, string(mandate.StatusSuspended), string(mandate.StatusActive),
		audit.ActionMandateResumed, actor, reason)
	return nil
}

// Cancel ends the mandate permanently. Idempotent when already cancelled;
// allowed from Active and Suspended.
func (s *Service) Cancel(ctx context.Context, ref id.MandateRef, actor, reason string) error {
	m, err := s.get(ctx, ref)
	if err != nil {
		return err
	}
	if m.Status == mandate.StatusCancelled {
		return nil
	}
	if !m.Status.CanTransitionTo(mandate.StatusCancelled) {
		return dErrors.Newf(dErrors.CodeInvalidState, "mandate %s is %s and cannot be cancelled", ref, m.Status)
	}
	if err := s.transition(ctx, ref, m.Status, mandate.StatusCancelled); err != nil {
		return err
	}
	s.emit(ctx, ref, string(m.Status), string(mandate.StatusCancelled),
		audit.ActionMandateCancelled, actor, reason)
	return nil
}

// Consume retires a one-off mandate the moment it is claimed into a batch.
// One-off authorizations are never reused.
func (s *Service) Consume(ctx context.Context, ref id.MandateRef, actor string) error {
	m, err := s.get(ctx, ref)
	if err != nil {
		return err
	}
	if m.SequenceType != mandate.SequenceOneOff {
		return dErrors.Newf(dErrors.CodeInvalidState, "mandate %s is not one-off", ref)
	}
	if err := s.transition(ctx, ref, mandate.StatusActive, mandate.StatusExpired); err != nil {
		return err
	}
	s.emit(ctx, ref, string(mandate.StatusActive), string(mandate.StatusExpired),
		audit.ActionMandateExpired, actor, "one-off mandate consumed")
	return nil
}

// RecordUsage marks one successful settlement: bumps the usage counter and
// flips a first-use mandate to recurring for subsequent batches.
func (s *Service) RecordUsage(ctx context.Context, ref id.MandateRef) (mandate.Mandate, error) {
	prior, err := s.get(ctx, ref)
	if err != nil {
		return mandate.Mandate{}, err
	}
	updated, err := s.store.IncrementUsage(ctx, ref)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return mandate.Mandate{}, dErrors.Newf(dErrors.CodeNotFound, "mandate %s not found", ref)
		}
		return mandate.Mandate{}, dErrors.Wrap(err, dErrors.CodeInternal, "record usage")
	}
	s.emit(ctx, ref, string(prior.SequenceType), string(updated.SequenceType),
		audit.ActionMandateUsageRecorded, "system",
		fmt.Sprintf("usage count %d", updated.UsageCount))
	return updated, nil
}

// ExpireLapsed sweeps Active mandates past their validity date into Expired.
// Returns how many lapsed.
func (s *Service) ExpireLapsed(ctx context.Context, asOf time.Time) (int, error) {
	lapsed, err := s.store.ListLapsed(ctx, asOf)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "list lapsed mandates")
	}
	expired := 0
	for _, m := range lapsed {
		if err := s.transition(ctx, m.Reference, mandate.StatusActive, mandate.StatusExpired); err != nil {
			// Lost the race to another transition; skip, the sweep reruns.
			continue
		}
		s.emit(ctx, m.Reference, string(mandate.StatusActive), string(mandate.StatusExpired),
			audit.ActionMandateExpired, "system", "validity date lapsed")
		expired++
	}
	return expired, nil
}

// Get returns a mandate by reference.
func (s *Service) Get(ctx context.Context, ref id.MandateRef) (mandate.Mandate, error) {
	return s.get(ctx, ref)
}

// ListByMember returns all mandates a member ever held.
func (s *Service) ListByMember(ctx context.Context, member id.MemberID) ([]mandate.Mandate, error) {
	out, err := s.store.ListByMember(ctx, member)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list member mandates")
	}
	return out, nil
}

func (s *Service) get(ctx context.Context, ref id.MandateRef) (mandate.Mandate, error) {
	m, err := s.store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return mandate.Mandate{}, dErrors.Newf(dErrors.CodeNotFound, "mandate %s not found", ref)
		}
		return mandate.Mandate{}, dErrors.Wrap(err, dErrors.CodeInternal, "get mandate")
	}
	return m, nil
}

func (s *Service) transition(ctx context.Context, ref id.MandateRef, prior, next mandate.Status) error {
	err := s.store.CompareAndSetStatus(ctx, ref, prior, next)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Newf(dErrors.CodeNotFound, "mandate %s not found", ref)
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Newf(dErrors.CodeInvalidState, "mandate %s is no longer %s", ref, prior)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Newf(dErrors.CodeConflict, "member already has an active recurring mandate")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "update mandate status")
	}
}

func (s *Service) emit(ctx context.Context, ref id.MandateRef, prior, next string, action audit.Action, actor, reason string) {
	if s.auditPub == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	if err := s.auditPub.Emit(ctx, audit.Event{
		Actor:      actor,
		EntityType: audit.EntityMandate,
		EntityID:   string(ref),
		PriorState: prior,
		NewState:   next,
		Action:     action,
		Reason:     reason,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "mandate", ref, "action", action, "error", err)
	}
}
