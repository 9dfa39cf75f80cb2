package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"incasso/internal/audit"
	"incasso/internal/batch"
	"incasso/internal/charge"
	"incasso/internal/platform/metrics"
	"incasso/internal/platform/redis"
	"incasso/pkg/platform/sentinel"
)

// ErrExhausted signals the charge has used its full retry budget. The caller
// escalates to a permanent failure; nothing retries past this point.
var ErrExhausted = errors.New("retry budget exhausted")

const sweepMarkerPrefix = "incasso:retry:sweep:"

// Policy bounds the scheduler. Attempt N runs BaseDelayDays*N days after the
// failure that caused it.
type Policy struct {
	MaxRetries    int
	BaseDelayDays int
}

type AuditPublisher interface {
	Emit(ctx context.Context, e audit.Event) error
}

type Scheduler struct {
	store    Store
	charges  charge.Store
	policy   Policy
	auditPub AuditPublisher
	metrics  *metrics.Metrics
	redis    *redis.Client
	logger   *slog.Logger
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithAuditPublisher(pub AuditPublisher) Option {
	return func(s *Scheduler) { s.auditPub = pub }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithRedisSweepMarker adds a cross-instance daily marker so only the first
// instance to sweep a given day does the work. The consumed flag already makes
// a double sweep harmless; the marker just skips it early.
func WithRedisSweepMarker(client *redis.Client) Option {
	return func(s *Scheduler) { s.redis = client }
}

func New(store Store, charges charge.Store, policy Policy, opts ...Option) (*Scheduler, error) {
	if store == nil || charges == nil {
		return nil, errors.New("retry: store and charge store are required")
	}
	if policy.MaxRetries <= 0 || policy.BaseDelayDays <= 0 {
		return nil, errors.New("retry: policy must have positive max retries and base delay")
	}
	s := &Scheduler{
		store:   store,
		charges: charges,
		policy:  policy,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Schedule books the next collection attempt for a failed transaction.
// Returns ErrExhausted once the charge has had MaxRetries attempts scheduled.
func (s *Scheduler) Schedule(ctx context.Context, tx batch.Transaction, failedAt time.Time) (Attempt, error) {
	used, err := s.store.CountByCharge(ctx, tx.ChargeID)
	if err != nil {
		return Attempt{}, fmt.Errorf("count attempts for %s: %w", tx.ChargeID, err)
	}
	if used >= s.policy.MaxRetries {
		if s.metrics != nil {
			s.metrics.RetriesExhausted.Inc()
		}
		return Attempt{}, ErrExhausted
	}

	number := used + 1
	a := Attempt{
		ID:           uuid.New(),
		ChargeID:     tx.ChargeID,
		EndToEndID:   tx.EndToEndID,
		MandateRef:   tx.MandateRef,
		Number:       number,
		ScheduledFor: failedAt.AddDate(0, 0, s.policy.BaseDelayDays*number),
	}
	if err := s.store.Create(ctx, a); err != nil {
		return Attempt{}, fmt.Errorf("create retry attempt: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RetriesScheduled.Inc()
	}
	s.emit(ctx, audit.Event{
		EntityType: audit.EntityRetryAttempt,
		EntityID:   a.ID.String(),
		NewState:   "scheduled",
		Action:     audit.ActionRetryScheduled,
		Reason: fmt.Sprintf("attempt %d of %d for charge %s, due %s",
			number, s.policy.MaxRetries, tx.ChargeID, a.ScheduledFor.Format("2006-01-02")),
	})
	s.logger.Info("retry scheduled",
		"charge_id", tx.ChargeID, "attempt", number, "scheduled_for", a.ScheduledFor)
	return a, nil
}

// Sweep releases every due attempt's charge back into the pool. Running it
// twice over the same date is a no-op the second time: each attempt is
// consumed exactly once.
func (s *Scheduler) Sweep(ctx context.Context, asOf time.Time) (int, error) {
	if s.redis != nil {
		marker := sweepMarkerPrefix + asOf.Format("2006-01-02")
		ok, err := s.redis.SetNX(ctx, marker, "done", 48*time.Hour).Result()
		if err != nil {
			return 0, fmt.Errorf("acquire sweep marker: %w", err)
		}
		if !ok {
			s.logger.Info("retry sweep already ran", "date", asOf.Format("2006-01-02"))
			return 0, nil
		}
	}

	due, err := s.store.ListDue(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("list due attempts: %w", err)
	}

	released := 0
	for _, a := range due {
		if err := s.store.MarkConsumed(ctx, a.ID); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				continue // another sweep got here first
			}
			return released, err
		}
		if _, err := s.charges.Requeue(ctx, a.ChargeID, asOf); err != nil {
			s.logger.Error("requeue charge for retry failed",
				"charge_id", a.ChargeID, "attempt_id", a.ID, "error", err)
			continue
		}
		s.emit(ctx, audit.Event{
			EntityType: audit.EntityRetryAttempt,
			EntityID:   a.ID.String(),
			PriorState: "scheduled",
			NewState:   "released",
			Action:     audit.ActionRetryReleased,
			Reason:     fmt.Sprintf("charge %s back in pool for attempt %d", a.ChargeID, a.Number),
		})
		released++
	}
	if released > 0 {
		s.logger.Info("retry sweep released charges", "count", released)
	}
	return released, nil
}

func (s *Scheduler) emit(ctx context.Context, e audit.Event) {
	if s.auditPub == nil {
		return
	}
	e.Actor = "system"
	if err := s.auditPub.Emit(ctx, e); err != nil {
		s.logger.Error("audit emit failed", "action", e.Action, "error", err)
	}
}
