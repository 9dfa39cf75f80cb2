package retry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"incasso/internal/audit"
	"incasso/internal/batch"
	"incasso/internal/charge"
	id "incasso/pkg/domain"
)

type SchedulerSuite struct {
	suite.Suite
	store     *InMemoryStore
	charges   *charge.InMemoryStore
	auditLog  *audit.InMemoryStore
	scheduler *Scheduler
	now       time.Time
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.charges = charge.NewInMemoryStore()
	s.auditLog = audit.NewInMemoryStore()
	s.now = time.Date(2026, time.September, 1, 9, 0, 0, 0, time.UTC)

	var err error
	s.scheduler, err = New(s.store, s.charges, Policy{MaxRetries: 3, BaseDelayDays: 3},
		WithAuditPublisher(audit.NewPublisher(s.auditLog)),
	)
	s.Require().NoError(err)
}

func (s *SchedulerSuite) failedTx(chargeID string) batch.Transaction {
	return batch.Transaction{
		EndToEndID: id.NewEndToEndID(id.ChargeID(chargeID), 1),
		BatchID:    id.NewBatchID(),
		ChargeID:   id.ChargeID(chargeID),
		MandateRef: "MND-001",
		MemberID:   id.MemberID(uuid.New()),
		Amount:     2500,
		Currency:   id.CurrencyEUR,
		Outcome:    batch.OutcomeFailed,
		ReasonCode: "AM04",
	}
}

func (s *SchedulerSuite) claimedCharge(chargeID string) {
	ctx := context.Background()
	s.Require().NoError(s.charges.Accept(ctx, charge.Charge{
		ID:         id.ChargeID(chargeID),
		MemberID:   id.MemberID(uuid.New()),
		MandateRef: "MND-001",
		Amount:     2500,
		Currency:   id.CurrencyEUR,
		DueDate:    s.now.AddDate(0, 0, -7),
	}))
	s.Require().NoError(s.charges.Claim(ctx, id.ChargeID(chargeID), id.NewBatchID()))
}

func (s *SchedulerSuite) TestScheduleBackoff() {
	ctx := context.Background()
	s.claimedCharge("CHG-1")

	a1, err := s.scheduler.Schedule(ctx, s.failedTx("CHG-1"), s.now)
	s.Require().NoError(err)
	s.Equal(1, a1.Number)
	s.True(a1.ScheduledFor.Equal(s.now.AddDate(0, 0, 3)))

	a2, err := s.scheduler.Schedule(ctx, s.failedTx("CHG-1"), s.now)
	s.Require().NoError(err)
	s.Equal(2, a2.Number)
	s.True(a2.ScheduledFor.Equal(s.now.AddDate(0, 0, 6)))

	a3, err := s.scheduler.Schedule(ctx, s.failedTx("CHG-1"), s.now)
	s.Require().NoError(err)
	s.Equal(3, a3.Number)
	s.True(a3.ScheduledFor.Equal(s.now.AddDate(0, 0, 9)))
}

func (s *SchedulerSuite) TestScheduleExhaustsBudget() {
	ctx := context.Background()
	s.claimedCharge("CHG-1")

	for range 3 {
		_, err := s.scheduler.Schedule(ctx, s.failedTx("CHG-1"), s.now)
		s.Require().NoError(err)
	}

	_, err := s.scheduler.Schedule(ctx, s.failedTx("CHG-1"), s.now)
	s.Require().ErrorIs(err, ErrExhausted)

	n, err := s.store.CountByCharge(ctx, "CHG-1")
	s.Require().NoError(err)
	s.Equal(3, n)
}

func (s *SchedulerSuite) TestSweepReleasesDueCharges() {
	ctx := context.Background()
	s.claimedCharge("CHG-DUE")
	s.claimedCharge("CHG-FUTURE")

	_, err := s.scheduler.Schedule(ctx, s.failedTx("CHG-DUE"), s.now.AddDate(0, 0, -4))
	s.Require().NoError(err)
	_, err = s.scheduler.Schedule(ctx, s.failedTx("CHG-FUTURE"), s.now)
	s.Require().NoError(err)

	released, err := s.scheduler.Sweep(ctx, s.now)
	s.Require().NoError(err)
	s.Equal(1, released)

	got, err := s.charges.Get(ctx, "CHG-DUE")
	s.Require().NoError(err)
	s.False(got.Included)
	s.Equal(2, got.Attempt)

	future, err := s.charges.Get(ctx, "CHG-FUTURE")
	s.Require().NoError(err)
	s.True(future.Included)
}

// TestSweepIsIdempotent runs the sweep twice over the same date; the second
// run must change nothing.
func (s *SchedulerSuite) TestSweepIsIdempotent() {
	ctx := context.Background()
	s.claimedCharge("CHG-1")
	_, err := s.scheduler.Schedule(ctx, s.failedTx("CHG-1"), s.now.AddDate(0, 0, -4))
	s.Require().NoError(err)

	first, err := s.scheduler.Sweep(ctx, s.now)
	s.Require().NoError(err)
	s.Equal(1, first)

	second, err := s.scheduler.Sweep(ctx, s.now)
	s.Require().NoError(err)
	s.Zero(second)

	got, err := s.charges.Get(ctx, "CHG-1")
	s.Require().NoError(err)
	s.Equal(2, got.Attempt)
}

func (s *SchedulerSuite) TestAuditTrail() {
	ctx := context.Background()
	s.claimedCharge("CHG-1")
	_, err := s.scheduler.Schedule(ctx, s.failedTx("CHG-1"), s.now.AddDate(0, 0, -4))
	s.Require().NoError(err)
	_, err = s.scheduler.Sweep(ctx, s.now)
	s.Require().NoError(err)

	scheduled, err := s.auditLog.List(ctx, audit.Query{Action: audit.ActionRetryScheduled})
	s.Require().NoError(err)
	s.Len(scheduled, 1)

	releasedEvents, err := s.auditLog.List(ctx, audit.Query{Action: audit.ActionRetryReleased})
	s.Require().NoError(err)
	s.Len(releasedEvents, 1)
}
