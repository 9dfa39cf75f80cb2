package composer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"incasso/internal/audit"
	"incasso/internal/batch"
	"incasso/internal/charge"
	"incasso/internal/mandate"
	mandatesvc "incasso/internal/mandate/service"
	id "incasso/pkg/domain"
	dErrors "incasso/pkg/domain-errors"
)

const testCreditorID = "NL43ZZZ3020884160000"

type ComposerSuite struct {
	suite.Suite
	charges  *charge.InMemoryStore
	mandates *mandatesvc.Service
	batches  *batch.InMemoryStore
	auditLog *audit.InMemoryStore
	composer *Composer
	now      time.Time
}

func TestComposerSuite(t *testing.T) {
	suite.Run(t, new(ComposerSuite))
}

func (s *ComposerSuite) SetupTest() {
	s.charges = charge.NewInMemoryStore()
	s.batches = batch.NewInMemoryStore()
	s.auditLog = audit.NewInMemoryStore()
	s.now = time.Date(2026, time.September, 1, 9, 0, 0, 0, time.UTC) // a Tuesday

	var err error
	s.mandates, err = mandatesvc.New(mandate.NewInMemoryStore(), testCreditorID)
	s.Require().NoError(err)

	s.composer, err = New(s.charges, s.mandates, s.batches,
		Limits{MaxBatchSize: 3, MaxBatchAmount: 10_000, LeadTimeDays: 2},
		WithAuditPublisher(audit.NewPublisher(s.auditLog)),
	)
	s.Require().NoError(err)
}

func (s *ComposerSuite) activeMandate(ref string, seq mandate.SequenceType) mandate.Mandate {
	m, err := s.mandates.Register(context.Background(), mandatesvc.RegisterRequest{
		Reference:    id.MandateRef(ref),
		MemberID:     id.MemberID(uuid.New()),
		IBAN:         "NL91ABNA0417164300",
		SequenceType: seq,
	})
	s.Require().NoError(err)
	s.Require().NoError(s.mandates.Activate(context.Background(), m.Reference, "tester", "scan"))
	got, err := s.mandates.Get(context.Background(), m.Reference)
	s.Require().NoError(err)
	return got
}

func (s *ComposerSuite) addCharge(chargeID, mandateRef string, amount id.Cents) {
	s.Require().NoError(s.charges.Accept(context.Background(), charge.Charge{
		ID:         id.ChargeID(chargeID),
		MemberID:   id.MemberID(uuid.New()),
		MandateRef: id.MandateRef(mandateRef),
		Amount:     amount,
		Currency:   id.CurrencyEUR,
		DueDate:    s.now.AddDate(0, 0, -1),
	}))
}

// TestComposeRecurringCharge covers the happy path: one due charge under an
// active recurring mandate ends up in a single batch whose control sum equals
// the charge amount.
func (s *ComposerSuite) TestComposeRecurringCharge() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)
	s.addCharge("CHG-1", "MND-1", 2500)

	result, err := s.composer.Compose(ctx, s.now, "scheduler")
	s.Require().NoError(err)
	s.Require().Len(result.Batches, 1)

	b := result.Batches[0]
	s.Equal(batch.StatusDraft, b.Status)
	s.Equal(mandate.SequenceRecurring, b.SequenceType)
	s.Equal(id.Cents(2500), b.TotalAmount)
	s.Equal(1, b.TxCount)

	txs, err := s.batches.ListTransactions(ctx, b.ID)
	s.Require().NoError(err)
	s.Require().Len(txs, 1)
	s.Equal(id.EndToEndID("E2E-CHG-1-1"), txs[0].EndToEndID)
	s.Equal("25.00", txs[0].Amount.Decimal())
	s.Equal(batch.OutcomePending, txs[0].Outcome)
	s.Equal("NL91ABNA0417164300", txs[0].DebtorIBAN)

	got, err := s.charges.Get(ctx, "CHG-1")
	s.Require().NoError(err)
	s.True(got.Included)
	s.Equal(b.ID, got.BatchID)
}

func (s *ComposerSuite) TestNoEligibleChargesIsBatchLimit() {
	_, err := s.composer.Compose(context.Background(), s.now, "scheduler")
	s.True(dErrors.HasCode(err, dErrors.CodeBatchLimit))
}

func (s *ComposerSuite) TestGroupsBySequenceFlag() {
	ctx := context.Background()
	s.activeMandate("MND-FIRST", mandate.SequenceFirst)
	s.activeMandate("MND-RCUR", mandate.SequenceRecurring)
	s.addCharge("CHG-F", "MND-FIRST", 1000)
	s.addCharge("CHG-R", "MND-RCUR", 1000)

	result, err := s.composer.Compose(ctx, s.now, "scheduler")
	s.Require().NoError(err)
	s.Require().Len(result.Batches, 2)

	flags := map[mandate.SequenceType]bool{}
	for _, b := range result.Batches {
		flags[b.SequenceType] = true
		s.Equal(1, b.TxCount)
	}
	s.True(flags[mandate.SequenceFirst])
	s.True(flags[mandate.SequenceRecurring])
}

func (s *ComposerSuite) TestSizeLimitSplitsBatches() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)
	for i := range 5 {
		s.addCharge(fmt.Sprintf("CHG-%d", i), "MND-1", 100)
	}

	result, err := s.composer.Compose(ctx, s.now, "scheduler")
	s.Require().NoError(err)
	s.Require().Len(result.Batches, 2)
	s.Equal(3, result.Batches[0].TxCount)
	s.Equal(2, result.Batches[1].TxCount)
	s.Equal(5, result.Claimed)
}

func (s *ComposerSuite) TestAmountLimitDefersCharges() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)
	s.addCharge("CHG-BIG", "MND-1", 9_000)
	s.addCharge("CHG-OVER", "MND-1", 5_000)

	result, err := s.composer.Compose(ctx, s.now, "scheduler")
	s.Require().NoError(err)
	s.Require().Len(result.Batches, 1)
	s.Equal(1, result.Batches[0].TxCount)
	s.Equal(1, result.Deferred)

	// The deferred charge is untouched and still eligible.
	eligible, err := s.charges.ListEligible(ctx, s.now)
	s.Require().NoError(err)
	s.Require().Len(eligible, 1)
}

// TestOversizedChargeIsFlagged covers a charge that can never fit any batch
// because its amount alone exceeds the limit. It is deferred like the rest,
// but the audit trail records it so an operator can split or reject it.
func (s *ComposerSuite) TestOversizedChargeIsFlagged() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)
	s.addCharge("CHG-HUGE", "MND-1", 25_000)
	s.addCharge("CHG-OK", "MND-1", 2_500)

	result, err := s.composer.Compose(ctx, s.now, "scheduler")
	s.Require().NoError(err)
	s.Require().Len(result.Batches, 1)
	s.Equal(1, result.Batches[0].TxCount)
	s.Equal(1, result.Deferred)

	events, err := s.auditLog.List(ctx, audit.Query{Action: audit.ActionChargeOversized})
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal("CHG-HUGE", events[0].EntityID)
	s.Contains(events[0].Reason, "250.00")

	// Still in the pool; the flag does not consume the charge.
	eligible, err := s.charges.ListEligible(ctx, s.now)
	s.Require().NoError(err)
	s.Require().Len(eligible, 1)
	s.Equal(id.ChargeID("CHG-HUGE"), eligible[0].ID)
}

func (s *ComposerSuite) TestSuspendedMandateIsSkipped() {
	ctx := context.Background()
	m := s.activeMandate("MND-SUS", mandate.SequenceRecurring)
	s.Require().NoError(s.mandates.Suspend(ctx, m.Reference, "tester", "arrears"))
	s.addCharge("CHG-1", "MND-SUS", 1000)

	_, err := s.composer.Compose(ctx, s.now, "scheduler")
	s.True(dErrors.HasCode(err, dErrors.CodeBatchLimit))

	got, err := s.charges.Get(ctx, "CHG-1")
	s.Require().NoError(err)
	s.False(got.Included)
}

func (s *ComposerSuite) TestOneOffMandateIsConsumed() {
	ctx := context.Background()
	s.activeMandate("MND-OOFF", mandate.SequenceOneOff)
	s.addCharge("CHG-1", "MND-OOFF", 1500)

	result, err := s.composer.Compose(ctx, s.now, "scheduler")
	s.Require().NoError(err)
	s.Require().Len(result.Batches, 1)

	m, err := s.mandates.Get(ctx, "MND-OOFF")
	s.Require().NoError(err)
	s.Equal(mandate.StatusExpired, m.Status)
}

func (s *ComposerSuite) TestExecutionDateSkipsWeekends() {
	friday := time.Date(2026, time.September, 4, 9, 0, 0, 0, time.UTC)
	got := NextExecutionDate(friday, 2)
	s.Equal(time.Tuesday, got.Weekday())
	s.Equal(8, got.Day())

	monday := time.Date(2026, time.September, 7, 9, 0, 0, 0, time.UTC)
	got = NextExecutionDate(monday, 2)
	s.Equal(time.Wednesday, got.Weekday())
	s.Equal(9, got.Day())
}

// TestConcurrentComposeCycles races two cycles over the same pool; each charge
// must land in exactly one batch.
func (s *ComposerSuite) TestConcurrentComposeCycles() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)
	const pool = 6
	for i := range pool {
		s.addCharge(fmt.Sprintf("CHG-%d", i), "MND-1", 100)
	}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.composer.Compose(ctx, s.now, "scheduler")
			if err == nil || dErrors.HasCode(err, dErrors.CodeBatchLimit) {
				results[i] = r
			}
		}()
	}
	wg.Wait()

	seen := map[id.ChargeID]int{}
	total := 0
	for _, r := range results {
		for _, b := range r.Batches {
			txs, err := s.batches.ListTransactions(ctx, b.ID)
			s.Require().NoError(err)
			for _, tx := range txs {
				seen[tx.ChargeID]++
				total++
			}
		}
	}
	s.Equal(pool, total)
	for chargeID, n := range seen {
		s.Equalf(1, n, "charge %s claimed %d times", chargeID, n)
	}
}

func (s *ComposerSuite) TestAuditTrail() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)
	s.addCharge("CHG-1", "MND-1", 2500)

	_, err := s.composer.Compose(ctx, s.now, "scheduler")
	s.Require().NoError(err)

	events, err := s.auditLog.List(ctx, audit.Query{Action: audit.ActionBatchComposed})
	s.Require().NoError(err)
	s.Len(events, 1)
	s.Equal("scheduler", events[0].Actor)

	claimed, err := s.auditLog.List(ctx, audit.Query{Action: audit.ActionChargeClaimed})
	s.Require().NoError(err)
	s.Len(claimed, 1)
}
