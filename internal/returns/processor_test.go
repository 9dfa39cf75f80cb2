package returns

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"incasso/internal/audit"
	"incasso/internal/batch"
	"incasso/internal/charge"
	"incasso/internal/mandate"
	mandatesvc "incasso/internal/mandate/service"
	"incasso/internal/retry"
	id "incasso/pkg/domain"
)

const testCreditorID = "NL43ZZZ3020884160000"

type ProcessorSuite struct {
	suite.Suite
	batches   *batch.InMemoryStore
	charges   *charge.InMemoryStore
	retries   *retry.InMemoryStore
	mandates  *mandatesvc.Service
	auditLog  *audit.InMemoryStore
	processor *Processor
	now       time.Time
}

func TestProcessorSuite(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}

func (s *ProcessorSuite) SetupTest() {
	s.batches = batch.NewInMemoryStore()
	s.charges = charge.NewInMemoryStore()
	s.retries = retry.NewInMemoryStore()
	s.auditLog = audit.NewInMemoryStore()
	s.now = time.Date(2026, time.September, 1, 9, 0, 0, 0, time.UTC)

	var err error
	s.mandates, err = mandatesvc.New(mandate.NewInMemoryStore(), testCreditorID)
	s.Require().NoError(err)

	scheduler, err := retry.New(s.retries, s.charges, retry.Policy{MaxRetries: 3, BaseDelayDays: 3})
	s.Require().NoError(err)

	s.processor, err = New(s.batches, s.mandates, scheduler,
		WithAuditPublisher(audit.NewPublisher(s.auditLog)),
	)
	s.Require().NoError(err)
}

func (s *ProcessorSuite) activeMandate(ref string, seq mandate.SequenceType) mandate.Mandate {
	ctx := context.Background()
	m, err := s.mandates.Register(ctx, mandatesvc.RegisterRequest{
		Reference:    id.MandateRef(ref),
		MemberID:     id.MemberID(uuid.New()),
		IBAN:         "NL91ABNA0417164300",
		SequenceType: seq,
	})
	s.Require().NoError(err)
	s.Require().NoError(s.mandates.Activate(ctx, m.Reference, "tester", "scan"))
	got, err := s.mandates.Get(ctx, m.Reference)
	s.Require().NoError(err)
	return got
}

// processingBatch builds a batch in Processing with one pending transaction
// per charge id, as if composed, submitted and accepted.
func (s *ProcessorSuite) processingBatch(mandateRef string, attempt int, chargeIDs ...string) (batch.Batch, []batch.Transaction) {
	ctx := context.Background()
	b := batch.Batch{
		ID:            id.NewBatchID(),
		Status:        batch.StatusDraft,
		Currency:      id.CurrencyEUR,
		SequenceType:  mandate.SequenceRecurring,
		ExecutionDate: s.now.AddDate(0, 0, 2),
		TotalAmount:   id.Cents(2500 * len(chargeIDs)),
		TxCount:       len(chargeIDs),
	}
	s.Require().NoError(s.batches.CreateBatch(ctx, b))

	var txs []batch.Transaction
	for _, chargeID := range chargeIDs {
		cid := id.ChargeID(chargeID)
		if _, err := s.charges.Get(ctx, cid); err != nil {
			s.Require().NoError(s.charges.Accept(ctx, charge.Charge{
				ID:         cid,
				MemberID:   id.MemberID(uuid.New()),
				MandateRef: id.MandateRef(mandateRef),
				Amount:     2500,
				Currency:   id.CurrencyEUR,
				DueDate:    s.now.AddDate(0, 0, -1),
			}))
			s.Require().NoError(s.charges.Claim(ctx, cid, b.ID))
		}
		txs = append(txs, batch.Transaction{
			EndToEndID: id.NewEndToEndID(cid, attempt),
			BatchID:    b.ID,
			ChargeID:   cid,
			MandateRef: id.MandateRef(mandateRef),
			MemberID:   id.MemberID(uuid.New()),
			Amount:     2500,
			Currency:   id.CurrencyEUR,
			DebtorIBAN: "NL91ABNA0417164300",
			DebtorBIC:  "ABNANL2A",
			Attempt:    attempt,
			Outcome:    batch.OutcomePending,
		})
	}
	s.Require().NoError(s.batches.CreateTransactions(ctx, txs))

	s.Require().NoError(s.batches.CompareAndSetStatus(ctx, b.ID, batch.StatusDraft, batch.StatusValidated))
	s.Require().NoError(s.batches.MarkSubmitted(ctx, b.ID, s.now))
	s.Require().NoError(s.batches.CompareAndSetStatus(ctx, b.ID, batch.StatusSubmitted, batch.StatusProcessing))

	got, err := s.batches.GetBatch(ctx, b.ID)
	s.Require().NoError(err)
	return got, txs
}

func (s *ProcessorSuite) TestSettlementRecordsUsage() {
	ctx := context.Background()
	m := s.activeMandate("MND-1", mandate.SequenceFirst)
	b, txs := s.processingBatch("MND-1", 1, "CHG-1")

	report, err := s.processor.Process(ctx, []Entry{{
		EndToEndID:     txs[0].EndToEndID,
		ResultCode:     ResultSettled,
		SettlementDate: s.now,
	}}, "bank")
	s.Require().NoError(err)
	s.Equal(1, report.Settled)
	s.Empty(report.Unmatched)

	tx, err := s.batches.GetTransaction(ctx, txs[0].EndToEndID)
	s.Require().NoError(err)
	s.Equal(batch.OutcomeSettled, tx.Outcome)
	s.True(tx.SettledAt.Equal(s.now))

	// First settled use flips the sequence flag.
	updated, err := s.mandates.Get(ctx, m.Reference)
	s.Require().NoError(err)
	s.Equal(mandate.SequenceRecurring, updated.SequenceType)
	s.Equal(1, updated.UsageCount)

	final, err := s.batches.GetBatch(ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(batch.StatusCompleted, final.Status)
}

// TestInsufficientFundsRetriesThenExhausts walks a charge through the full
// retry ladder: three recoverable failures schedule retries, the fourth
// permanently fails the transaction.
func (s *ProcessorSuite) TestInsufficientFundsRetriesThenExhausts() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)

	for attempt := 1; attempt <= 3; attempt++ {
		_, txs := s.processingBatch("MND-1", attempt, "CHG-1")
		report, err := s.processor.Process(ctx, []Entry{{
			EndToEndID: txs[0].EndToEndID,
			ResultCode: ResultFailed,
			ReasonCode: "AM04",
		}}, "bank")
		s.Require().NoError(err)
		s.Equal(1, report.Failed)
		s.Equal(1, report.RetriesScheduled)
		s.Zero(report.PermanentFailures)

		// Simulate the sweep giving the charge back for the next attempt.
		_, err = s.charges.Requeue(ctx, "CHG-1", s.now)
		s.Require().NoError(err)
	}

	n, err := s.retries.CountByCharge(ctx, "CHG-1")
	s.Require().NoError(err)
	s.Equal(3, n)

	b, txs := s.processingBatch("MND-1", 4, "CHG-1")
	report, err := s.processor.Process(ctx, []Entry{{
		EndToEndID: txs[0].EndToEndID,
		ResultCode: ResultFailed,
		ReasonCode: "AM04",
	}}, "bank")
	s.Require().NoError(err)
	s.Equal(1, report.PermanentFailures)
	s.Zero(report.RetriesScheduled)

	tx, err := s.batches.GetTransaction(ctx, txs[0].EndToEndID)
	s.Require().NoError(err)
	s.Equal(batch.OutcomePermanentlyFailed, tx.Outcome)

	final, err := s.batches.GetBatch(ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(batch.StatusPartiallyFailed, final.Status)
}

// TestAccountClosedCancelsMandate covers the authorization-invalidating
// reasons: the transaction permanently fails and the mandate is cancelled in
// the same operation.
func (s *ProcessorSuite) TestAccountClosedCancelsMandate() {
	ctx := context.Background()
	m := s.activeMandate("MND-1", mandate.SequenceRecurring)
	_, txs := s.processingBatch("MND-1", 1, "CHG-1")

	report, err := s.processor.Process(ctx, []Entry{{
		EndToEndID: txs[0].EndToEndID,
		ResultCode: ResultFailed,
		ReasonCode: "AC04",
	}}, "bank")
	s.Require().NoError(err)
	s.Equal(1, report.PermanentFailures)
	s.Equal(1, report.MandatesCancelled)

	tx, err := s.batches.GetTransaction(ctx, txs[0].EndToEndID)
	s.Require().NoError(err)
	s.Equal(batch.OutcomePermanentlyFailed, tx.Outcome)

	updated, err := s.mandates.Get(ctx, m.Reference)
	s.Require().NoError(err)
	s.Equal(mandate.StatusCancelled, updated.Status)
}

func (s *ProcessorSuite) TestIncorrectAccountIsPermanentWithoutCancel() {
	ctx := context.Background()
	m := s.activeMandate("MND-1", mandate.SequenceRecurring)
	_, txs := s.processingBatch("MND-1", 1, "CHG-1")

	report, err := s.processor.Process(ctx, []Entry{{
		EndToEndID: txs[0].EndToEndID,
		ResultCode: ResultFailed,
		ReasonCode: "AC01",
	}}, "bank")
	s.Require().NoError(err)
	s.Equal(1, report.PermanentFailures)
	s.Zero(report.MandatesCancelled)

	updated, err := s.mandates.Get(ctx, m.Reference)
	s.Require().NoError(err)
	s.Equal(mandate.StatusActive, updated.Status)
}

func (s *ProcessorSuite) TestUnknownReasonIsPermanent() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)
	_, txs := s.processingBatch("MND-1", 1, "CHG-1")

	report, err := s.processor.Process(ctx, []Entry{{
		EndToEndID: txs[0].EndToEndID,
		ResultCode: ResultFailed,
		ReasonCode: "XX99",
	}}, "bank")
	s.Require().NoError(err)
	s.Equal(1, report.PermanentFailures)
	s.Zero(report.RetriesScheduled)
	s.Zero(report.MandatesCancelled)
}

// TestUnmatchedEntryHeldForReview: a bogus end-to-end id never blocks the
// other entries in the same file.
func (s *ProcessorSuite) TestUnmatchedEntryHeldForReview() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)
	b, txs := s.processingBatch("MND-1", 1, "CHG-1")

	report, err := s.processor.Process(ctx, []Entry{
		{EndToEndID: "E2E-UNKNOWN-1", ResultCode: ResultSettled},
		{EndToEndID: txs[0].EndToEndID, ResultCode: ResultSettled, SettlementDate: s.now},
	}, "bank")
	s.Require().NoError(err)
	s.Equal(1, report.Settled)
	s.Require().Len(report.Unmatched, 1)
	s.Equal(id.EndToEndID("E2E-UNKNOWN-1"), report.Unmatched[0].Entry.EndToEndID)

	final, err := s.batches.GetBatch(ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(batch.StatusCompleted, final.Status)

	held, err := s.auditLog.List(ctx, audit.Query{Action: audit.ActionReturnUnmatched})
	s.Require().NoError(err)
	s.Len(held, 1)
}

func (s *ProcessorSuite) TestDuplicateReturnHeldForReview() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)
	_, txs := s.processingBatch("MND-1", 1, "CHG-1")

	entry := Entry{EndToEndID: txs[0].EndToEndID, ResultCode: ResultSettled, SettlementDate: s.now}
	_, err := s.processor.Process(ctx, []Entry{entry}, "bank")
	s.Require().NoError(err)

	report, err := s.processor.Process(ctx, []Entry{entry}, "bank")
	s.Require().NoError(err)
	s.Zero(report.Settled)
	s.Len(report.Unmatched, 1)
}

func (s *ProcessorSuite) TestPartialBatchStaysProcessing() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)
	b, txs := s.processingBatch("MND-1", 1, "CHG-1", "CHG-2")

	report, err := s.processor.Process(ctx, []Entry{{
		EndToEndID:     txs[0].EndToEndID,
		ResultCode:     ResultSettled,
		SettlementDate: s.now,
	}}, "bank")
	s.Require().NoError(err)
	s.Equal(1, report.Settled)

	got, err := s.batches.GetBatch(ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(batch.StatusProcessing, got.Status)

	report, err = s.processor.Process(ctx, []Entry{{
		EndToEndID:     txs[1].EndToEndID,
		ResultCode:     ResultSettled,
		SettlementDate: s.now,
	}}, "bank")
	s.Require().NoError(err)
	s.Equal(1, report.Settled)

	got, err = s.batches.GetBatch(ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(batch.StatusCompleted, got.Status)
}

func (s *ProcessorSuite) TestMixedOutcomesPartiallyFail() {
	ctx := context.Background()
	s.activeMandate("MND-1", mandate.SequenceRecurring)
	b, txs := s.processingBatch("MND-1", 1, "CHG-1", "CHG-2")

	report, err := s.processor.Process(ctx, []Entry{
		{EndToEndID: txs[0].EndToEndID, ResultCode: ResultSettled, SettlementDate: s.now},
		{EndToEndID: txs[1].EndToEndID, ResultCode: ResultFailed, ReasonCode: "AM04"},
	}, "bank")
	s.Require().NoError(err)
	s.Equal(1, report.Settled)
	s.Equal(1, report.Failed)
	s.Equal(1, report.RetriesScheduled)

	got, err := s.batches.GetBatch(ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(batch.StatusPartiallyFailed, got.Status)
}

func (s *ProcessorSuite) TestReasonTable() {
	for code, retryable := range map[string]bool{
		"AM04": true, "MS02": true, "MS03": true,
		"AC01": false, "AG01": false, "AC04": false, "MD01": false, "MD07": false,
	} {
		s.Equalf(retryable, LookupReason(code).Retryable, "code %s", code)
	}
	for _, code := range []string{"AC04", "MD01", "MD07"} {
		s.Truef(LookupReason(code).CancelsMandate, "code %s", code)
	}
	unknown := LookupReason("ZZ00")
	s.False(unknown.Retryable)
	s.False(unknown.CancelsMandate)
	s.Equal("ZZ00", unknown.Code)
}
