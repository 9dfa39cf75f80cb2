// Package batch models collection batches and their transactions. A batch
// groups claimed charges that share a currency, execution date and sequence
// flag; transactions are the per-charge lines the bank settles or returns.
package batch

import (
	"context"
	"time"

	"incasso/internal/mandate"
	id "incasso/pkg/domain"
)

type Status string

const (
	StatusDraft           Status = "Draft"
	StatusValidated       Status = "Validated"
	StatusSubmitted       Status = "Submitted"
	StatusProcessing      Status = "Processing"
	StatusCompleted       Status = "Completed"
	StatusPartiallyFailed Status = "PartiallyFailed"
	StatusFailed          Status = "Failed"
	StatusCancelled       Status = "Cancelled"
)

// statusTransitions is the only place batch status flow is encoded. Statuses
// move forward only; Cancelled is reachable until submission, Failed only
// through an outright bank rejection.
var statusTransitions = map[Status][]Status{
	StatusDraft:      {StatusValidated, StatusCancelled},
	StatusValidated:  {StatusSubmitted, StatusCancelled},
	StatusSubmitted:  {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusPartiallyFailed},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(statusTransitions[s]) == 0
}

// Submittable reports whether the batch may still be handed to the bank.
func (s Status) Submittable() bool {
	return s == StatusValidated
}

type Outcome string

const (
	OutcomePending Outcome = "Pending"
	OutcomeSettled Outcome = "Settled"
	// OutcomeFailed is terminal for this transaction; a retry, when
	// eligible, claims the charge into a later batch under a fresh
	// end-to-end id.
	OutcomeFailed            Outcome = "Failed"
	OutcomePermanentlyFailed Outcome = "PermanentlyFailed"
)

func (o Outcome) Terminal() bool { return o != OutcomePending }

type Batch struct {
	ID            id.BatchID
	Status        Status
	Currency      id.Currency
	SequenceType  mandate.SequenceType
	ExecutionDate time.Time
	TotalAmount   id.Cents
	TxCount       int
	SubmittedAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transaction is one direct debit line. Fields are frozen at composition time
// so later mandate edits never change what was sent to the bank.
type Transaction struct {
	EndToEndID    id.EndToEndID
	BatchID       id.BatchID
	ChargeID      id.ChargeID
	MandateRef    id.MandateRef
	MemberID      id.MemberID
	Amount        id.Cents
	Currency      id.Currency
	DebtorIBAN    string
	DebtorBIC     string
	SignatureDate time.Time
	SequenceType  mandate.SequenceType
	Remittance    string
	Attempt       int
	Outcome       Outcome
	ReasonCode    string
	SettledAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Store interface {
	CreateBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, batchID id.BatchID) (Batch, error)
	ListBatches(ctx context.Context, status Status) ([]Batch, error)

	// CompareAndSetStatus moves the batch from prior to next, failing with
	// sentinel.ErrInvalidState when the stored status is not prior.
	CompareAndSetStatus(ctx context.Context, batchID id.BatchID, prior, next Status) error
	MarkSubmitted(ctx context.Context, batchID id.BatchID, at time.Time) error

	CreateTransactions(ctx context.Context, txs []Transaction) error
	GetTransaction(ctx context.Context, e2e id.EndToEndID) (Transaction, error)
	ListTransactions(ctx context.Context, batchID id.BatchID) ([]Transaction, error)

	// SetOutcome moves a Pending transaction to a terminal outcome,
	// failing with sentinel.ErrInvalidState when it is already terminal.
	SetOutcome(ctx context.Context, e2e id.EndToEndID, outcome Outcome, reasonCode string, settledAt time.Time) (Transaction, error)

	// MarkPermanentlyFailed escalates an already Failed transaction once
	// its retries are exhausted.
	MarkPermanentlyFailed(ctx context.Context, e2e id.EndToEndID) (Transaction, error)
}
