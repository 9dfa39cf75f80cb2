// Package submission hands validated batches to the banking channel and
// tracks them through acknowledgment. Submission never blocks on the bank's
// outcome: acknowledgment arrives later as a separate event.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"incasso/internal/audit"
	"incasso/internal/batch"
	"incasso/internal/charge"
	"incasso/internal/platform/metrics"
	"incasso/internal/sepafile"
	id "incasso/pkg/domain"
	dErrors "incasso/pkg/domain-errors"
	"incasso/pkg/platform/sentinel"
)

// Submitter is the outbound banking channel.
type Submitter interface {
	Submit(ctx context.Context, f sepafile.File) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, e audit.Event) error
}

type Tracker struct {
	batches   batch.Store
	charges   charge.Store
	generator *sepafile.Generator
	submitter Submitter
	auditPub  AuditPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func WithAuditPublisher(pub AuditPublisher) Option {
	return func(t *Tracker) { t.auditPub = pub }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithClock overrides the submission timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(batches batch.Store, charges charge.Store, generator *sepafile.Generator, submitter Submitter, opts ...Option) (*Tracker, error) {
	if batches == nil || charges == nil || generator == nil || submitter == nil {
		return nil, errors.New("submission: batch store, charge store, generator and submitter are required")
	}
	t := &Tracker{
		batches:   batches,
		charges:   charges,
		generator: generator,
		submitter: submitter,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Validate dry-runs file generation against a Draft batch. A compliance
// failure leaves the batch in Draft for correction.
func (t *Tracker) Validate(ctx context.Context, batchID id.BatchID, actor string) (batch.Batch, error) {
	b, err := t.getBatch(ctx, batchID)
	if err != nil {
		return batch.Batch{}, err
	}
	if b.Status != batch.StatusDraft {
		return batch.Batch{}, dErrors.Newf(dErrors.CodeInvalidState,
			"batch %s is %s, only Draft batches validate", batchID, b.Status)
	}

	txs, err := t.batches.ListTransactions(ctx, batchID)
	if err != nil {
		return batch.Batch{}, err
	}
	if _, err := t.generator.Generate(ctx, b, txs); err != nil {
		return batch.Batch{}, err
	}

	if err := t.transition(ctx, batchID, batch.StatusDraft, batch.StatusValidated); err != nil {
		return batch.Batch{}, err
	}
	t.emit(ctx, batchID, string(b.Status), string(batch.StatusValidated), audit.ActionBatchValidated, actor, "")
	return t.getBatch(ctx, batchID)
}

// File renders the pain.008 document for a batch that passed validation.
func (t *Tracker) File(ctx context.Context, batchID id.BatchID, actor string) (sepafile.File, error) {
	b, err := t.getBatch(ctx, batchID)
	if err != nil {
		return sepafile.File{}, err
	}
	if b.Status == batch.StatusDraft || b.Status == batch.StatusCancelled {
		return sepafile.File{}, dErrors.Newf(dErrors.CodeInvalidState,
			"batch %s is %s, validate it before requesting the file", batchID, b.Status)
	}

	txs, err := t.batches.ListTransactions(ctx, batchID)
	if err != nil {
		return sepafile.File{}, err
	}
	f, err := t.generator.Generate(ctx, b, txs)
	if err != nil {
		return sepafile.File{}, err
	}
	if t.metrics != nil {
		t.metrics.FilesGenerated.Inc()
	}
	t.emit(ctx, batchID, string(b.Status), string(b.Status), audit.ActionFileGenerated, actor, f.Name)
	return f, nil
}

// Submit hands the file to the bank. An outright rejection is recorded as
// Submitted then Failed, and every claimed charge goes back to the pool.
func (t *Tracker) Submit(ctx context.Context, batchID id.BatchID, actor string) (batch.Batch, error) {
	b, err := t.getBatch(ctx, batchID)
	if err != nil {
		return batch.Batch{}, err
	}
	if !b.Status.Submittable() {
		return batch.Batch{}, dErrors.Newf(dErrors.CodeInvalidState,
			"batch %s is %s, only Validated batches submit", batchID, b.Status)
	}

	txs, err := t.batches.ListTransactions(ctx, batchID)
	if err != nil {
		return batch.Batch{}, err
	}
	f, err := t.generator.Generate(ctx, b, txs)
	if err != nil {
		return batch.Batch{}, err
	}

	submittedAt := t.now()
	if err := t.batches.MarkSubmitted(ctx, batchID, submittedAt); err != nil {
		return batch.Batch{}, t.coded(err, batchID)
	}
	t.emit(ctx, batchID, string(batch.StatusValidated), string(batch.StatusSubmitted),
		audit.ActionBatchSubmitted, actor, f.Name)

	if err := t.submitter.Submit(ctx, f); err != nil {
		t.logger.Error("bank channel rejected file", "batch_id", batchID, "error", err)
		if failErr := t.reject(ctx, batchID, actor, err.Error()); failErr != nil {
			return batch.Batch{}, failErr
		}
		return batch.Batch{}, dErrors.Wrap(err, dErrors.CodeSubmission, "bank channel rejected file")
	}

	t.logger.Info("batch submitted", "batch_id", batchID, "file", f.Name, "tx_count", f.TxCount)
	return t.getBatch(ctx, batchID)
}

// Acknowledge records the bank's asynchronous answer to a submission.
func (t *Tracker) Acknowledge(ctx context.Context, batchID id.BatchID, accepted bool, reason, actor string) (batch.Batch, error) {
	b, err := t.getBatch(ctx, batchID)
	if err != nil {
		return batch.Batch{}, err
	}
	if b.Status != batch.StatusSubmitted {
		return batch.Batch{}, dErrors.Newf(dErrors.CodeInvalidState,
			"batch %s is %s, only Submitted batches acknowledge", batchID, b.Status)
	}

	if !accepted {
		if err := t.reject(ctx, batchID, actor, reason); err != nil {
			return batch.Batch{}, err
		}
		return t.getBatch(ctx, batchID)
	}

	if err := t.transition(ctx, batchID, batch.StatusSubmitted, batch.StatusProcessing); err != nil {
		return batch.Batch{}, err
	}
	t.emit(ctx, batchID, string(batch.StatusSubmitted), string(batch.StatusProcessing),
		audit.ActionBatchProcessing, actor, reason)
	return t.getBatch(ctx, batchID)
}

// Cancel withdraws a batch that has not reached the bank and releases its
// charges. After submission cancellation is refused; the bank outcome decides.
func (t *Tracker) Cancel(ctx context.Context, batchID id.BatchID, actor, reason string) (batch.Batch, error) {
	b, err := t.getBatch(ctx, batchID)
	if err != nil {
		return batch.Batch{}, err
	}
	if b.Status != batch.StatusDraft && b.Status != batch.StatusValidated {
		return batch.Batch{}, dErrors.Newf(dErrors.CodeInvalidState,
			"batch %s is %s, cancellation is only possible before submission", batchID, b.Status)
	}

	if err := t.transition(ctx, batchID, b.Status, batch.StatusCancelled); err != nil {
		return batch.Batch{}, err
	}
	released, err := t.charges.ReleaseBatch(ctx, batchID)
	if err != nil {
		return batch.Batch{}, fmt.Errorf("release charges of cancelled batch: %w", err)
	}
	t.emit(ctx, batchID, string(b.Status), string(batch.StatusCancelled),
		audit.ActionBatchCancelled, actor, reason)
	t.logger.Info("batch cancelled", "batch_id", batchID, "charges_released", released)
	return t.getBatch(ctx, batchID)
}

func (t *Tracker) Get(ctx context.Context, batchID id.BatchID) (batch.Batch, error) {
	return t.getBatch(ctx, batchID)
}

func (t *Tracker) List(ctx context.Context, status batch.Status) ([]batch.Batch, error) {
	return t.batches.ListBatches(ctx, status)
}

func (t *Tracker) Transactions(ctx context.Context, batchID id.BatchID) ([]batch.Transaction, error) {
	if _, err := t.getBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return t.batches.ListTransactions(ctx, batchID)
}

// reject moves a Submitted batch to Failed and gives the charges back.
func (t *Tracker) reject(ctx context.Context, batchID id.BatchID, actor, reason string) error {
	if err := t.transition(ctx, batchID, batch.StatusSubmitted, batch.StatusFailed); err != nil {
		return err
	}
	released, err := t.charges.ReleaseBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("release charges of failed batch: %w", err)
	}
	t.emit(ctx, batchID, string(batch.StatusSubmitted), string(batch.StatusFailed),
		audit.ActionBatchRejected, actor, reason)
	t.logger.Warn("batch rejected by bank", "batch_id", batchID, "charges_released", released, "reason", reason)
	return nil
}

func (t *Tracker) getBatch(ctx context.Context, batchID id.BatchID) (batch.Batch, error) {
	b, err := t.batches.GetBatch(ctx, batchID)
	if err != nil {
		return batch.Batch{}, t.coded(err, batchID)
	}
	return b, nil
}

func (t *Tracker) transition(ctx context.Context, batchID id.BatchID, prior, next batch.Status) error {
	if !prior.CanTransitionTo(next) {
		return dErrors.Newf(dErrors.CodeInvalidState, "batch cannot move %s -> %s", prior, next)
	}
	if err := t.batches.CompareAndSetStatus(ctx, batchID, prior, next); err != nil {
		return t.coded(err, batchID)
	}
	return nil
}

func (t *Tracker) coded(err error, batchID id.BatchID) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, fmt.Sprintf("batch %s", batchID))
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeInvalidState, fmt.Sprintf("batch %s changed state concurrently", batchID))
	default:
		return err
	}
}

func (t *Tracker) emit(ctx context.Context, batchID id.BatchID, prior, next string, action audit.Action, actor, reason string) {
	if t.auditPub == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	if err := t.auditPub.Emit(ctx, audit.Event{
		Actor:      actor,
		EntityType: audit.EntityBatch,
		EntityID:   batchID.String(),
		PriorState: prior,
		NewState:   next,
		Action:     action,
		Reason:     reason,
	}); err != nil {
		t.logger.Error("audit emit failed", "action", action, "error", err)
	}
}
