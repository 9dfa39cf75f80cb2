package returns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"incasso/internal/audit"
	"incasso/internal/batch"
	"incasso/internal/mandate/service"
	"incasso/internal/platform/metrics"
	"incasso/internal/retry"
	id "incasso/pkg/domain"
	"incasso/pkg/platform/sentinel"
)

// Result codes carried on a return entry.
const (
	ResultSettled = "settled"
	ResultFailed  = "failed"
)

// Entry is one line of a bank return file.
type Entry struct {
	EndToEndID     id.EndToEndID
	ResultCode     string
	ReasonCode     string
	SettlementDate time.Time
}

// Unmatched is an entry held for manual review. It never blocks the rest of
// the file.
type Unmatched struct {
	Entry  Entry
	Reason string
}

// Report summarizes one processed return file.
type Report struct {
	Settled           int
	Failed            int
	RetriesScheduled  int
	PermanentFailures int
	MandatesCancelled int
	Unmatched         []Unmatched
}

type AuditPublisher interface {
	Emit(ctx context.Context, e audit.Event) error
}

type Processor struct {
	batches   batch.Store
	mandates  *service.Service
	scheduler *retry.Scheduler
	auditPub  AuditPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

func WithAuditPublisher(pub AuditPublisher) Option {
	return func(p *Processor) { p.auditPub = pub }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func New(batches batch.Store, mandates *service.Service, scheduler *retry.Scheduler, opts ...Option) (*Processor, error) {
	if batches == nil || mandates == nil || scheduler == nil {
		return nil, errors.New("returns: batch store, mandate service and retry scheduler are required")
	}
	p := &Processor{
		batches:   batches,
		mandates:  mandates,
		scheduler: scheduler,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process reconciles a return file. Entries that cannot be matched are held
// for review; every matched entry drives its transaction to a terminal
// outcome and rolls the batch up once all its transactions are terminal.
func (p *Processor) Process(ctx context.Context, entries []Entry, actor string) (Report, error) {
	var report Report
	touched := map[id.BatchID]struct{}{}

	for _, entry := range entries {
		tx, err := p.batches.GetTransaction(ctx, entry.EndToEndID)
		if err != nil {
			p.hold(ctx, &report, entry, "no transaction with this end-to-end id")
			continue
		}

		switch entry.ResultCode {
		case ResultSettled:
			err = p.settle(ctx, &report, entry, tx)
		case ResultFailed:
			err = p.fail(ctx, &report, entry, tx, actor)
		default:
			p.hold(ctx, &report, entry, "unknown result code "+entry.ResultCode)
			continue
		}
		if err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				p.hold(ctx, &report, entry, "transaction already reconciled")
				continue
			}
			return report, err
		}
		touched[tx.BatchID] = struct{}{}
	}

	for batchID := range touched {
		if err := p.rollUp(ctx, batchID, actor); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (p *Processor) settle(ctx context.Context, report *Report, entry Entry, tx batch.Transaction) error {
	settledAt := entry.SettlementDate
	if settledAt.IsZero() {
		settledAt = time.Now()
	}
	updated, err := p.batches.SetOutcome(ctx, entry.EndToEndID, batch.OutcomeSettled, "", settledAt)
	if err != nil {
		return err
	}

	// A settlement is a successful use of the mandate: usage count goes up
	// and a first use flips the sequence flag to recurring.
	if _, err := p.mandates.RecordUsage(ctx, tx.MandateRef); err != nil {
		p.logger.Error("record mandate usage after settlement",
			"mandate_ref", tx.MandateRef, "end_to_end_id", entry.EndToEndID, "error", err)
	}

	report.Settled++
	if p.metrics != nil {
		p.metrics.TransactionsSettled.Inc()
	}
	p.emit(ctx, audit.Event{
		Actor:      "bank",
		EntityType: audit.EntityTransaction,
		EntityID:   string(entry.EndToEndID),
		PriorState: string(batch.OutcomePending),
		NewState:   string(updated.Outcome),
		Action:     audit.ActionTransactionSettled,
	})
	return nil
}

func (p *Processor) fail(ctx context.Context, report *Report, entry Entry, tx batch.Transaction, actor string) error {
	reason := LookupReason(entry.ReasonCode)

	updated, err := p.batches.SetOutcome(ctx, entry.EndToEndID, batch.OutcomeFailed, reason.Code, time.Time{})
	if err != nil {
		return err
	}

	report.Failed++
	if p.metrics != nil {
		p.metrics.TransactionsFailed.WithLabelValues(reason.Code).Inc()
	}
	p.emit(ctx, audit.Event{
		Actor:      "bank",
		EntityType: audit.EntityTransaction,
		EntityID:   string(entry.EndToEndID),
		PriorState: string(batch.OutcomePending),
		NewState:   string(updated.Outcome),
		Action:     audit.ActionTransactionFailed,
		Reason:     fmt.Sprintf("%s: %s", reason.Code, reason.Description),
	})

	if reason.CancelsMandate {
		// The return invalidates the authorization itself; collecting
		// again under this mandate would be an unauthorized debit.
		if err := p.mandates.Cancel(ctx, tx.MandateRef, actor, reason.Description); err != nil {
			p.logger.Error("cancel mandate after return",
				"mandate_ref", tx.MandateRef, "reason_code", reason.Code, "error", err)
		} else {
			report.MandatesCancelled++
		}
	}

	if !reason.Retryable {
		return p.escalate(ctx, report, entry, "non-recoverable reason "+reason.Code)
	}

	failedAt := entry.SettlementDate
	if failedAt.IsZero() {
		failedAt = time.Now()
	}
	if _, err := p.scheduler.Schedule(ctx, updated, failedAt); err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return p.escalate(ctx, report, entry, "retry budget exhausted")
		}
		return err
	}
	report.RetriesScheduled++
	return nil
}

// escalate drives a failed transaction to its permanent terminal state.
func (p *Processor) escalate(ctx context.Context, report *Report, entry Entry, why string) error {
	updated, err := p.batches.MarkPermanentlyFailed(ctx, entry.EndToEndID)
	if err != nil {
		return err
	}
	report.PermanentFailures++
	p.emit(ctx, audit.Event{
		Actor:      "system",
		EntityType: audit.EntityTransaction,
		EntityID:   string(entry.EndToEndID),
		PriorState: string(batch.OutcomeFailed),
		NewState:   string(updated.Outcome),
		Action:     audit.ActionRetryExhausted,
		Reason:     why,
	})
	p.logger.Warn("transaction permanently failed",
		"end_to_end_id", entry.EndToEndID, "reason", why)
	return nil
}

func (p *Processor) hold(ctx context.Context, report *Report, entry Entry, why string) {
	report.Unmatched = append(report.Unmatched, Unmatched{Entry: entry, Reason: why})
	if p.metrics != nil {
		p.metrics.ReconciliationErrors.Inc()
	}
	p.emit(ctx, audit.Event{
		Actor:      "bank",
		EntityType: audit.EntityTransaction,
		EntityID:   string(entry.EndToEndID),
		Action:     audit.ActionReturnUnmatched,
		Reason:     why,
	})
	p.logger.Warn("return entry held for review",
		"end_to_end_id", entry.EndToEndID, "reason", why)
}

// rollUp completes a Processing batch once every transaction is terminal.
func (p *Processor) rollUp(ctx context.Context, batchID id.BatchID, actor string) error {
	b, err := p.batches.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status != batch.StatusProcessing {
		return nil
	}

	txs, err := p.batches.ListTransactions(ctx, batchID)
	if err != nil {
		return err
	}
	anyFailed := false
	for _, tx := range txs {
		if !tx.Outcome.Terminal() {
			return nil
		}
		if tx.Outcome != batch.OutcomeSettled {
			anyFailed = true
		}
	}

	final := batch.StatusCompleted
	action := audit.ActionBatchCompleted
	if anyFailed {
		final = batch.StatusPartiallyFailed
		action = audit.ActionBatchPartiallyFailed
	}
	if err := p.batches.CompareAndSetStatus(ctx, batchID, batch.StatusProcessing, final); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil // a concurrent roll-up won
		}
		return err
	}
	p.emit(ctx, audit.Event{
		Actor:      actor,
		EntityType: audit.EntityBatch,
		EntityID:   batchID.String(),
		PriorState: string(batch.StatusProcessing),
		NewState:   string(final),
		Action:     action,
	})
	p.logger.Info("batch reconciled", "batch_id", batchID, "final_status", final)
	return nil
}

func (p *Processor) emit(ctx context.Context, e audit.Event) {
	if p.auditPub == nil {
		return
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	if err := p.auditPub.Emit(ctx, e); err != nil {
		p.logger.Error("audit emit failed", "action", e.Action, "error", err)
	}
}
