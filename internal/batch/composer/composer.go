// Package composer turns the eligible charge pool into collection batches.
// One compose cycle is the single-writer critical section of the pipeline:
// every inclusion is a compare-and-set claim on the charge, and the mandate is
// re-checked at the moment of inclusion, not only at selection time.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"incasso/internal/audit"
	"incasso/internal/batch"
	"incasso/internal/charge"
	"incasso/internal/mandate"
	mandatesvc "incasso/internal/mandate/service"
	"incasso/internal/platform/metrics"
	"incasso/internal/platform/redis"
	id "incasso/pkg/domain"
	dErrors "incasso/pkg/domain-errors"
	"incasso/pkg/platform/sentinel"
)

const composeLockKey = "incasso:compose:lock"

// Limits bound one batch. A cycle that would exceed them defers the surplus
// charges to the next cycle instead of failing.
type Limits struct {
	MaxBatchSize   int
	MaxBatchAmount id.Cents
	LeadTimeDays   int
}

type AuditPublisher interface {
	Emit(ctx context.Context, e audit.Event) error
}

type Composer struct {
	charges  charge.Store
	mandates *mandatesvc.Service
	batches  batch.Store
	limits   Limits
	auditPub AuditPublisher
	metrics  *metrics.Metrics
	redis    *redis.Client
	logger   *slog.Logger
	tracer   trace.Tracer
}

type Option func(*Composer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Composer) { c.logger = logger }
}

func WithAuditPublisher(pub AuditPublisher) Option {
	return func(c *Composer) { c.auditPub = pub }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Composer) { c.metrics = m }
}

// WithRedisLock makes compose cycles mutually exclusive across instances. With
// a single instance the store-level claim already prevents double inclusion;
// the lock only avoids wasted contention.
func WithRedisLock(client *redis.Client) Option {
	return func(c *Composer) { c.redis = client }
}

func New(charges charge.Store, mandates *mandatesvc.Service, batches batch.Store, limits Limits, opts ...Option) (*Composer, error) {
	if charges == nil || mandates == nil || batches == nil {
		return nil, errors.New("composer: charge store, mandate service and batch store are required")
	}
	if limits.MaxBatchSize <= 0 {
		return nil, errors.New("composer: max batch size must be positive")
	}
	if limits.MaxBatchAmount <= 0 {
		return nil, errors.New("composer: max batch amount must be positive")
	}
	c := &Composer{
		charges:  charges,
		mandates: mandates,
		batches:  batches,
		limits:   limits,
		logger:   slog.Default(),
		tracer:   otel.Tracer("incasso/composer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Result summarizes one compose cycle.
type Result struct {
	Batches  []batch.Batch
	Claimed  int
	Deferred int
	Skipped  int
}

type groupKey struct {
	currency id.Currency
	sequence mandate.SequenceType
}

type candidate struct {
	charge  charge.Charge
	mandate mandate.Mandate
}

// Compose claims every eligible charge it can into new Draft batches, grouped
// by currency and sequence flag. Returns a batch_limit error when nothing is
// eligible; that is a signal, not a failure.
func (c *Composer) Compose(ctx context.Context, asOf time.Time, actor string) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "composer.Compose")
	defer span.End()
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveComposeCycle(time.Since(start))
		}
	}()

	if c.redis != nil {
		ok, err := c.redis.SetNX(ctx, composeLockKey, actor, 2*time.Minute).Result()
		if err != nil {
			return Result{}, fmt.Errorf("acquire compose lock: %w", err)
		}
		if !ok {
			return Result{}, dErrors.New(dErrors.CodeConflict, "a compose cycle is already running")
		}
		defer c.redis.Del(context.WithoutCancel(ctx), composeLockKey)
	}

	eligible, err := c.charges.ListEligible(ctx, asOf)
	if err != nil {
		return Result{}, fmt.Errorf("list eligible charges: %w", err)
	}
	if len(eligible) == 0 {
		return Result{}, dErrors.New(dErrors.CodeBatchLimit, "no eligible charges to compose")
	}
	span.SetAttributes(attribute.Int("charges.eligible", len(eligible)))

	var result Result
	groups := c.selectCandidates(ctx, asOf, eligible, &result)

	executionDate := NextExecutionDate(asOf, c.limits.LeadTimeDays)
	for _, key := range sortedKeys(groups) {
		batches, err := c.composeGroup(ctx, key, groups[key], executionDate, asOf, actor, &result)
		if err != nil {
			return result, err
		}
		result.Batches = append(result.Batches, batches...)
	}

	if len(result.Batches) == 0 {
		return result, dErrors.New(dErrors.CodeBatchLimit, "no eligible charges to compose")
	}
	span.SetAttributes(
		attribute.Int("batches.composed", len(result.Batches)),
		attribute.Int("charges.claimed", result.Claimed),
	)
	return result, nil
}

// selectCandidates pairs each eligible charge with a collectable mandate and
// buckets them by currency and sequence flag. Charges whose mandate is not
// collectable are skipped, not failed: the charge stays in the pool for when
// the mandate recovers.
func (c *Composer) selectCandidates(ctx context.Context, asOf time.Time, eligible []charge.Charge, result *Result) map[groupKey][]candidate {
	groups := make(map[groupKey][]candidate)
	for _, ch := range eligible {
		m, err := c.mandates.Get(ctx, ch.MandateRef)
		if err != nil {
			c.logger.Warn("charge references unknown mandate, skipping",
				"charge_id", ch.ID, "mandate_ref", ch.MandateRef)
			result.Skipped++
			continue
		}
		if !m.Collectable(asOf) {
			result.Skipped++
			continue
		}
		if ch.Currency != id.CurrencyEUR {
			c.logger.Warn("charge in unsupported currency, skipping",
				"charge_id", ch.ID, "currency", ch.Currency)
			result.Skipped++
			continue
		}
		key := groupKey{currency: ch.Currency, sequence: m.SequenceType}
		groups[key] = append(groups[key], candidate{charge: ch, mandate: m})
	}
	return groups
}

// composeGroup splits one bucket into batches honoring size and amount limits,
// claiming each charge as it goes.
func (c *Composer) composeGroup(ctx context.Context, key groupKey, candidates []candidate, executionDate, asOf time.Time, actor string, result *Result) ([]batch.Batch, error) {
	var batches []batch.Batch

	for len(candidates) > 0 {
		batchID := id.NewBatchID()
		var (
			txs       []batch.Transaction
			total     id.Cents
			remainder []candidate
		)

		for i, cand := range candidates {
			if len(txs) >= c.limits.MaxBatchSize {
				remainder = append(remainder, candidates[i:]...)
				break
			}
			if total+cand.charge.Amount > c.limits.MaxBatchAmount {
				if cand.charge.Amount > c.limits.MaxBatchAmount {
					// Larger than any batch can carry; deferring it
					// again would never resolve, so flag it for manual
					// handling.
					c.logger.Warn("charge exceeds the batch amount limit on its own",
						"charge_id", cand.charge.ID,
						"amount", cand.charge.Amount.Decimal(),
						"max_batch_amount", c.limits.MaxBatchAmount.Decimal())
					c.emit(ctx, audit.Event{
						Actor:      actor,
						EntityType: audit.EntityCharge,
						EntityID:   string(cand.charge.ID),
						Action:     audit.ActionChargeOversized,
						Reason: fmt.Sprintf("amount %s exceeds the batch limit %s",
							cand.charge.Amount.Decimal(), c.limits.MaxBatchAmount.Decimal()),
					})
				}
				result.Deferred++
				if c.metrics != nil {
					c.metrics.ChargesDeferred.Inc()
				}
				continue
			}

			tx, err := c.claim(ctx, batchID, cand, executionDate, asOf, actor)
			if err != nil {
				if errors.Is(err, sentinel.ErrAlreadyClaimed) || errors.Is(err, errNotCollectable) {
					result.Skipped++
					continue
				}
				return batches, err
			}
			txs = append(txs, tx)
			total += tx.Amount
		}

		if len(txs) > 0 {
			b := batch.Batch{
				ID:            batchID,
				Status:        batch.StatusDraft,
				Currency:      key.currency,
				SequenceType:  key.sequence,
				ExecutionDate: executionDate,
				TotalAmount:   total,
				TxCount:       len(txs),
			}
			if err := c.batches.CreateBatch(ctx, b); err != nil {
				return batches, fmt.Errorf("create batch: %w", err)
			}
			if err := c.batches.CreateTransactions(ctx, txs); err != nil {
				return batches, fmt.Errorf("create transactions: %w", err)
			}
			result.Claimed += len(txs)
			if c.metrics != nil {
				c.metrics.BatchesComposed.Inc()
				c.metrics.ChargesClaimed.Add(float64(len(txs)))
			}
			c.emit(ctx, audit.Event{
				Actor:      actor,
				EntityType: audit.EntityBatch,
				EntityID:   b.ID.String(),
				NewState:   string(b.Status),
				Action:     audit.ActionBatchComposed,
				Reason:     fmt.Sprintf("%d transactions, %s %s", b.TxCount, b.TotalAmount.Decimal(), b.Currency),
			})
			c.logger.Info("batch composed",
				"batch_id", b.ID, "currency", b.Currency, "sequence", b.SequenceType,
				"tx_count", b.TxCount, "total", b.TotalAmount.Decimal())
			batches = append(batches, b)
		}

		// Anything past the size cap starts a fresh batch; amount-capped
		// charges wait for the next cycle.
		candidates = remainder
	}
	return batches, nil
}

var errNotCollectable = errors.New("mandate no longer collectable")

// claim is the inclusion critical section: re-check the mandate, set the
// charge's inclusion flag, and consume one-off mandates. The re-check happens
// after the mandate could have been cancelled between selection and here.
func (c *Composer) claim(ctx context.Context, batchID id.BatchID, cand candidate, executionDate, asOf time.Time, actor string) (batch.Transaction, error) {
	m, err := c.mandates.Get(ctx, cand.charge.MandateRef)
	if err != nil {
		return batch.Transaction{}, err
	}
	if !m.Collectable(asOf) {
		return batch.Transaction{}, errNotCollectable
	}

	if err := c.charges.Claim(ctx, cand.charge.ID, batchID); err != nil {
		return batch.Transaction{}, err
	}

	if m.SequenceType == mandate.SequenceOneOff {
		if err := c.mandates.Consume(ctx, m.Reference, actor); err != nil {
			// Another cycle consumed it first; give the charge back.
			if relErr := c.charges.Release(ctx, cand.charge.ID); relErr != nil {
				c.logger.Error("release after failed one-off consume",
					"charge_id", cand.charge.ID, "error", relErr)
			}
			return batch.Transaction{}, errNotCollectable
		}
	}

	c.emit(ctx, audit.Event{
		Actor:      actor,
		EntityType: audit.EntityCharge,
		EntityID:   string(cand.charge.ID),
		NewState:   "claimed",
		Action:     audit.ActionChargeClaimed,
		Reason:     "claimed into batch " + batchID.String(),
	})

	return batch.Transaction{
		EndToEndID:    id.NewEndToEndID(cand.charge.ID, cand.charge.Attempt),
		BatchID:       batchID,
		ChargeID:      cand.charge.ID,
		MandateRef:    m.Reference,
		MemberID:      cand.charge.MemberID,
		Amount:        cand.charge.Amount,
		Currency:      cand.charge.Currency,
		DebtorIBAN:    m.IBAN,
		DebtorBIC:     m.BIC,
		SignatureDate: m.SignatureDate,
		SequenceType:  m.SequenceType,
		Remittance:    fmt.Sprintf("Contribution %s", cand.charge.ID),
		Attempt:       cand.charge.Attempt,
		Outcome:       batch.OutcomePending,
	}, nil
}

func (c *Composer) emit(ctx context.Context, e audit.Event) {
	if c.auditPub == nil {
		return
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	if err := c.auditPub.Emit(ctx, e); err != nil {
		c.logger.Error("audit emit failed", "action", e.Action, "error", err)
	}
}

// NextExecutionDate is asOf plus the configured lead time in business days.
// SEPA presentment deadlines count bank working days; weekends roll forward.
func NextExecutionDate(asOf time.Time, leadDays int) time.Time {
	d := asOf.Truncate(24 * time.Hour)
	for added := 0; added < leadDays; {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			added++
		}
	}
	// Land on a business day even with zero lead.
	for wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday; wd = d.Weekday() {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// sortedKeys gives the group map a stable iteration order so batch creation
// is deterministic under test.
func sortedKeys(groups map[groupKey][]candidate) []groupKey {
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].currency != keys[j].currency {
			return keys[i].currency < keys[j].currency
		}
		return keys[i].sequence < keys[j].sequence
	})
	return keys
}
