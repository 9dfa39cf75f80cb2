package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the collection pipeline.
type Metrics struct {
	BatchesComposed       prometheus.Counter
	ChargesClaimed        prometheus.Counter
	ChargesDeferred       prometheus.Counter
	FilesGenerated        prometheus.Counter
	TransactionsSettled   prometheus.Counter
	TransactionsFailed    *prometheus.CounterVec
	RetriesScheduled      prometheus.Counter
	RetriesExhausted      prometheus.Counter
	ReconciliationErrors  prometheus.Counter
	ComposeCycleSeconds   prometheus.Histogram
	RequestsTotal         *prometheus.CounterVec
	RequestLatencySeconds *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		BatchesComposed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "incasso_batches_composed_total",
			Help: "Direct debit batches composed",
		}),
		ChargesClaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "incasso_charges_claimed_total",
			Help: "Charges claimed into a batch",
		}),
		ChargesDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Name: "incasso_charges_deferred_total",
			Help: "Eligible charges deferred to a later cycle by batch limits",
		}),
		FilesGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "incasso_files_generated_total",
			Help: "pain.008 files generated",
		}),
		TransactionsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "incasso_transactions_settled_total",
			Help: "Transactions settled by the bank",
		}),
		TransactionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "incasso_transactions_failed_total",
			Help: "Transactions returned by the bank, by reason code",
		}, []string{"reason_code"}),
		RetriesScheduled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "incasso_retries_scheduled_total",
			Help: "Retry attempts scheduled for recoverable returns",
		}),
		RetriesExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "incasso_retries_exhausted_total",
			Help: "Transactions that exhausted the retry budget",
		}),
		ReconciliationErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "incasso_reconciliation_errors_total",
			Help: "Return entries that could not be matched to a transaction",
		}),
		ComposeCycleSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "incasso_compose_cycle_seconds",
			Help:    "Duration of one batch composition cycle",
			Buckets: prometheus.DefBuckets,
		}),
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "incasso_http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		RequestLatencySeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "incasso_http_request_latency_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// ObserveComposeCycle records the duration of one composition cycle.
func (m *Metrics) ObserveComposeCycle(d time.Duration) {
	m.ComposeCycleSeconds.Observe(d.Seconds())
}
