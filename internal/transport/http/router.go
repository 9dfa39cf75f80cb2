// Package http is the back-office API surface: mandate lifecycle, charge
// ingestion, batch operations, return files and audit queries.
package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"incasso/internal/audit"
	"incasso/internal/batch"
	"incasso/internal/batch/composer"
	"incasso/internal/charge"
	mandatesvc "incasso/internal/mandate/service"
	"incasso/internal/platform/metrics"
	"incasso/internal/platform/middleware"
	"incasso/internal/retry"
	"incasso/internal/returns"
	"incasso/internal/submission"
)

// Handler bundles the services the API fronts. Everything is constructed in
// main and passed in; the handler owns no state of its own.
type Handler struct {
	mandates  *mandatesvc.Service
	charges   charge.Store
	batches   batch.Store
	composer  *composer.Composer
	tracker   *submission.Tracker
	processor *returns.Processor
	scheduler *retry.Scheduler
	auditLog  *audit.Publisher
	logger    *slog.Logger
}

type Config struct {
	Mandates  *mandatesvc.Service
	Charges   charge.Store
	Batches   batch.Store
	Composer  *composer.Composer
	Tracker   *submission.Tracker
	Processor *returns.Processor
	Scheduler *retry.Scheduler
	AuditLog  *audit.Publisher
	Validator middleware.JWTValidator
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// NewRouter assembles the chi router with the shared middleware stack.
// Health and metrics stay outside authentication; everything else requires a
// bearer token.
func NewRouter(cfg Config) http.Handler {
	h := &Handler{
		mandates:  cfg.Mandates,
		charges:   cfg.Charges,
		batches:   cfg.Batches,
		composer:  cfg.Composer,
		tracker:   cfg.Tracker,
		processor: cfg.Processor,
		scheduler: cfg.Scheduler,
		auditLog:  cfg.AuditLog,
		logger:    cfg.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.Logger(h.logger))
	if cfg.Metrics != nil {
		r.Use(middleware.Latency(cfg.Metrics))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(cfg.Validator, h.logger))

		r.Route("/mandates", func(r chi.Router) {
			r.Post("/", h.registerMandate)
			r.Get("/{ref}", h.getMandate)
			r.Post("/{ref}/activate", h.activateMandate)
			r.Post("/{ref}/suspend", h.suspendMandate)
			r.Post("/{ref}/resume", h.resumeMandate)
			r.Post("/{ref}/cancel", h.cancelMandate)
		})
		r.Get("/members/{memberID}/mandates", h.listMemberMandates)

		r.Post("/charges", h.ingestCharges)

		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.listBatches)
			r.Post("/compose", h.composeBatches)
			r.Get("/{batchID}", h.getBatch)
			r.Get("/{batchID}/transactions", h.listBatchTransactions)
			r.Post("/{batchID}/validate", h.validateBatch)
			r.Get("/{batchID}/file", h.batchFile)
			r.Post("/{batchID}/submit", h.submitBatch)
			r.Post("/{batchID}/acknowledge", h.acknowledgeBatch)
			r.Post("/{batchID}/cancel", h.cancelBatch)
		})

		r.Get("/transactions/{endToEndID}", h.getTransaction)
		r.Post("/returns", h.processReturns)
		r.Post("/retries/sweep", h.sweepRetries)
		r.Get("/audit", h.queryAudit)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
