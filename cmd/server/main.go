package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"incasso/internal/audit"
	auditkafka "incasso/internal/audit/kafka"
	"incasso/internal/batch"
	"incasso/internal/batch/composer"
	"incasso/internal/charge"
	"incasso/internal/jwttoken"
	"incasso/internal/mandate"
	mandatesvc "incasso/internal/mandate/service"
	"incasso/internal/platform/config"
	"incasso/internal/platform/db"
	"incasso/internal/platform/httpserver"
	"incasso/internal/platform/logger"
	"incasso/internal/platform/metrics"
	"incasso/internal/platform/redis"
	"incasso/internal/retry"
	"incasso/internal/returns"
	"incasso/internal/sepafile"
	"incasso/internal/submission"
	httptransport "incasso/internal/transport/http"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal services; nothing here makes domain decisions.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		fatal(log, "postgres unavailable", err)
	}
	if pool != nil {
		defer pool.Close()
	}

	cache, err := redis.New(cfg.RedisURL)
	if err != nil {
		fatal(log, "redis unavailable", err)
	}
	if cache != nil {
		defer cache.Close()
	}

	// Store selection. A configured DSN selects Postgres across the board;
	// otherwise everything runs in memory, which is enough for local work.
	var (
		mandateStore mandate.Store
		chargeStore  charge.Store
		batchStore   batch.Store
		retryStore   retry.Store
		auditStore   audit.Store
	)
	if pool != nil {
		mandateStore = mandate.NewPostgres(pool)
		chargeStore = charge.NewPostgresStore(pool)
		batchStore = batch.NewPostgresStore(pool)
		retryStore = retry.NewPostgresStore(pool)
		auditStore = audit.NewPostgres(pool)
	} else {
		log.Warn("POSTGRES_DSN not set, using in-memory stores")
		mandateStore = mandate.NewInMemoryStore()
		chargeStore = charge.NewInMemoryStore()
		batchStore = batch.NewInMemoryStore()
		retryStore = retry.NewInMemoryStore()
		auditStore = audit.NewInMemoryStore()
	}

	met := metrics.New()

	var auditOpts []audit.PublisherOption
	if cfg.KafkaBrokers != "" {
		sink, err := auditkafka.New(ctx, cfg.KafkaBrokers, cfg.AuditTopic)
		if err != nil {
			fatal(log, "kafka unavailable", err)
		}
		defer sink.Close()

		stream := make(chan audit.Event, 256)
		auditOpts = append(auditOpts, audit.WithStream(stream))
		go func() {
			if err := audit.NewWorker(sink, stream, log).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit worker stopped", "error", err)
			}
		}()
	}
	auditLog := audit.NewPublisher(auditStore, auditOpts...)

	mandates, err := mandatesvc.New(mandateStore, cfg.CreditorID,
		mandatesvc.WithLogger(log),
		mandatesvc.WithAuditPublisher(auditLog),
	)
	if err != nil {
		fatal(log, "mandate service", err)
	}

	composerOpts := []composer.Option{
		composer.WithLogger(log),
		composer.WithAuditPublisher(auditLog),
		composer.WithMetrics(met),
	}
	if cache != nil {
		composerOpts = append(composerOpts, composer.WithRedisLock(cache))
	}
	comp, err := composer.New(chargeStore, mandates, batchStore, composer.Limits{
		MaxBatchSize:   cfg.MaxBatchSize,
		MaxBatchAmount: cfg.MaxBatchAmount,
		LeadTimeDays:   cfg.LeadTimeDays,
	}, composerOpts...)
	if err != nil {
		fatal(log, "composer", err)
	}

	generator, err := sepafile.NewGenerator(sepafile.Creditor{
		ID:   cfg.CreditorID,
		Name: cfg.CreditorName,
		IBAN: cfg.CreditorIBAN,
		BIC:  cfg.CreditorBIC,
	})
	if err != nil {
		fatal(log, "creditor configuration", err)
	}

	submitter, err := submission.NewDirectorySubmitter(cfg.SubmitDir)
	if err != nil {
		fatal(log, "submit directory", err)
	}
	tracker, err := submission.New(batchStore, chargeStore, generator, submitter,
		submission.WithLogger(log),
		submission.WithAuditPublisher(auditLog),
		submission.WithMetrics(met),
	)
	if err != nil {
		fatal(log, "submission tracker", err)
	}

	schedulerOpts := []retry.Option{
		retry.WithLogger(log),
		retry.WithAuditPublisher(auditLog),
		retry.WithMetrics(met),
	}
	if cache != nil {
		schedulerOpts = append(schedulerOpts, retry.WithRedisSweepMarker(cache))
	}
	scheduler, err := retry.New(retryStore, chargeStore, retry.Policy{
		MaxRetries:    cfg.MaxRetries,
		BaseDelayDays: cfg.BaseRetryDelayDays,
	}, schedulerOpts...)
	if err != nil {
		fatal(log, "retry scheduler", err)
	}

	processor, err := returns.New(batchStore, mandates, scheduler,
		returns.WithLogger(log),
		returns.WithAuditPublisher(auditLog),
		returns.WithMetrics(met),
	)
	if err != nil {
		fatal(log, "return processor", err)
	}

	router := httptransport.NewRouter(httptransport.Config{
		Mandates:  mandates,
		Charges:   chargeStore,
		Batches:   batchStore,
		Composer:  comp,
		Tracker:   tracker,
		Processor: processor,
		Scheduler: scheduler,
		AuditLog:  auditLog,
		Validator: jwttoken.New(cfg.JWTSigningKey, "incasso"),
		Metrics:   met,
		Logger:    log,
	})

	go housekeeping(ctx, log, scheduler, mandates, auditLog, cfg.AuditRetention)

	srv := httpserver.New(cfg.Addr, router)
	go func() {
		log.Info("starting incasso", "addr", cfg.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "server error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

// housekeeping runs the daily jobs: releasing due retries back into the
// charge pool, expiring lapsed mandates and archiving audit entries past the
// retention window. Every job is idempotent, so running once at boot and
// then on the ticker is safe even with several instances.
func housekeeping(ctx context.Context, log *slog.Logger, scheduler *retry.Scheduler, mandates *mandatesvc.Service, auditLog *audit.Publisher, retention time.Duration) {
	run := func() {
		now := time.Now()
		if released, err := scheduler.Sweep(ctx, now); err != nil {
			log.Error("retry sweep failed", "error", err)
		} else if released > 0 {
			log.Info("retry sweep released charges", "count", released)
		}
		if expired, err := mandates.ExpireLapsed(ctx, now); err != nil {
			log.Error("mandate expiry failed", "error", err)
		} else if expired > 0 {
			log.Info("expired lapsed mandates", "count", expired)
		}
		if archived, err := auditLog.ArchiveExpired(ctx, now.Add(-retention)); err != nil {
			log.Error("audit archival failed", "error", err)
		} else if archived > 0 {
			log.Info("archived audit entries", "count", archived)
		}
	}

	run()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
