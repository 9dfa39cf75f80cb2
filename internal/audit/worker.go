package audit

import (
	"context"
	"log/slog"
)

// Sink receives events exported off the hot path, e.g. the Kafka compliance
// stream.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Worker drains the publisher's stream channel into a sink. Export failures
// are logged and skipped; the store copy written by the publisher remains the
// source of truth.
type Worker struct {
	sink   Sink
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(sink Sink, inbox <-chan Event, logger *slog.Logger) *Worker {
	return &Worker{sink: sink, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.sink.Publish(ctx, event); err != nil {
				w.logger.WarnContext(ctx, "audit export failed",
					"action", event.Action,
					"entity_id", event.EntityID,
					"error", err,
				)
			}
		}
	}
}
