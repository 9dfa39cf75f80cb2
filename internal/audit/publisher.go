package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Publisher captures structured audit events. Appends are synchronous with the
// state change being recorded; the optional stream channel feeds the Kafka
// worker without blocking the caller.
type Publisher struct {
	store  Store
	stream chan<- Event
}

type PublisherOption func(*Publisher)

// WithStream mirrors every appended event onto a channel for background
// export. The channel send never blocks; a full buffer drops the mirror copy,
// not the stored record.
func WithStream(stream chan<- Event) PublisherOption {
	return func(p *Publisher) {
		p.stream = stream
	}
}

func NewPublisher(store Store, opts ...PublisherOption) *Publisher {
	p := &Publisher{store: store}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit assigns identity and category, then persists the event.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = event.Action.Category()
	}
	if err := p.store.Append(ctx, event); err != nil {
		return err
	}
	if p.stream != nil {
		select {
		case p.stream <- event:
		default:
		}
	}
	return nil
}

// List exposes the query surface for the compliance export endpoint.
func (p *Publisher) List(ctx context.Context, q Query) ([]Event, error) {
	return p.store.List(ctx, q)
}

// ArchiveExpired flags entries older than the retention window.
func (p *Publisher) ArchiveExpired(ctx context.Context, before time.Time) (int, error) {
	return p.store.ArchiveExpired(ctx, before)
}
