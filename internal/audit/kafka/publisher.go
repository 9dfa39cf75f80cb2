// Package kafka exports compliance audit events to a Kafka topic so the
// association's archival pipeline can consume them independently of this
// service's database.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"incasso/internal/audit"
)

// Publisher implements audit.Sink over franz-go.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// payload is the wire form; field names are part of the consumer contract.
type payload struct {
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	Category   string `json:"category"`
	Actor      string `json:"actor,omitempty"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	PriorState string `json:"prior_state,omitempty"`
	NewState   string `json:"new_state,omitempty"`
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// New connects to the brokers and ensures the topic exists.
func New(ctx context.Context, brokers, topic string) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(brokers, ",")...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopic(ctx, 1, 1, nil, topic)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure audit topic: %w", err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		client.Close()
		return nil, fmt.Errorf("ensure audit topic: %w", resp.Err)
	}

	return &Publisher{client: client, topic: topic}, nil
}

// Publish sends one event, keyed by entity id so per-entity ordering survives
// partitioning.
func (p *Publisher) Publish(ctx context.Context, event audit.Event) error {
	body, err := json.Marshal(payload{
		ID:         event.ID.String(),
		Timestamp:  event.Timestamp.Format(time.RFC3339Nano),
		Category:   string(event.Category),
		Actor:      event.Actor,
		EntityType: string(event.EntityType),
		EntityID:   event.EntityID,
		PriorState: event.PriorState,
		NewState:   event.NewState,
		Action:     string(event.Action),
		Reason:     event.Reason,
		RequestID:  event.RequestID,
	})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.EntityID),
		Value: body,
	}
	return p.client.ProduceSync(ctx, record).FirstErr()
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}
