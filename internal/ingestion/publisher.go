package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"ForwardClear/internal/event"
)

// OutboundPublisher publishes processed clearing events to NATS for
// downstream consumers. Outbound events are published after persistence is
// confirmed. Subjects follow the pattern:
// fwd.clearing.events.{event_type}[.{market_id}]
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
}

// PublishableEvent is a processed clearing event ready for outbound
// publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       string          `json:"market_id,omitempty"`
	DealID         *uint64         `json:"deal_id,omitempty"`
	SourceSequence int64           `json:"source_sequence"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Publishable converts a core envelope into its outbound wire form.
func Publishable(env *event.Envelope) PublishableEvent {
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.Subject(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		DealID:         env.DealID,
		SourceSequence: env.SourceSequence,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", evt.Sequence, err)
				// Non-fatal: downstream consumers can query the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("fwd.clearing.events.%s", evt.EventType)
	if evt.MarketID != "" {
		subject = fmt.Sprintf("%s.%s", subject, evt.MarketID)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "FWD_CLEARING_EVENTS",
		Subjects:  []string{"fwd.clearing.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream FWD_CLEARING_EVENTS")
	return nil
}
