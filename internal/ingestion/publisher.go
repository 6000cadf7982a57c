package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher emits engine events (fills, liquidations, repegs, funding
// settlements) to NATS for downstream consumers such as indexers and
// dashboards. Subjects follow nftperp.events.{event_type}.{market}.
type Publisher struct {
	js    jetstream.JetStream
	input <-chan EngineEvent
	log   zerolog.Logger
}

// EngineEvent is a processed event ready for outbound publishing.
// Numeric wad fields inside Payload should be serialized as decimal
// strings by the producer.
type EngineEvent struct {
	EventType string      `json:"event_type"`
	Market    string      `json:"market"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewPublisher(js jetstream.JetStream, input <-chan EngineEvent, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, input: input, log: log}
}

// Run drains the input channel until it closes or the context ends.
// Publish failures are logged and dropped; the engine state is already
// durable, so downstream consumers can backfill from persistence.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, evt); err != nil {
				p.log.Warn().Err(err).Str("type", evt.EventType).Str("market", evt.Market).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, evt EngineEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("nftperp.events.%s.%s", evt.EventType, evt.Market)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "NFTPERP_EVENTS",
		Subjects:  []string{"nftperp.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
