package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"nftperp/internal/market"
	"nftperp/internal/observability"
	"nftperp/internal/oracle"
)

// Feed subscribes to the NATS JetStream subjects that drive the engine
// from outside: floor-price observations from the oracle relay and
// per-market risk parameter overrides from the admin surface. Each
// subject has its own durable consumer so the two flows scale and
// redeliver independently.
type Feed struct {
	js        jetstream.JetStream
	oracle    *oracle.Oracle
	registry  *market.Registry
	metrics   *observability.Metrics
	log       zerolog.Logger
	consumers []jetstream.ConsumeContext
}

const (
	priceStream  = "NFTPERP_PRICES"
	paramsStream = "NFTPERP_PARAMS"

	priceSubject  = "nftperp.prices.>"
	paramsSubject = "nftperp.params.>"
)

func NewFeed(js jetstream.JetStream, orc *oracle.Oracle, registry *market.Registry, metrics *observability.Metrics, log zerolog.Logger) *Feed {
	return &Feed{
		js:       js,
		oracle:   orc,
		registry: registry,
		metrics:  metrics,
		log:      log,
	}
}

// EnsureStreams creates the inbound streams if they don't exist.
// Price observations are superseded quickly, so a short retention
// window is enough for consumer catch-up after a restart.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      priceStream,
			Subjects:  []string{priceSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      paramsStream,
			Subjects:  []string{paramsSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Subscribe attaches durable consumers for both inbound subjects.
// Consumers use explicit ACK; malformed payloads are acked and dropped
// since redelivery cannot fix them.
func (f *Feed) Subscribe(ctx context.Context) error {
	if err := f.consume(ctx, priceStream, priceSubject, "nftperp-prices", f.handlePrice); err != nil {
		return err
	}
	if err := f.consume(ctx, paramsStream, paramsSubject, "nftperp-params", f.handleParams); err != nil {
		return err
	}
	return nil
}

func (f *Feed) consume(ctx context.Context, stream, subject, durable string, handler func(jetstream.Msg)) error {
	consumer, err := f.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(handler)
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}

	f.consumers = append(f.consumers, cc)
	f.log.Info().Str("subject", subject).Str("consumer", durable).Msg("subscribed")
	return nil
}

func (f *Feed) handlePrice(msg jetstream.Msg) {
	received := time.Now()

	update, err := ParseIndexPrice(msg.Data())
	if err != nil {
		f.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed price update")
		msg.Ack()
		return
	}

	applied := f.oracle.SetIndexPrice(update.Market, update.Price, update.Sequence, update.TimestampUs/1_000_000)
	if f.metrics != nil {
		if applied {
			f.metrics.IndexUpdatesApplied.WithLabelValues(update.Market).Inc()
		} else {
			f.metrics.IndexUpdatesStale.WithLabelValues(update.Market).Inc()
		}
		f.metrics.IngestLatency.WithLabelValues(priceSubject).Observe(time.Since(received).Seconds())
	}
	msg.Ack()
}

func (f *Feed) handleParams(msg jetstream.Msg) {
	update, err := ParseMarketParams(msg.Data())
	if err != nil {
		f.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed params update")
		msg.Ack()
		return
	}

	params := f.registry.ParamsFor(update.Market)
	if update.ImRatio != 0 {
		params.ImRatio = update.ImRatio
	}
	if update.MmRatio != 0 {
		params.MmRatio = update.MmRatio
	}
	if update.LiquidationPenaltyRatio != 0 {
		params.LiquidationPenaltyRatio = update.LiquidationPenaltyRatio
	}
	if update.InsuranceFundFeeRatio != 0 {
		params.InsuranceFundFeeRatio = update.InsuranceFundFeeRatio
	}
	if update.PlatformFundFeeRatio != 0 {
		params.PlatformFundFeeRatio = update.PlatformFundFeeRatio
	}
	if update.MaxTickCrossedPerBlock != 0 {
		params.MaxTickCrossedPerBlock = update.MaxTickCrossedPerBlock
	}
	f.registry.SetOverride(update.Market, params)

	f.log.Info().
		Str("market", update.Market).
		Int64("sequence", update.Sequence).
		Msg("market params updated")
	msg.Ack()
}

// Stop gracefully stops all consumers.
func (f *Feed) Stop() {
	for _, cc := range f.consumers {
		cc.Stop()
	}
	f.log.Info().Msg("feed consumers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
