package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/bookinggate/libs/kafkax"
	otelx "github.com/md-rashed-zaman/bookinggate/libs/otel"
	"github.com/segmentio/kafka-go"
)

// Source hands out unpublished records. ClaimBatch must keep the claimed rows
// invisible to other relays until fn returns, then mark the returned ids published.
type Source interface {
	ClaimBatch(ctx context.Context, limit int, fn func([]Record) ([]int64, error)) error
}

// Sink is satisfied by *kafka.Writer.
type Sink interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Relay struct {
	source    Source
	sink      Sink
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

type RelayConfig struct {
	PollEvery time.Duration
	BatchSize int
}

func NewRelay(source Source, sink Sink, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Relay{
		source:    source,
		sink:      sink,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

// NewKafkaWriter returns nil when no brokers are configured.
func NewKafkaWriter(brokers string) *kafka.Writer {
	list := kafkax.SplitBrokers(brokers)
	if len(list) == 0 {
		return nil
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(list...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

func (p *Relay) Run(ctx context.Context) error {
	if p.sink == nil {
		p.logger.Warn("outbox relay disabled (no kafka brokers configured)")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

// PublishBatch relays one batch and reports how many records were published.
func (p *Relay) PublishBatch(ctx context.Context) (int, error) {
	published := 0
	err := p.source.ClaimBatch(ctx, p.batchSize, func(records []Record) ([]int64, error) {
		if len(records) == 0 {
			return nil, nil
		}
		msgs := make([]kafka.Message, 0, len(records))
		for _, r := range records {
			msgCtx := otelx.TraceContext{Parent: r.Traceparent, State: r.Tracestate}.Restore(ctx)
			headers := kafkax.EventHeaders(kafkax.EventMeta{
				ID:            r.EventID,
				Type:          r.EventType,
				AggregateType: r.AggregateType,
				AggregateID:   r.AggregateID,
			})
			msgs = append(msgs, kafka.Message{
				Topic:   r.EventType,
				Key:     []byte(r.AggregateID),
				Value:   r.Payload,
				Headers: kafkax.InjectTraceHeaders(msgCtx, headers),
			})
		}
		if err := p.sink.WriteMessages(ctx, msgs...); err != nil {
			return nil, err
		}
		ids := make([]int64, 0, len(records))
		for _, r := range records {
			ids = append(ids, r.ID)
		}
		published = len(ids)
		return ids, nil
	})
	return published, err
}
