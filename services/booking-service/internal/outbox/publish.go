package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	otelx "github.com/md-rashed-zaman/bookinggate/libs/otel"
)

// Inserter stores an event durably; storage queries implement it so events
// commit atomically with the state change that produced them.
type Inserter interface {
	InsertEvent(ctx context.Context, evt Event) error
}

// Publish marshals payload and enqueues it on topic through ins.
func Publish(ctx context.Context, ins Inserter, topic, aggregateType, aggregateID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	tc := otelx.CaptureTraceContext(ctx)
	return ins.InsertEvent(ctx, Event{
		EventID:       uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     topic,
		Payload:       body,
		Traceparent:   tc.Parent,
		Tracestate:    tc.State,
	})
}

// PublishBestEffort is the one place where a publish failure is logged and
// dropped. Use it only for signals whose loss cannot corrupt booking state.
func PublishBestEffort(ctx context.Context, logger *slog.Logger, ins Inserter, topic, aggregateType, aggregateID string, payload any) {
	if err := Publish(ctx, ins, topic, aggregateType, aggregateID, payload); err != nil {
		logger.Warn("best-effort publish dropped", "topic", topic, "aggregate_id", aggregateID, "err", err)
	}
}
