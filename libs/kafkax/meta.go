package kafkax

import (
	"slices"
	"strings"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
)

// EventMeta identifies a relayed event. Consumers dedupe on ID and route on Type.
type EventMeta struct {
	ID            string
	Type          string
	AggregateType string
	AggregateID   string
}

// EventHeaders builds the metadata headers carried on every message. Empty
// aggregate fields are omitted.
func EventHeaders(m EventMeta) []kafka.Header {
	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(m.ID)},
		{Key: HeaderEventType, Value: []byte(m.Type)},
	}
	if m.AggregateType != "" {
		headers = append(headers, kafka.Header{Key: HeaderAggregateType, Value: []byte(m.AggregateType)})
	}
	if m.AggregateID != "" {
		headers = append(headers, kafka.Header{Key: HeaderAggregateID, Value: []byte(m.AggregateID)})
	}
	return headers
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// SplitBrokers parses a comma-separated broker list, dropping blanks and repeats.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" && !slices.Contains(brokers, b) {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
