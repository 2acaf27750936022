package observability

import (
	"context"
	"log"
)

// Publisher is the broker-facing side of event publishing.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// EventEnvelope wraps every published event.
type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	RequestID string      `json:"request_id,omitempty"`
	TraceID   string      `json:"trace_id,omitempty"`
	Payload   interface{} `json:"payload"`
}

var defaultPublisher Publisher

// SetPublisher wires the process-wide event publisher.
func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

// PublishEvent sends an envelope through the configured publisher. Publishing
// is observability, not delivery: failures are counted and logged only.
func PublishEvent(ctx context.Context, routingKey string, envelope EventEnvelope) {
	if defaultPublisher == nil {
		return
	}
	if err := defaultPublisher.Publish(ctx, routingKey, envelope); err != nil {
		log.Printf("event publish failed: %v", err)
		IncAMQPPublishError()
	}
}
