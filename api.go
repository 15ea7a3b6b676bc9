package hellobus

import (
	"context"
)

// Handler processes a single envelope. Return error to trigger Nack/Retry.
type Handler func(ctx context.Context, env *Envelope) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received envelope with Ack/Nack semantics.
type Delivery interface {
	Envelope() *Envelope
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Publish sends envelopes to a topic.
	Publish(ctx context.Context, topic string, envs ...*Envelope) error
	// Subscribe binds a handler to a topic within a consumer group.
	// Every group receives every envelope published on the topic.
	// The transport drives delivery in background and honors ctx.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// Codec is the Strategy for encoding/decoding payloads on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// Publisher is the publishing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) error
}

// Subscriber is the subscribing half of the bus.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error)
}

// HealthChecker provides health status.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete bus surface.
type API interface {
	Publisher
	Subscriber
	PublishBatch(ctx context.Context, topic string, events ...PublishEvent) error
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
