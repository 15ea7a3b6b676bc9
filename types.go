package hellobus

import (
	"time"
)

// Envelope is the record traveling the bus. The Payload is encoded via Codec.
type Envelope struct {
	// ID is a unique envelope identifier, assigned by the bus on publish.
	ID string
	// Name is the logical event name, used for routing/logging.
	Name string
	// Payload is the encoded bytes of the event.
	Payload []byte
	// Metadata is a bag for headers/tracing/etc.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// PublishEvent describes a single event in a batch publish call.
type PublishEvent struct {
	Name    string
	Payload any
	Meta    map[string]string
}

// EventType enumerates internal lifecycle events for observers.
type EventType string

const (
	PublishStart EventType = "publish_start"
	PublishDone  EventType = "publish_done"
	ConsumeStart EventType = "consume_start"
	ConsumeDone  EventType = "consume_done"
	Ack          EventType = "ack"
	Nack         EventType = "nack"
	Error        EventType = "error"
)

// Event carries lifecycle details for observers.
type Event struct {
	Type      EventType
	Topic     string
	Group     string
	MessageID string
	EventName string
	Duration  time.Duration
	Err       error
}

// PoolStats reports observer pool counters.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64
	Panics       uint64 // Observer calls that panicked
	ActiveEvents int // Current queue depth
	Workers      int
	BufferSize   int
}

// Metrics are in-process bus counters.
type Metrics struct {
	Published           uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus is a point-in-time view of bus health.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)
