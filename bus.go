package hellobus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

// Bus is the central Facade handling publish/subscribe against a Transport.
type Bus struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       zerolog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

type busMetrics struct {
	publishCount atomic.Uint64
	consumeCount atomic.Uint64
	ackCount     atomic.Uint64
	nackCount    atomic.Uint64
	errorCount   atomic.Uint64
	processingNs atomic.Int64
}

// Codec returns the configured codec.
func (b *Bus) Codec() Codec { return b.codec }

// Transport returns the underlying transport.
func (b *Bus) Transport() Transport { return b.transport }

// Publish encodes payload and sends it to topic under eventName.
func (b *Bus) Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	if eventName == "" {
		return ErrInvalidEventName
	}

	b.metrics.publishCount.Add(1)
	env, err := b.seal(PublishEvent{Name: eventName, Payload: payload, Meta: meta})
	if err != nil {
		return err
	}
	return b.send(ctx, topic, eventName, env.ID, env)
}

// PublishBatch encodes every event first and sends them in one transport call.
// Nothing is sent when any event fails validation or encoding.
func (b *Bus) PublishBatch(ctx context.Context, topic string, events ...PublishEvent) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if len(events) == 0 {
		return nil
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	for _, evt := range events {
		if evt.Name == "" {
			return ErrInvalidEventName
		}
		if evt.Payload == nil {
			return ErrInvalidPayload
		}
	}

	b.metrics.publishCount.Add(uint64(len(events)))
	envs := make([]*Envelope, len(events))
	for i := range events {
		env, err := b.seal(events[i])
		if err != nil {
			return err
		}
		envs[i] = env
	}
	// one notification pair for the whole batch
	return b.send(ctx, topic, "batch", "", envs...)
}

// seal encodes evt into a fresh envelope stamped with the bus clock.
func (b *Bus) seal(evt PublishEvent) (*Envelope, error) {
	data, err := b.codec.Marshal(evt.Payload)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return nil, fmt.Errorf("hellobus: encode %s: %w", evt.Name, err)
	}
	return &Envelope{
		ID:         uuid.NewString(),
		Name:       evt.Name,
		Payload:    data,
		Metadata:   evt.Meta,
		ProducedAt: b.clock.Now(),
	}, nil
}

// send hands envs to the transport between PublishStart and PublishDone.
func (b *Bus) send(ctx context.Context, topic, label, msgID string, envs ...*Envelope) error {
	b.notify(Event{Type: PublishStart, Topic: topic, MessageID: msgID, EventName: label})

	start := b.clock.Now()
	err := b.transport.Publish(ctx, topic, envs...)
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	b.notify(Event{
		Type:      PublishDone,
		Topic:     topic,
		MessageID: msgID,
		EventName: label,
		Duration:  duration,
		Err:       err,
	})
	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

// Subscribe registers a handler under a consumer group for a topic.
// The handler is wrapped with panic recovery and the configured middlewares.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	base := RecoveryMiddleware()(handler)
	wh := Chain(base, b.middlewares...)

	hctx := InjectAll(ctx, b.codec, &b.logger, b.clock)

	return b.transport.Subscribe(ctx, topic, group, func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Warn().Interface("panic", r).Msg("hellobus: delivery panic (recovered)")
				b.metrics.errorCount.Add(1)
				_ = d.Nack(context.Background(), ErrHandlerPanic)
			}
		}()

		b.metrics.consumeCount.Add(1)
		env := d.Envelope()

		b.notify(Event{
			Type:      ConsumeStart,
			Topic:     topic,
			Group:     group,
			MessageID: env.ID,
			EventName: env.Name,
		})

		start := b.clock.Now()
		err := wh(hctx, env)

		duration := b.clock.Since(start)
		b.recordProcessingTime(duration.Nanoseconds())

		done := Event{
			Type:      ConsumeDone,
			Topic:     topic,
			Group:     group,
			MessageID: env.ID,
			EventName: env.Name,
			Duration:  duration,
			Err:       err,
		}

		if err == nil {
			b.metrics.ackCount.Add(1)
			b.ackWithTimeout(hctx, d, true, nil)
			b.notify(done)
			b.notify(Event{Type: Ack, Topic: topic, Group: group, MessageID: env.ID, EventName: env.Name})
			return
		}

		b.metrics.nackCount.Add(1)
		b.ackWithTimeout(hctx, d, false, err)
		b.notify(done)
		b.notify(Event{Type: Nack, Topic: topic, Group: group, MessageID: env.ID, EventName: env.Name, Err: err})
	})
}

// ackWithTimeout settles a delivery. It detaches from ctx cancellation so a
// subscription being closed does not fail the ack of an already handled envelope.
func (b *Bus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := context.WithoutCancel(ctx)
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(actx, b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notify(Event{Type: Error, Err: err})
			b.logger.Warn().Err(err).Msg("hellobus: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notify(Event{Type: Error, Err: err})
		b.logger.Warn().Err(err).Msg("hellobus: nack failed")
	}
}

// GetMetrics returns current bus counters.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Published:           b.metrics.publishCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health reports "unhealthy" once closed and "degraded" above a 5% error rate.
func (b *Bus) Health(_ context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    StatusUnhealthy,
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := StatusHealthy

	if metrics.Errors > 0 && metrics.Published > 0 {
		errorRate := float64(metrics.Errors) / float64(metrics.Published)
		if errorRate > 0.05 {
			status = StatusDegraded
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// Close stops accepting work, drains the observer pool and closes the transport.
// It is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("hellobus: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("hellobus: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer.
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notify dispatches e through the observer pool when one is configured,
// otherwise calls observers inline.
func (b *Bus) notify(e Event) {
	if b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.observerPool != nil {
		b.observerPool.Notify(e, observers)
		return
	}
	for _, o := range observers {
		o.OnEvent(e)
	}
}

// recordProcessingTime keeps an exponential moving average of processing time.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	b.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
