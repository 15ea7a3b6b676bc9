package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/trickstertwo/hellobus"
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("rabbitmq: transport is closed")
	// ErrNotConfirmed is returned when the broker nacks a published message.
	ErrNotConfirmed = errors.New("rabbitmq: publish not confirmed by broker")
)

type transport struct {
	cfg  Config
	conn *amqp.Connection

	// pubMu serializes the publishing channel; amqp channels are not goroutine safe
	// for publish plus confirm bookkeeping.
	pubMu sync.Mutex
	pubCh *amqp.Channel

	declared sync.Map // exchange name -> struct{}
	tagSeq   atomic.Uint64

	closed atomic.Bool

	metrics transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	publishErrors atomic.Uint64
}

// NewTransport dials the broker and opens a confirm-mode publishing channel.
func NewTransport(cfg Config) (hellobus.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: enable confirms: %w", err)
	}

	return &transport{cfg: cfg, conn: conn, pubCh: ch}, nil
}

func (t *transport) declareExchange(ch *amqp.Channel, topic string) error {
	return ch.ExchangeDeclare(topic, amqp.ExchangeFanout, t.cfg.Durable, false, false, false, nil)
}

// Publish sends envs to the topic exchange and waits for broker confirms.
func (t *transport) Publish(ctx context.Context, topic string, envs ...*hellobus.Envelope) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(envs) == 0 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ConfirmTimeout)
		defer cancel()
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if _, ok := t.declared.Load(topic); !ok {
		if err := t.declareExchange(t.pubCh, topic); err != nil {
			t.metrics.publishErrors.Add(uint64(len(envs)))
			return fmt.Errorf("rabbitmq: declare exchange %s: %w", topic, err)
		}
		t.declared.Store(topic, struct{}{})
	}

	confirms := make([]*amqp.DeferredConfirmation, 0, len(envs))
	for _, e := range envs {
		dc, err := t.pubCh.PublishWithDeferredConfirmWithContext(ctx, topic, "", false, false, toPublishing(e, t.cfg.Durable))
		if err != nil {
			t.metrics.publishErrors.Add(uint64(len(envs)))
			return fmt.Errorf("rabbitmq: publish %s: %w", topic, err)
		}
		confirms = append(confirms, dc)
	}

	for _, dc := range confirms {
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			t.metrics.publishErrors.Add(uint64(len(envs)))
			return fmt.Errorf("rabbitmq: wait confirm: %w", err)
		}
		if !ok {
			t.metrics.publishErrors.Add(uint64(len(envs)))
			return ErrNotConfirmed
		}
	}

	t.metrics.published.Add(uint64(len(envs)))
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe declares the topic exchange and the group queue, binds them and
// starts cfg.Concurrency workers over a dedicated channel.
func (t *transport) Subscribe(ctx context.Context, topic, group string, handler func(hellobus.Delivery)) (hellobus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	fail := func(step string, err error) (hellobus.Subscription, error) {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq: %s %s/%s: %w", step, topic, group, err)
	}

	if t.cfg.Prefetch > 0 {
		if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
			return fail("qos", err)
		}
	}
	if err := t.declareExchange(ch, topic); err != nil {
		return fail("declare exchange", err)
	}

	var args amqp.Table
	if t.cfg.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": t.cfg.DeadLetterExchange}
	}
	queue := QueueName(topic, group)
	if _, err := ch.QueueDeclare(queue, t.cfg.Durable, false, false, false, args); err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(queue, "", topic, false, nil); err != nil {
		return fail("bind queue", err)
	}

	tag := fmt.Sprintf("%s-%s-%d", t.cfg.ConsumerPrefix, group, t.tagSeq.Add(1))
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	// stop ends consumption when the caller's ctx is cancelled
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
		case <-stop:
		}
	}()

	var workers sync.WaitGroup
	for i := 0; i < t.cfg.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for raw := range deliveries {
				t.metrics.consumed.Add(1)
				handler(&delivery{
					raw:     raw,
					env:     fromDelivery(raw),
					requeue: t.cfg.Requeue,
					t:       t,
				})
			}
		}()
	}

	var once sync.Once
	return &subscription{
		close: func() error {
			var err error
			once.Do(func() {
				close(stop)
				// Cancel closes deliveries; in-flight handlers still ack on ch
				_ = ch.Cancel(tag, false)
				workers.Wait()
				if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
					err = cerr
				}
			})
			return err
		},
	}, nil
}

// Close closes the publishing channel and the connection. It is idempotent.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.pubMu.Lock()
	_ = t.pubCh.Close()
	t.pubMu.Unlock()

	if err := t.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
