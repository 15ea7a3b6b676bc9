package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/trickstertwo/hellobus"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("kafka: transport is closed")

type transport struct {
	cfg    Config
	writer *kafka.Writer
	log    zerolog.Logger

	mu      sync.Mutex
	readers map[*kafka.Reader]struct{}

	closed atomic.Bool

	metrics transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// NewTransport builds the shared writer. Readers are created per subscription.
func NewTransport(cfg Config) (hellobus.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           cfg.requiredAcks(),
		AllowAutoTopicCreation: cfg.AutoCreateTopics,
		BatchTimeout:           cfg.BatchTimeout,
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("transport", TransportName).Logger()
	}
	return &transport{cfg: cfg, writer: w, log: log, readers: map[*kafka.Reader]struct{}{}}, nil
}

// Publish writes envs to topic in one synchronous batch.
func (t *transport) Publish(ctx context.Context, topic string, envs ...*hellobus.Envelope) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(envs) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, len(envs))
	for i, e := range envs {
		msgs[i] = toMessage(topic, e)
	}
	if err := t.writer.WriteMessages(ctx, msgs...); err != nil {
		t.metrics.publishErrors.Add(uint64(len(envs)))
		return fmt.Errorf("kafka: write %s: %w", topic, err)
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

// Subscribe joins consumer group group on topic and runs cfg.Concurrency
// fetch workers. Each worker hands records to handler one at a time.
func (t *transport) Subscribe(ctx context.Context, topic, group string, handler func(hellobus.Delivery)) (hellobus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:               t.cfg.Brokers,
		GroupID:               group,
		Topic:                 topic,
		MaxBytes:              t.cfg.MaxBytes,
		MaxWait:               t.cfg.MaxWait,
		StartOffset:           t.cfg.startOffset(),
		WatchPartitionChanges: true,
	})
	t.mu.Lock()
	t.readers[r] = struct{}{}
	t.mu.Unlock()

	innerCtx, cancel := context.WithCancel(ctx)

	var workers sync.WaitGroup
	for i := 0; i < t.cfg.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			t.fetchLoop(innerCtx, r, handler)
		}()
	}

	var once sync.Once
	return &subscription{
		close: func() error {
			var err error
			once.Do(func() {
				cancel()
				workers.Wait()
				if t.forget(r) {
					err = r.Close()
				}
			})
			return err
		},
	}, nil
}

func (t *transport) fetchLoop(ctx context.Context, r *kafka.Reader, handler func(hellobus.Delivery)) {
	const minBackoff = 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	backoff := minBackoff

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = minBackoff

		t.metrics.consumed.Add(1)
		handler(&delivery{
			raw:        m,
			env:        fromMessage(m),
			reader:     r,
			writer:     t.writer,
			deadLetter: t.cfg.DeadLetter,
			metrics:    &t.metrics,
			log:        t.log,
		})
	}
}

// forget drops r from the open set and reports whether the caller owns closing it.
func (t *transport) forget(r *kafka.Reader) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.readers[r]; !ok {
		return false
	}
	delete(t.readers, r)
	return true
}

// Close closes every open reader and the writer. It is idempotent.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	readers := t.readers
	t.readers = map[*kafka.Reader]struct{}{}
	t.mu.Unlock()

	var errs []error
	for r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
