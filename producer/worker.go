// Package producer runs the loop that publishes a timestamped Message every interval.
package producer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/hellobus"
	"github.com/trickstertwo/hellobus/contracts"
)

// timeLayout is RFC3339 with a numeric offset, so UTC renders as +00:00.
const timeLayout = "2006-01-02T15:04:05-07:00"

// DefaultInterval is the pause between publishes when WithInterval is not given.
const DefaultInterval = time.Second

// Publisher is the part of the bus the producer needs.
type Publisher interface {
	Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) error
}

// Clock supplies the timestamp embedded in each message. xclock.Clock satisfies it.
type Clock interface {
	Now() time.Time
}

// Worker publishes contracts.Message on a fixed interval until its context ends.
type Worker struct {
	pub      Publisher
	topic    string
	interval time.Duration
	clock    Clock
	log      zerolog.Logger
	meta     map[string]string

	seq       uint64
	published atomic.Uint64
}

// Option configures a Worker.
type Option func(*Worker)

// WithTopic sets the topic messages go to. Default contracts.DefaultTopic.
func WithTopic(topic string) Option {
	return func(w *Worker) {
		if topic != "" {
			w.topic = topic
		}
	}
}

// WithInterval sets the pause between publishes. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithClock sets the time source for message timestamps. Default xclock.Default().
func WithClock(c Clock) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithLogger sets the logger for lifecycle and debug entries. Default is a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithMetadata adds static headers to every publish.
func WithMetadata(meta map[string]string) Option {
	return func(w *Worker) {
		if len(meta) == 0 {
			return
		}
		if w.meta == nil {
			w.meta = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			w.meta[k] = v
		}
	}
}

// New returns a Worker publishing through pub.
func New(pub Publisher, opts ...Option) *Worker {
	w := &Worker{
		pub:      pub,
		topic:    contracts.DefaultTopic,
		interval: DefaultInterval,
		clock:    xclock.Default(),
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		if o != nil {
			o(w)
		}
	}
	return w
}

// Run publishes until ctx is cancelled, then returns nil. A publish failure
// stops the loop and is returned; failures caused by cancellation are not.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Str("topic", w.topic).Dur("interval", w.interval).Msg("producer started")
	defer func() {
		w.log.Info().Uint64("published", w.published.Load()).Msg("producer stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w.seq++
		msg := contracts.Message{Text: Text(w.clock.Now(), w.seq)}
		if err := hellobus.Send(ctx, w.pub, w.topic, msg, w.meta); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("producer: publish message %d: %w", w.seq, err)
		}
		w.published.Add(1)
		w.log.Debug().Uint64("id", w.seq).Str("Text", msg.Text).Msg("published")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.interval):
		}
	}
}

// Count reports how many messages were published successfully.
func (w *Worker) Count() uint64 { return w.published.Load() }

// Text renders the message body for timestamp ts and message number n.
func Text(ts time.Time, n uint64) string {
	return fmt.Sprintf("The time is %s, message Id is %d", ts.Format(timeLayout), n)
}
