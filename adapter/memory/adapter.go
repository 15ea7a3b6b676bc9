package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cast"

	"github.com/trickstertwo/hellobus"
)

const TransportName = "memory"

var ErrClosed = errors.New("memory transport is closed")

func init() {
	if err := hellobus.RegisterTransport(TransportName, func(cfg map[string]any) (hellobus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("hellobus/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
}

// ConfigFromMap reads buffer_size, concurrency and redelivery_delay from cfg.
// Durations may be time.Duration values or strings such as "500ms".
func ConfigFromMap(cfg map[string]any) Config {
	c := Config{BufferSize: 1024, Concurrency: 1}
	if v, ok := cfg["buffer_size"]; ok {
		c.BufferSize = cast.ToInt(v)
	}
	if v, ok := cfg["concurrency"]; ok {
		c.Concurrency = cast.ToInt(v)
	}
	if v, ok := cfg["redelivery_delay"]; ok {
		c.RedeliveryDelay = cast.ToDuration(v)
	}
	c.BufferSize = max(1, c.BufferSize)
	c.Concurrency = max(1, c.Concurrency)
	return c
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
	}
}

// Transport implements hellobus.Transport with in-process channels.
// Nothing survives the process; use it for development, tests and the demo.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic

	closed atomic.Bool
	done   chan struct{}

	metrics transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
}

var _ hellobus.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Transport{
		cfg:    cfg,
		topics: make(map[string]*topic),
		done:   make(chan struct{}),
	}
}

// Publish copies each envelope into the queue of every group subscribed to topic.
// With no subscribers the envelopes are dropped.
func (t *Transport) Publish(ctx context.Context, topic string, envs ...*hellobus.Envelope) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.RLock()
	top, ok := t.topics[topic]
	t.mu.RUnlock()

	for _, e := range envs {
		if e == nil {
			continue
		}
		if ok {
			if err := top.fanOut(ctx, t, topic, e); err != nil {
				return err
			}
		}
		t.metrics.published.Add(1)
	}
	return nil
}

// Subscribe starts cfg.Concurrency workers reading the group's queue.
// Subscriptions sharing a group compete for envelopes.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(hellobus.Delivery)) (hellobus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	tp := t.ensureTopic(topic)
	g := tp.join(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	var once sync.Once
	return &subscription{
		close: func() error {
			once.Do(func() {
				cancel()
				wg.Wait()
				tp.leave(g)
			})
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(hellobus.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case task := <-g.queue:
			t.metrics.consumed.Add(1)
			handler(&delivery{task: task, tr: t})
		}
	}
}

// Close stops all workers and forgets every topic. It is idempotent.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// Stats reports transport counters.
type Stats struct {
	Published   uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
	}
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

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

// group is a named queue shared by every subscription joined under it.
// gone is closed when the last subscription leaves.
type group struct {
	name  string
	queue chan *task
	subs  int
	gone  chan struct{}
}

type task struct {
	topic string
	group *group
	env   *hellobus.Envelope
}

// fanOut blocks on a full group queue until space frees up, the group is
// dropped or ctx ends.
func (tp *topic) fanOut(ctx context.Context, t *Transport, name string, e *hellobus.Envelope) error {
	tp.mu.RLock()
	groups := make([]*group, 0, len(tp.groups))
	for _, g := range tp.groups {
		groups = append(groups, g)
	}
	tp.mu.RUnlock()

	for _, g := range groups {
		// each group gets its own copy so handlers never share an envelope
		cp := *e
		select {
		case g.queue <- &task{topic: name, group: g, env: &cp}:
		case <-g.gone:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		}
	}
	return nil
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

// join returns the named group, creating it on first use, and counts one
// more subscription on it.
func (tp *topic) join(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	g, ok := tp.groups[name]
	if !ok {
		g = &group{name: name, queue: make(chan *task, bufferSize), gone: make(chan struct{})}
		tp.groups[name] = g
	}
	g.subs++
	return g
}

// leave drops one subscription from g. The last one out removes the group,
// discarding whatever is still queued for it.
func (tp *topic) leave(g *group) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	g.subs--
	if g.subs > 0 {
		return
	}
	if tp.groups[g.name] == g {
		delete(tp.groups, g.name)
	}
	close(g.gone)
}

type delivery struct {
	task *task
	tr   *Transport
	once sync.Once
}

func (d *delivery) Envelope() *hellobus.Envelope { return d.task.env }

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() { d.tr.metrics.acked.Add(1) })
	return nil
}

// Nack puts the envelope back on its group queue after RedeliveryDelay.
// The requeue runs in the background so a full queue never blocks the worker.
func (d *delivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() {
		d.tr.metrics.nacked.Add(1)
		go d.tr.requeue(d.task)
	})
	return nil
}

func (t *Transport) requeue(tk *task) {
	if delay := t.cfg.RedeliveryDelay; delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-tk.group.gone:
			return
		case <-t.done:
			return
		}
	}
	select {
	case tk.group.queue <- tk:
		t.metrics.redelivered.Add(1)
	case <-tk.group.gone:
	case <-t.done:
	}
}
