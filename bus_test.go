package hellobus

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport delivers synchronously to every group subscribed to a topic.
type fakeTransport struct {
	mu         sync.Mutex
	subs       map[string]map[string]func(Delivery)
	published  []*Envelope
	publishErr error
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: map[string]map[string]func(Delivery){}}
}

func (f *fakeTransport) Publish(_ context.Context, topic string, envs ...*Envelope) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	f.published = append(f.published, envs...)
	handlers := make([]func(Delivery), 0, len(f.subs[topic]))
	for _, h := range f.subs[topic] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, e := range envs {
		for _, h := range handlers {
			cp := *e
			h(&fakeDelivery{env: &cp})
		}
	}
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, topic, group string, handler func(Delivery)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[topic] == nil {
		f.subs[topic] = map[string]func(Delivery){}
	}
	f.subs[topic][group] = handler
	return fakeSubscription{}, nil
}

func (f *fakeTransport) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// deliverRaw hands env straight to a group's handler and returns the delivery.
func (f *fakeTransport) deliverRaw(topic, group string, env *Envelope) *fakeDelivery {
	f.mu.Lock()
	h := f.subs[topic][group]
	f.mu.Unlock()
	d := &fakeDelivery{env: env}
	h(d)
	return d
}

type fakeSubscription struct{}

func (fakeSubscription) Close() error { return nil }

type fakeDelivery struct {
	env    *Envelope
	acked  bool
	nacked bool
	reason error
}

func (d *fakeDelivery) Envelope() *Envelope { return d.env }
func (d *fakeDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}
func (d *fakeDelivery) Nack(_ context.Context, reason error) error {
	d.nacked = true
	d.reason = reason
	return nil
}

// recordingObserver keeps every event it sees.
type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) OnEvent(e Event) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) types() []EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]EventType, len(o.events))
	for i, e := range o.events {
		out[i] = e.Type
	}
	return out
}

func newTestBus(t *testing.T, tr Transport, init func(*BusBuilder)) *Bus {
	t.Helper()
	bb := NewBusBuilder().WithTransportInstance(tr)
	if init != nil {
		init(bb)
	}
	b, err := bb.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestBus_PublishAssignsIDAndEncodes(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr, nil)

	require.NoError(t, b.Publish(context.Background(), "topic", "Greeting", greeting{Text: "hi"}, map[string]string{"k": "v"}))

	require.Len(t, tr.published, 1)
	env := tr.published[0]
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "Greeting", env.Name)
	assert.JSONEq(t, `{"text":"hi"}`, string(env.Payload))
	assert.Equal(t, "v", env.Metadata["k"])
	assert.False(t, env.ProducedAt.IsZero())
	assert.Equal(t, uint64(1), b.GetMetrics().Published)
}

func TestBus_PublishValidation(t *testing.T) {
	b := newTestBus(t, newFakeTransport(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, b.Publish(ctx, "", "E", 1, nil), ErrInvalidTopic)
	assert.ErrorIs(t, b.Publish(ctx, "t", "", 1, nil), ErrInvalidEventName)
	assert.ErrorIs(t, b.PublishBatch(ctx, "t", PublishEvent{Name: "E"}), ErrInvalidPayload)
	assert.ErrorIs(t, b.PublishBatch(ctx, "t", PublishEvent{Payload: 1}), ErrInvalidEventName)
	assert.NoError(t, b.PublishBatch(ctx, "t"))

	_, err := b.Subscribe(ctx, "t", "", func(context.Context, *Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = b.Subscribe(ctx, "t", "g", nil)
	assert.ErrorIs(t, err, ErrInvalidSubscription)
}

func TestBus_PublishTransportError(t *testing.T) {
	tr := newFakeTransport()
	tr.publishErr = errors.New("down")
	b := newTestBus(t, tr, nil)

	assert.EqualError(t, b.Publish(context.Background(), "t", "E", 1, nil), "down")
	assert.Equal(t, uint64(1), b.GetMetrics().Errors)
}

func TestBus_PublishBatch(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr, nil)

	err := b.PublishBatch(context.Background(), "t",
		PublishEvent{Name: "A", Payload: greeting{Text: "a"}},
		PublishEvent{Name: "B", Payload: greeting{Text: "b"}},
	)
	require.NoError(t, err)
	require.Len(t, tr.published, 2)
	assert.NotEqual(t, tr.published[0].ID, tr.published[1].ID)
	assert.Equal(t, uint64(2), b.GetMetrics().Published)
}

func TestBus_SubscribeAcksOnSuccessAndDecodes(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr, nil)
	ctx := context.Background()

	var got greeting
	_, err := b.Subscribe(ctx, "t", "g", func(ctx context.Context, env *Envelope) error {
		var err error
		got, err = Decode[greeting](ctx, env)
		return err
	})
	require.NoError(t, err)

	d := tr.deliverRaw("t", "g", &Envelope{ID: "1", Name: "Greeting", Payload: []byte(`{"text":"hello"}`)})

	assert.True(t, d.acked)
	assert.False(t, d.nacked)
	assert.Equal(t, "hello", got.Text)
	m := b.GetMetrics()
	assert.Equal(t, uint64(1), m.Consumed)
	assert.Equal(t, uint64(1), m.Acked)
}

func TestBus_SubscribeNacksOnError(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr, nil)

	boom := errors.New("boom")
	_, err := b.Subscribe(context.Background(), "t", "g", func(context.Context, *Envelope) error { return boom })
	require.NoError(t, err)

	d := tr.deliverRaw("t", "g", &Envelope{ID: "1", Name: "E"})
	assert.True(t, d.nacked)
	assert.ErrorIs(t, d.reason, boom)
	assert.Equal(t, uint64(1), b.GetMetrics().Nacked)
}

func TestBus_SubscribeRecoversPanic(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr, nil)

	_, err := b.Subscribe(context.Background(), "t", "g", func(context.Context, *Envelope) error { panic("kaboom") })
	require.NoError(t, err)

	d := tr.deliverRaw("t", "g", &Envelope{ID: "1", Name: "E"})
	assert.True(t, d.nacked)
	assert.ErrorIs(t, d.reason, ErrHandlerPanic)
}

func TestBus_FanOutToGroups(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr, nil)
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string]int{}
	for _, g := range []string{"consumer", "another-consumer"} {
		g := g
		_, err := b.Subscribe(ctx, "t", g, func(context.Context, *Envelope) error {
			mu.Lock()
			seen[g]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(ctx, "t", "E", greeting{Text: "x"}, nil))
	assert.Equal(t, map[string]int{"consumer": 1, "another-consumer": 1}, seen)
}

func TestBus_ObserverLifecycle(t *testing.T) {
	tr := newFakeTransport()
	obs := &recordingObserver{}
	b := newTestBus(t, tr, func(bb *BusBuilder) { bb.WithObserver(obs) })

	_, err := b.Subscribe(context.Background(), "t", "g", func(context.Context, *Envelope) error { return nil })
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "t", "E", 1, nil))

	assert.Equal(t, []EventType{PublishStart, ConsumeStart, ConsumeDone, Ack, PublishDone}, obs.types())

	b.RemoveObserver(obs)
	require.NoError(t, b.Publish(context.Background(), "t", "E", 1, nil))
	assert.Len(t, obs.types(), 5)
}

func TestBus_ObserverPoolDeliversAsync(t *testing.T) {
	tr := newFakeTransport()
	obs := &recordingObserver{}
	b := newTestBus(t, tr, func(bb *BusBuilder) {
		bb.WithObserver(obs).WithObserverPool(2, 16)
	})

	require.NoError(t, b.Publish(context.Background(), "t", "E", 1, nil))
	require.Eventually(t, func() bool { return len(obs.types()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []EventType{PublishStart, PublishDone}, obs.types())
}

func TestBus_CloseIsIdempotentAndRejectsWork(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr, nil)
	ctx := context.Background()

	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))
	assert.True(t, tr.closed)

	assert.ErrorIs(t, b.Publish(ctx, "t", "E", 1, nil), ErrBusClosed)
	assert.ErrorIs(t, b.PublishBatch(ctx, "t", PublishEvent{Name: "E", Payload: 1}), ErrBusClosed)
	_, err := b.Subscribe(ctx, "t", "g", func(context.Context, *Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.Equal(t, StatusUnhealthy, b.Health(ctx).Status)
}

func TestBus_HealthDegradesOnErrors(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr, nil)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "t", "E", 1, nil))
	assert.Equal(t, StatusHealthy, b.Health(ctx).Status)

	tr.publishErr = errors.New("down")
	_ = b.Publish(ctx, "t", "E", 1, nil)
	assert.Equal(t, StatusDegraded, b.Health(ctx).Status)
}

func TestBuilder_RequiresTransport(t *testing.T) {
	_, err := NewBusBuilder().Build()
	assert.ErrorIs(t, err, ErrNoTransportConfigured)

	_, err = NewBusBuilder().WithTransport("no-such-transport", nil).Build()
	var unknown ErrUnknownTransport
	assert.ErrorAs(t, err, &unknown)
}

func TestBuilder_UnknownCodecClosesBuiltTransport(t *testing.T) {
	tr := newFakeTransport()
	name := "codec-failure-" + t.Name()
	require.NoError(t, RegisterTransport(name, func(map[string]any) (Transport, error) { return tr, nil }))

	_, err := NewBusBuilder().WithTransport(name, nil).WithCodec("no-such-codec").Build()
	require.Error(t, err)
	assert.True(t, tr.closed)

	supplied := newFakeTransport()
	_, err = NewBusBuilder().WithTransportInstance(supplied).WithCodec("no-such-codec").Build()
	require.Error(t, err)
	assert.False(t, supplied.closed)
}

func TestBuilder_PassesLoggerToTransport(t *testing.T) {
	var got map[string]any
	name := "logger-capture-" + t.Name()
	require.NoError(t, RegisterTransport(name, func(cfg map[string]any) (Transport, error) {
		got = cfg
		return newFakeTransport(), nil
	}))

	var buf bytes.Buffer
	opts := map[string]any{"buffer_size": 4}
	b, err := NewBusBuilder().WithTransport(name, opts).WithLogger(zerolog.New(&buf)).Build()
	require.NoError(t, err)
	defer b.Close(context.Background())

	assert.Equal(t, 4, got["buffer_size"])
	l := LoggerOf(got)
	l.Info().Msg("from transport")
	assert.Contains(t, buf.String(), "from transport")
	assert.NotContains(t, opts, LoggerOption)

	assert.Equal(t, zerolog.Disabled, LoggerOf(nil).GetLevel())
}

func TestBuilder_LoggerAddsLoggingObserver(t *testing.T) {
	b := newTestBus(t, newFakeTransport(), func(bb *BusBuilder) { bb.WithLogger(zerolog.Nop()) })

	require.Len(t, b.observers, 1)
	assert.IsType(t, &LoggingObserver{}, b.observers[0])
}

func TestFacade_DefaultBus(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr, nil)
	SetDefault(b)

	def, err := Default()
	require.NoError(t, err)
	assert.Same(t, b, def)

	require.NoError(t, Publish(context.Background(), "t", "E", 1, nil))
	assert.Len(t, tr.published, 1)
}
