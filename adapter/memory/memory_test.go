package memory

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/hellobus"
	"github.com/trickstertwo/hellobus/contracts"
)

func envelope(id string) *hellobus.Envelope {
	return &hellobus.Envelope{ID: id, Name: contracts.MessageName, Payload: []byte(`{"text":"hi"}`), ProducedAt: time.Now()}
}

func TestPublish_WithoutSubscribersDrops(t *testing.T) {
	tr := NewTransport(Config{})
	defer tr.Close(context.Background())

	require.NoError(t, tr.Publish(context.Background(), "nobody", envelope("1")))
	assert.Equal(t, uint64(1), tr.Stats().Published)
	assert.Equal(t, uint64(0), tr.Stats().Consumed)
}

func TestSubscribe_FanOutToGroups(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 8})
	defer tr.Close(context.Background())
	ctx := context.Background()

	var mu sync.Mutex
	got := map[string][]string{}
	for _, g := range []string{"consumer", "another-consumer"} {
		g := g
		sub, err := tr.Subscribe(ctx, "t", g, func(d hellobus.Delivery) {
			mu.Lock()
			got[g] = append(got[g], d.Envelope().ID)
			mu.Unlock()
			_ = d.Ack(ctx)
		})
		require.NoError(t, err)
		defer sub.Close()
	}

	require.NoError(t, tr.Publish(ctx, "t", envelope("1"), envelope("2")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["consumer"]) == 2 && len(got["another-consumer"]) == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint64(4), tr.Stats().Acked)
}

func TestSubscribe_SameGroupCompetes(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 64})
	defer tr.Close(context.Background())
	ctx := context.Background()

	var handled atomic.Int64
	for i := 0; i < 2; i++ {
		sub, err := tr.Subscribe(ctx, "t", "workers", func(d hellobus.Delivery) {
			handled.Add(1)
			_ = d.Ack(ctx)
		})
		require.NoError(t, err)
		defer sub.Close()
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Publish(ctx, "t", envelope("x")))
	}

	require.Eventually(t, func() bool { return handled.Load() == 10 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(10), handled.Load())
}

func TestSubscriptionClose_DropsGroupQueue(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 2})
	defer tr.Close(context.Background())
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, "t", "gone", func(d hellobus.Delivery) { _ = d.Ack(ctx) })
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	for i := 0; i < 5; i++ {
		pctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err := tr.Publish(pctx, "t", envelope("x"))
		cancel()
		require.NoError(t, err, "publish %d", i)
	}
}

func TestSubscriptionClose_LiveGroupKeepsReceiving(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 2})
	defer tr.Close(context.Background())
	ctx := context.Background()

	closed, err := tr.Subscribe(ctx, "t", "another-consumer", func(d hellobus.Delivery) { _ = d.Ack(ctx) })
	require.NoError(t, err)
	require.NoError(t, closed.Close())

	var handled atomic.Int64
	live, err := tr.Subscribe(ctx, "t", "consumer", func(d hellobus.Delivery) {
		handled.Add(1)
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer live.Close()

	for i := 0; i < 10; i++ {
		pctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		err := tr.Publish(pctx, "t", envelope("x"))
		cancel()
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return handled.Load() == 10 }, 2*time.Second, time.Millisecond)
}

func TestSubscriptionClose_GroupSurvivesWhileShared(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 4})
	defer tr.Close(context.Background())
	ctx := context.Background()

	var handled atomic.Int64
	handler := func(d hellobus.Delivery) {
		handled.Add(1)
		_ = d.Ack(ctx)
	}
	first, err := tr.Subscribe(ctx, "t", "workers", handler)
	require.NoError(t, err)
	second, err := tr.Subscribe(ctx, "t", "workers", handler)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Close())
	require.NoError(t, tr.Publish(ctx, "t", envelope("1"), envelope("2")))
	require.Eventually(t, func() bool { return handled.Load() == 2 }, 2*time.Second, time.Millisecond)
}

func TestNack_Redelivers(t *testing.T) {
	tr := NewTransport(Config{RedeliveryDelay: 5 * time.Millisecond})
	defer tr.Close(context.Background())
	ctx := context.Background()

	var attempts atomic.Int64
	sub, err := tr.Subscribe(ctx, "t", "g", func(d hellobus.Delivery) {
		if attempts.Add(1) == 1 {
			_ = d.Nack(ctx, errors.New("first try fails"))
			return
		}
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "t", envelope("1")))

	require.Eventually(t, func() bool { return tr.Stats().Acked == 1 }, 2*time.Second, time.Millisecond)
	s := tr.Stats()
	assert.Equal(t, uint64(1), s.Nacked)
	assert.Equal(t, uint64(1), s.Redelivered)
	assert.Equal(t, int64(2), attempts.Load())
}

func TestClose_Idempotent(t *testing.T) {
	tr := NewTransport(Config{})
	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))

	assert.ErrorIs(t, tr.Publish(context.Background(), "t", envelope("1")), ErrClosed)
	_, err := tr.Subscribe(context.Background(), "t", "g", func(hellobus.Delivery) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfigFromMap(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"buffer_size":      "256",
		"concurrency":      0,
		"redelivery_delay": "250ms",
	})
	assert.Equal(t, 256, c.BufferSize)
	assert.Equal(t, 1, c.Concurrency)
	assert.Equal(t, 250*time.Millisecond, c.RedeliveryDelay)
}

func TestUse_InstallsDefault(t *testing.T) {
	bus := Use(Config{})
	defer bus.Close(context.Background())

	def, err := hellobus.Default()
	require.NoError(t, err)
	assert.Same(t, bus, def)
}

// BenchmarkBus_ThroughputLatency measures end-to-end throughput and latency
// through a Bus on the in-memory transport.
func BenchmarkBus_ThroughputLatency(b *testing.B) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	workers := max(1, runtime.GOMAXPROCS(0)*2)
	bus, err := hellobus.NewBusBuilder().
		WithTransport(TransportName, map[string]any{
			"buffer_size":      1 << 15,
			"concurrency":      workers,
			"redelivery_delay": "0s",
		}).
		Build()
	if err != nil {
		b.Fatalf("build bus: %v", err)
	}
	defer func() { _ = bus.Close(context.Background()) }()

	var (
		received atomic.Int64
		sumLatNs atomic.Int64
		maxLatNs atomic.Int64
		target   atomic.Int64
		once     sync.Once
		done     = make(chan struct{})
	)
	target.Store(-1)

	sub, err := bus.Subscribe(ctx, contracts.DefaultTopic, "bench", func(ctx context.Context, env *hellobus.Envelope) error {
		lat := time.Since(env.ProducedAt).Nanoseconds()
		sumLatNs.Add(lat)
		for {
			old := maxLatNs.Load()
			if lat <= old || maxLatNs.CompareAndSwap(old, lat) {
				break
			}
		}
		if received.Add(1) == target.Load() {
			once.Do(func() { close(done) })
		}
		return nil
	})
	if err != nil {
		b.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Close() }()

	const warmup = 100
	target.Store(int64(warmup + b.N))
	for i := 0; i < warmup; i++ {
		_ = bus.Publish(ctx, contracts.DefaultTopic, contracts.MessageName, contracts.Message{Text: "warmup"}, nil)
	}

	b.ResetTimer()
	start := time.Now()
	for i := 0; i < b.N; i++ {
		if err := bus.Publish(ctx, contracts.DefaultTopic, contracts.MessageName, contracts.Message{Text: "payload"}, nil); err != nil {
			b.Fatalf("publish failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		b.Fatalf("timeout waiting for consumption: got %d/%d", received.Load(), target.Load())
	}
	total := time.Since(start)
	b.StopTimer()

	rcvd := received.Load()
	b.ReportMetric(float64(b.N)/total.Seconds(), "msgs/s")
	b.ReportMetric(float64(sumLatNs.Load())/float64(rcvd), "avg-lat-ns")
	b.ReportMetric(float64(maxLatNs.Load()), "max-lat-ns")
}
