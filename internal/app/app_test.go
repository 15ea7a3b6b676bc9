package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/hellobus"
	"github.com/trickstertwo/hellobus/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// parseReceived returns the Text of every "Received Text" entry, per consumer.
func (b *syncBuffer) parseReceived() (map[string][]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := map[string][]string{}
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var e map[string]any
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, err
		}
		msg, _ := e["message"].(string)
		if !strings.HasPrefix(msg, "Received Text: ") {
			continue
		}
		name, _ := e["consumer"].(string)
		text, _ := e["Text"].(string)
		out[name] = append(out[name], text)
	}
	return out, sc.Err()
}

func (b *syncBuffer) received(t *testing.T) map[string][]string {
	t.Helper()
	out, err := b.parseReceived()
	require.NoError(t, err)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Topic:     "common.message",
		Transport: config.TransportConfig{Name: "memory", Options: map[string]any{"buffer_size": 64}},
		Producer:  config.ProducerConfig{Interval: 10 * time.Millisecond},
		Consumer:  config.ConsumerConfig{Names: []string{"consumer", "another-consumer"}},
		Bus: config.BusConfig{
			AckTimeout: time.Second,
			Retry:      config.RetryConfig{MaxAttempts: 2, Backoff: time.Millisecond},
			Observer:   config.ObserverConfig{Workers: 1, Buffer: 64},
		},
		Log: config.LogConfig{Level: "info"},
	}
}

func TestNewBus_UnknownTransport(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Name = "carrier-pigeon"

	_, err := NewBus(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestNewBus_AllAdaptersRegistered(t *testing.T) {
	assert.Subset(t, hellobus.Transports(), []string{"kafka", "memory", "rabbitmq", "redis-streams"})
}

func TestRunDemo_BothConsumersLogEveryMessage(t *testing.T) {
	cfg := testConfig()
	out := &syncBuffer{}
	logger := zerolog.New(out).Level(zerolog.InfoLevel)

	bus, err := NewBus(cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunDemo(ctx, bus, cfg, logger) }()

	require.Eventually(t, func() bool {
		got, err := out.parseReceived()
		return err == nil && len(got["consumer"]) >= 3 && len(got["another-consumer"]) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, Shutdown(bus, time.Second, logger))

	got := out.received(t)
	assert.True(t, strings.HasSuffix(got["consumer"][0], ", message Id is 1"), got["consumer"][0])
	assert.Contains(t, got["another-consumer"], got["consumer"][0])
	assert.Contains(t, got["consumer"], got["another-consumer"][1])
}

func TestRunConsumers_ReturnsOnCancel(t *testing.T) {
	cfg := testConfig()
	bus, err := NewBus(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer Shutdown(bus, time.Second, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, RunConsumers(ctx, bus, cfg, []string{"consumer"}, zerolog.Nop()))
}

func TestStartConsumers_ClosedBus(t *testing.T) {
	cfg := testConfig()
	bus, err := NewBus(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, Shutdown(bus, time.Second, zerolog.Nop()))

	_, err = StartConsumers(context.Background(), bus, cfg.Topic, cfg.Consumer.Names, zerolog.Nop())
	assert.ErrorIs(t, err, hellobus.ErrBusClosed)
}
