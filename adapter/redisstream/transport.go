package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/trickstertwo/hellobus"
)

type transport struct {
	cfg    Config
	client *redis.Client
	log    zerolog.Logger

	closed atomic.Bool

	metrics transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	claimed       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// NewTransport validates cfg, connects and pings Redis.
func NewTransport(cfg Config) (hellobus.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:            cfg.Addr,
		Username:        cfg.Username,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		PoolSize:        10,
		MinIdleConns:    2,
		DisableIdentity: true,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.TLSServerName,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("transport", TransportName).Logger()
	}
	return &transport{cfg: cfg, client: client, log: log}, nil
}

// Publish XADDs every envelope in one pipeline.
func (t *transport) Publish(ctx context.Context, topic string, envs ...*hellobus.Envelope) error {
	if t.closed.Load() {
		return errors.New("redisstream: transport is closed")
	}
	if len(envs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, e := range envs {
		args := &redis.XAddArgs{
			Stream: topic,
			ID:     "*",
			Values: encodeValues(e),
		}
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(len(envs)))
		return err
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

// Subscribe reads topic as consumer group group. A poller feeds a pool of
// cfg.Concurrency workers; when claiming is enabled a second feeder hands
// stale pending entries back to the same pool.
func (t *transport) Subscribe(ctx context.Context, topic, group string, handler func(hellobus.Delivery)) (hellobus.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("redisstream: transport is closed")
	}

	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %s/%s: %w", topic, group, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	workCh := make(chan *delivery, t.cfg.Concurrency*2)

	var workers sync.WaitGroup
	for i := 0; i < t.cfg.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for d := range workCh {
				handler(d)
			}
		}()
	}

	var feeders sync.WaitGroup
	feeders.Add(1)
	go func() {
		defer feeders.Done()
		t.pollerLoop(innerCtx, topic, group, workCh)
	}()

	if t.cfg.ClaimMinIdle > 0 {
		feeders.Add(1)
		go func() {
			defer feeders.Done()
			t.claimLoop(innerCtx, topic, group, workCh)
		}()
	}

	// workCh closes once nothing can feed it anymore
	go func() {
		feeders.Wait()
		close(workCh)
	}()

	var once sync.Once
	return &subscription{
		close: func() error {
			once.Do(func() {
				cancel()
				feeders.Wait()
				workers.Wait()
			})
			return nil
		},
	}, nil
}

func (t *transport) pollerLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(t.cfg.BatchSize),
		Block:    t.cfg.Block,
	}

	const minBackoff = 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	backoff := minBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if errors.Is(err, redis.Nil) {
				// block timeout
				continue
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

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if !t.dispatch(ctx, topic, group, msg, workCh) {
					return
				}
			}
		}
	}
}

// claimLoop periodically takes over entries idle longer than ClaimMinIdle,
// which covers Nacks without a dead-letter stream and crashed consumers.
func (t *transport) claimLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   topic,
				Group:    group,
				MinIdle:  t.cfg.ClaimMinIdle,
				Start:    start,
				Count:    int64(t.cfg.ClaimBatch),
				Consumer: t.cfg.Consumer,
			}).Result()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
					t.metrics.consumeErrors.Add(1)
				}
				break
			}

			for _, msg := range msgs {
				t.metrics.claimed.Add(1)
				if !t.dispatch(ctx, topic, group, msg, workCh) {
					return
				}
			}
			if next == "" || next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

func (t *transport) dispatch(ctx context.Context, topic, group string, msg redis.XMessage, workCh chan<- *delivery) bool {
	d := &delivery{
		t:     t,
		topic: topic,
		group: group,
		id:    msg.ID,
		env:   decodeEnvelope(msg.ID, msg.Values),
	}
	t.metrics.consumed.Add(1)

	select {
	case workCh <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close closes the Redis client. It is idempotent.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
