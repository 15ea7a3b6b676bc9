// Package app assembles a Bus from configuration and runs the producer and
// consumers on it. It links every transport adapter so any of them can be
// selected by name.
package app

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/trickstertwo/hellobus"
	_ "github.com/trickstertwo/hellobus/adapter/kafka"
	_ "github.com/trickstertwo/hellobus/adapter/memory"
	_ "github.com/trickstertwo/hellobus/adapter/rabbitmq"
	_ "github.com/trickstertwo/hellobus/adapter/redisstream"
	"github.com/trickstertwo/hellobus/config"
	"github.com/trickstertwo/hellobus/consumer"
	"github.com/trickstertwo/hellobus/logging"
	"github.com/trickstertwo/hellobus/producer"
)

// NewBus builds the bus described by cfg. Middlewares are added outermost
// first: retry, then handler timeout, then debug logging.
func NewBus(cfg *config.Config, logger zerolog.Logger) (*hellobus.Bus, error) {
	busLog := logging.Component(logger, "bus")

	var mws []hellobus.Middleware
	if cfg.Bus.Retry.MaxAttempts > 1 {
		mws = append(mws, hellobus.RetryMiddleware(hellobus.RetryConfig{
			MaxAttempts: cfg.Bus.Retry.MaxAttempts,
			Backoff:     hellobus.ExponentialBackoff(cfg.Bus.Retry.Backoff),
		}))
	}
	if cfg.Bus.HandlerTimeout > 0 {
		mws = append(mws, hellobus.TimeoutMiddleware(cfg.Bus.HandlerTimeout))
	}
	if busLog.GetLevel() <= zerolog.DebugLevel {
		mws = append(mws, hellobus.LoggingMiddleware(busLog))
	}

	bb := hellobus.NewBusBuilder().
		WithTransport(cfg.Transport.Name, cfg.Transport.Options).
		WithLogger(busLog).
		WithAckTimeout(cfg.Bus.AckTimeout).
		WithMiddleware(mws...)
	if cfg.Bus.Observer.Workers > 0 {
		bb.WithObserverPool(cfg.Bus.Observer.Workers, cfg.Bus.Observer.Buffer)
	}

	bus, err := bb.Build()
	if err != nil {
		return nil, errors.Wrapf(err, "build bus on transport %q", cfg.Transport.Name)
	}
	return bus, nil
}

// RunProducer publishes on cfg.Topic until ctx ends.
func RunProducer(ctx context.Context, bus producer.Publisher, cfg *config.Config, logger zerolog.Logger) error {
	w := producer.New(bus,
		producer.WithTopic(cfg.Topic),
		producer.WithInterval(cfg.Producer.Interval),
		producer.WithLogger(logging.Component(logger, "producer")),
		producer.WithMetadata(map[string]string{"source": "producer"}),
	)
	return w.Run(ctx)
}

// StartConsumers subscribes one MessageConsumer per name. On failure the
// subscriptions made so far are closed.
func StartConsumers(ctx context.Context, bus hellobus.Subscriber, topic string, names []string, logger zerolog.Logger) ([]hellobus.Subscription, error) {
	subs := make([]hellobus.Subscription, 0, len(names))
	for _, name := range names {
		sub, err := consumer.New(name, logger).Subscribe(ctx, bus, topic)
		if err != nil {
			closeAll(subs, logger)
			return nil, errors.Wrapf(err, "subscribe consumer %q", name)
		}
		logger.Info().Str("consumer", name).Str("topic", topic).Msg("consumer subscribed")
		subs = append(subs, sub)
	}
	return subs, nil
}

// RunConsumers keeps the named consumers subscribed until ctx ends.
func RunConsumers(ctx context.Context, bus hellobus.Subscriber, cfg *config.Config, names []string, logger zerolog.Logger) error {
	subs, err := StartConsumers(ctx, bus, cfg.Topic, names, logger)
	if err != nil {
		return err
	}
	defer closeAll(subs, logger)

	<-ctx.Done()
	return nil
}

// RunDemo subscribes the configured consumers, then runs the producer in the
// same process until ctx ends.
func RunDemo(ctx context.Context, bus *hellobus.Bus, cfg *config.Config, logger zerolog.Logger) error {
	subs, err := StartConsumers(ctx, bus, cfg.Topic, cfg.Consumer.Names, logger)
	if err != nil {
		return err
	}
	defer closeAll(subs, logger)

	return RunProducer(ctx, bus, cfg, logger)
}

// Shutdown closes bus within timeout and logs its final counters.
func Shutdown(bus *hellobus.Bus, timeout time.Duration, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := bus.Close(ctx)
	m := bus.GetMetrics()
	logger.Info().
		Uint64("published", m.Published).
		Uint64("consumed", m.Consumed).
		Uint64("acked", m.Acked).
		Uint64("nacked", m.Nacked).
		Uint64("errors", m.Errors).
		Msg("bus closed")
	if err != nil {
		return errors.Wrap(err, "close bus")
	}
	return nil
}

func closeAll(subs []hellobus.Subscription, logger zerolog.Logger) {
	for _, s := range subs {
		if err := s.Close(); err != nil {
			logger.Warn().Err(err).Msg("subscription close failed")
		}
	}
}
