// Package consumer logs every Message it receives from the bus.
package consumer

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/trickstertwo/hellobus"
	"github.com/trickstertwo/hellobus/contracts"
)

// MessageConsumer is one subscriber identity. Its name doubles as the bus
// group, so every consumer with a distinct name receives every message.
type MessageConsumer struct {
	name string
	log  zerolog.Logger
}

// New returns a consumer identified by name that logs through logger.
func New(name string, logger zerolog.Logger) *MessageConsumer {
	return &MessageConsumer{name: name, log: logger}
}

// Name is the identity the consumer subscribes under.
func (c *MessageConsumer) Name() string { return c.name }

// Consume logs the received text at info level.
func (c *MessageConsumer) Consume(_ context.Context, msg contracts.Message) error {
	c.log.Info().
		Str("Text", msg.Text).
		Str("consumer", c.name).
		Msgf("Received Text: %s", msg.Text)
	return nil
}

// Handler decodes Message envelopes with the codec the bus injected and calls
// Consume. Other events on the same topic are skipped.
func (c *MessageConsumer) Handler() hellobus.Handler {
	return hellobus.Consume(c.Consume)
}

// Subscribe registers the consumer on topic under its own group.
func (c *MessageConsumer) Subscribe(ctx context.Context, bus hellobus.Subscriber, topic string) (hellobus.Subscription, error) {
	return bus.Subscribe(ctx, topic, c.name, c.Handler())
}
