package redisstream

import (
	"fmt"

	"github.com/trickstertwo/hellobus"
)

const TransportName = "redis-streams"

func init() {
	if err := hellobus.RegisterTransport(TransportName, func(cfg map[string]any) (hellobus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("hellobus: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus on Redis Streams, installs it as the default Bus and returns it.
func Use(cfg Config, opts ...hellobus.Option) *hellobus.Bus {
	bb := hellobus.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	hellobus.SetDefault(bus)
	return bus
}
