package memory

import (
	"fmt"

	"github.com/trickstertwo/hellobus"
)

// Use builds a Bus with the in-memory transport and installs it as the
// process-wide default.
//
// Example:
//
//	bus := memory.Use(memory.Config{BufferSize: 4096, Concurrency: 4},
//	    hellobus.WithLogger(logger),
//	)
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
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	hellobus.SetDefault(bus)
	return bus
}
