package hellobus

import (
	"context"
	"maps"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

// BusBuilder constructs Bus instances.
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *zerolog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a builder with the json codec and a 5s ack timeout.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:  "json",
		ackTimeout: 5 * time.Second,
	}
}

// WithTransport selects a registered transport by name.
func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance.
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool dispatches observer events asynchronously.
// workers < 1 and bufferSize < 1 fall back to the pool defaults.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	if bb.poolWorkers < 1 {
		bb.poolWorkers = 4
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l zerolog.Logger) *BusBuilder {
	bb.logger = &l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

// transportOptions copies the transport config and adds the bus logger.
func (bb *BusBuilder) transportOptions() map[string]any {
	opts := make(map[string]any, len(bb.transportCfg)+1)
	maps.Copy(opts, bb.transportCfg)
	if _, ok := opts[LoggerOption]; !ok && bb.logger != nil {
		opts[LoggerOption] = *bb.logger
	}
	return opts
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportOptions())
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	cd := bb.codecInst
	if cd == nil {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			// a caller-supplied transport stays open; one built here is ours to close
			if bb.transportInst == nil {
				_ = tr.Close(context.Background())
			}
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}

	lg := zerolog.Nop()
	if bb.logger != nil {
		lg = *bb.logger
	}

	b := &Bus{
		transport:   tr,
		codec:       cd,
		clock:       clk,
		logger:      lg,
		middlewares: bb.middlewares,
		ackTimeout:  bb.ackTimeout,
	}
	if bb.poolWorkers > 0 {
		b.observerPool = NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer)
	}

	// A logging observer is attached unless one was supplied.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(*LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver && bb.logger != nil {
		b.AddObserver(&LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via the builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}

// Option configures a BusBuilder; adapters accept them in their Use functions.
type Option func(*BusBuilder)

// WithLogger injects a zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom clock.
func WithClock(c xclock.Clock) Option {
	return func(b *BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...Middleware) Option {
	return func(b *BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets the ack/nack timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...Observer) Option {
	return func(b *BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer notification.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
