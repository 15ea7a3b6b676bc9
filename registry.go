package hellobus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

// LoggerOption is the transport config key the builder fills with the bus
// logger, unless the caller already set it.
const LoggerOption = "logger"

// LoggerOf returns the logger stored in cfg under LoggerOption, or a
// disabled logger.
func LoggerOf(cfg map[string]any) zerolog.Logger {
	switch l := cfg[LoggerOption].(type) {
	case zerolog.Logger:
		return l
	case *zerolog.Logger:
		if l != nil {
			return *l
		}
	}
	return zerolog.Nop()
}

// CodecFactory constructs codecs by name.
type CodecFactory func() Codec

// registry maps names to factories. Adapters fill it from init.
type registry[F any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]F
}

func newRegistry[F any](kind string) *registry[F] {
	return &registry[F]{kind: kind, m: map[string]F{}}
}

func (r *registry[F]) register(name string, f F, isNil bool) error {
	if name == "" {
		return fmt.Errorf("%s name must not be empty", r.kind)
	}
	if isNil {
		return fmt.Errorf("%s factory must not be nil", r.kind)
	}
	r.mu.Lock()
	r.m[name] = f
	r.mu.Unlock()
	return nil
}

func (r *registry[F]) lookup(name string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.m[name]
	return f, ok
}

func (r *registry[F]) names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

var (
	transports = newRegistry[TransportFactory]("transport")
	codecs     = func() *registry[CodecFactory] {
		r := newRegistry[CodecFactory]("codec")
		r.m["json"] = func() Codec { return JSONCodec{} }
		return r
	}()
)

// RegisterTransport registers a backend adapter under name, replacing any
// earlier registration.
func RegisterTransport(name string, factory TransportFactory) error {
	return transports.register(name, factory, factory == nil)
}

// NewTransport constructs the transport registered as name.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	f, ok := transports.lookup(name)
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	tr, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("hellobus: build transport %s: %w", name, err)
	}
	return tr, nil
}

// Transports lists the registered transport names in sorted order.
func Transports() []string { return transports.names() }

func RegisterCodec(name string, factory CodecFactory) error {
	return codecs.register(name, factory, factory == nil)
}

// NewCodec constructs the codec registered as name.
func NewCodec(name string) (Codec, error) {
	f, ok := codecs.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
	return f(), nil
}

// Codecs lists the registered codec names in sorted order.
func Codecs() []string { return codecs.names() }
