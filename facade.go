package hellobus

import (
	"context"
	"errors"
	"sync"
)

var ErrDefaultBusNotInitialized = errors.New("hellobus: default bus not initialized")

var (
	defaultBus   *Bus
	defaultBusMu sync.RWMutex
)

// Default returns the process-wide Bus installed by SetDefault or an adapter's Use.
func Default() (*Bus, error) {
	defaultBusMu.RLock()
	defer defaultBusMu.RUnlock()
	if defaultBus == nil {
		return nil, ErrDefaultBusNotInitialized
	}
	return defaultBus, nil
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("hellobus: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, eventName, payload, meta)
}

// PublishBatch is the Facade using the default bus for batch publishing.
func PublishBatch(ctx context.Context, topic string, events ...PublishEvent) error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.PublishBatch(ctx, topic, events...)
}

// Subscribe is the Facade using the default bus.
func Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	b, err := Default()
	if err != nil {
		return nil, err
	}
	return b.Subscribe(ctx, topic, group, handler)
}
