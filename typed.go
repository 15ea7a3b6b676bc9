package hellobus

import (
	"context"
	"fmt"
	"reflect"
)

// Named is implemented by payload types that choose their own event name.
type Named interface {
	EventName() string
}

// EventNameOf returns the event name carried by T: T's EventName when it
// implements Named, otherwise the Go type name with pointers stripped.
func EventNameOf[T any]() string {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	var v any = *new(T)
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
		v = reflect.New(rt).Interface()
	}
	if n, ok := v.(Named); ok {
		return n.EventName()
	}
	return rt.Name()
}

// Send publishes msg on topic under EventNameOf[T].
func Send[T any](ctx context.Context, pub Publisher, topic string, msg T, meta map[string]string) error {
	return pub.Publish(ctx, topic, EventNameOf[T](), msg, meta)
}

// Consume adapts fn into a Handler for T. Envelopes named for another event
// are acked without calling fn, so several contracts can share a topic.
// Unnamed envelopes are decoded as T.
func Consume[T any](fn func(ctx context.Context, msg T) error) Handler {
	name := EventNameOf[T]()
	return func(ctx context.Context, env *Envelope) error {
		if env.Name != "" && name != "" && env.Name != name {
			if l, ok := LoggerFromContext(ctx); ok {
				l.Debug().Str("event", env.Name).Str("expected", name).Msg("hellobus: skipping event")
			}
			return nil
		}
		msg, err := Decode[T](ctx, env)
		if err != nil {
			return fmt.Errorf("%w as %s: %w", ErrDecode, name, err)
		}
		return fn(ctx, msg)
	}
}
