package hellobus

import (
	"context"
	"encoding/json"
)

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// DecodeCodec unmarshals an envelope payload into T using the provided codec.
func DecodeCodec[T any](c Codec, env *Envelope) (T, error) {
	var v T
	if err := c.Unmarshal(env.Payload, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Decode unmarshals env.Payload into T using the Codec found in ctx.
// Falls back to JSON if none was injected.
func Decode[T any](ctx context.Context, env *Envelope) (T, error) {
	if c, ok := CodecFromContext(ctx); ok {
		return DecodeCodec[T](c, env)
	}
	return DecodeCodec[T](JSONCodec{}, env)
}
