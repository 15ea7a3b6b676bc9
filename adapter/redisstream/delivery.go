package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/hellobus"
)

// delivery implements hellobus.Delivery for one stream entry.
type delivery struct {
	t     *transport
	topic string
	group string
	id    string
	env   *hellobus.Envelope

	once sync.Once
}

func (d *delivery) Envelope() *hellobus.Envelope { return d.env }

// Ack XACKs the entry and, when configured, deletes it from the stream.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() { err = d.ack(ctx) })
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.topic, d.group, d.id).Err(); err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
	}
	return nil
}

// Nack has no native Redis equivalent. With a dead-letter stream the entry is
// copied there and acknowledged; otherwise it stays pending for the claim loop.
// With neither it stays pending until someone claims it by hand, which is logged.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		if d.t.cfg.DeadLetter == "" {
			if d.t.cfg.ClaimMinIdle <= 0 {
				d.t.log.Warn().
					Err(reason).
					Str("stream", d.topic).
					Str("group", d.group).
					Str("entry", d.id).
					Msg("redisstream: nacked entry has no dead_letter stream and claiming is off; it stays pending")
			}
			return
		}
		if err = d.deadLetter(ctx, reason); err != nil {
			return
		}
		err = d.ack(ctx)
	})
	return err
}

func (d *delivery) deadLetter(ctx context.Context, reason error) error {
	values := make(map[string]any, 5+len(d.env.Metadata))
	values["orig_topic"] = d.topic
	values["orig_id"] = d.id
	values["error"] = fmt.Sprintf("%v", reason)
	values[fieldName] = d.env.Name
	values[fieldPayload] = d.env.Payload
	for k, v := range d.env.Metadata {
		values[fieldMetaPrefix+k] = v
	}

	if err := d.t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.t.cfg.DeadLetter,
		ID:     "*",
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("redisstream: dead-letter %s: %w", d.id, err)
	}
	return nil
}

// encodeValues flattens an envelope into stream entry fields.
func encodeValues(e *hellobus.Envelope) map[string]any {
	vals := make(map[string]any, 4+len(e.Metadata))
	if e.ID != "" {
		vals[fieldID] = e.ID
	}
	vals[fieldName] = e.Name
	vals[fieldPayload] = e.Payload
	vals[fieldProducedAt] = e.ProducedAt.UnixNano()
	for k, v := range e.Metadata {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeEnvelope rebuilds an envelope from a stream entry. The bus-assigned id
// wins over the stream id when present.
func decodeEnvelope(streamID string, vals map[string]any) *hellobus.Envelope {
	env := &hellobus.Envelope{
		ID:       streamID,
		Metadata: make(map[string]string),
	}

	if v, ok := vals[fieldID]; ok {
		if s := asString(v); s != "" {
			env.ID = s
		}
	}
	if v, ok := vals[fieldName]; ok {
		env.Name = asString(v)
	}
	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			env.Payload = p
		case string:
			env.Payload = []byte(p)
		}
	}
	if ns, ok := toInt64(vals[fieldProducedAt]); ok && ns > 0 {
		env.ProducedAt = time.Unix(0, ns)
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			env.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}

	return env
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
