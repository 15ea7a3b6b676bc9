package kafka

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/trickstertwo/hellobus"
)

// record header keys
const (
	headerID         = "hb-id"
	headerName       = "hb-name"
	headerProducedAt = "hb-produced-at" // RFC3339Nano
	headerMetaPrefix = "meta-"
	headerOrigTopic  = "hb-orig-topic"
	headerError      = "hb-error"
)

// toMessage maps an envelope onto a record keyed by envelope ID.
func toMessage(topic string, e *hellobus.Envelope) kafka.Message {
	headers := make([]kafka.Header, 0, 3+len(e.Metadata))
	headers = append(headers,
		kafka.Header{Key: headerID, Value: []byte(e.ID)},
		kafka.Header{Key: headerName, Value: []byte(e.Name)},
		kafka.Header{Key: headerProducedAt, Value: []byte(e.ProducedAt.UTC().Format(time.RFC3339Nano))},
	)
	for k, v := range e.Metadata {
		headers = append(headers, kafka.Header{Key: headerMetaPrefix + k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(e.ID),
		Value:   e.Payload,
		Headers: headers,
		Time:    e.ProducedAt,
	}
}

// fromMessage rebuilds an envelope from a fetched record.
func fromMessage(m kafka.Message) *hellobus.Envelope {
	env := &hellobus.Envelope{
		ID:         string(m.Key),
		Payload:    m.Value,
		ProducedAt: m.Time,
		Metadata:   map[string]string{},
	}
	for _, h := range m.Headers {
		switch {
		case h.Key == headerID:
			env.ID = string(h.Value)
		case h.Key == headerName:
			env.Name = string(h.Value)
		case h.Key == headerProducedAt:
			if ts, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				env.ProducedAt = ts
			}
		case strings.HasPrefix(h.Key, headerMetaPrefix):
			env.Metadata[strings.TrimPrefix(h.Key, headerMetaPrefix)] = string(h.Value)
		}
	}
	return env
}

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// delivery implements hellobus.Delivery for one fetched record.
type delivery struct {
	raw        kafka.Message
	env        *hellobus.Envelope
	reader     committer
	writer     messageWriter
	deadLetter string
	metrics    *transportMetrics
	log        zerolog.Logger

	once sync.Once
}

func (d *delivery) Envelope() *hellobus.Envelope { return d.env }

// Ack commits the record offset for the group.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.reader.CommitMessages(ctx, d.raw)
		if err == nil {
			d.metrics.acked.Add(1)
		}
	})
	return err
}

// Nack copies the record to the dead-letter topic and commits it. Without a
// dead-letter topic the offset is left uncommitted and the record is logged,
// since a later commit on the partition skips it.
func (d *delivery) Nack(ctx context.Context, cause error) error {
	var err error
	d.once.Do(func() {
		d.metrics.nacked.Add(1)
		if d.deadLetter == "" {
			d.log.Warn().
				Err(cause).
				Str("topic", d.raw.Topic).
				Int("partition", d.raw.Partition).
				Int64("offset", d.raw.Offset).
				Str("id", d.env.ID).
				Msg("kafka: nacked record has no dead_letter topic and will be skipped")
			return
		}

		dlq := toMessage(d.deadLetter, d.env)
		dlq.Headers = append(dlq.Headers, kafka.Header{Key: headerOrigTopic, Value: []byte(d.raw.Topic)})
		if cause != nil {
			dlq.Headers = append(dlq.Headers, kafka.Header{Key: headerError, Value: []byte(cause.Error())})
		}
		if err = d.writer.WriteMessages(ctx, dlq); err != nil {
			return
		}
		err = d.reader.CommitMessages(ctx, d.raw)
	})
	return err
}
