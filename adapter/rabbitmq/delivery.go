package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/trickstertwo/hellobus"
)

const contentTypeJSON = "application/json"

// toPublishing maps an envelope onto AMQP message properties.
func toPublishing(e *hellobus.Envelope, durable bool) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Transient,
		MessageId:    e.ID,
		Type:         e.Name,
		Timestamp:    e.ProducedAt,
		Body:         e.Payload,
	}
	if durable {
		p.DeliveryMode = amqp.Persistent
	}
	if len(e.Metadata) > 0 {
		p.Headers = make(amqp.Table, len(e.Metadata))
		for k, v := range e.Metadata {
			p.Headers[k] = v
		}
	}
	return p
}

// fromDelivery rebuilds an envelope from an AMQP delivery.
func fromDelivery(d amqp.Delivery) *hellobus.Envelope {
	env := &hellobus.Envelope{
		ID:         d.MessageId,
		Name:       d.Type,
		Payload:    d.Body,
		ProducedAt: d.Timestamp,
		Metadata:   make(map[string]string, len(d.Headers)),
	}
	for k, v := range d.Headers {
		switch s := v.(type) {
		case string:
			env.Metadata[k] = s
		case []byte:
			env.Metadata[k] = string(s)
		default:
			env.Metadata[k] = fmt.Sprintf("%v", s)
		}
	}
	return env
}

// delivery implements hellobus.Delivery over an amqp.Delivery.
type delivery struct {
	raw     amqp.Delivery
	env     *hellobus.Envelope
	requeue bool
	t       *transport
	once    sync.Once
}

func (d *delivery) Envelope() *hellobus.Envelope { return d.env }

func (d *delivery) Ack(_ context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.raw.Ack(false)
		if err == nil && d.t != nil {
			d.t.metrics.acked.Add(1)
		}
	})
	return err
}

func (d *delivery) Nack(_ context.Context, _ error) error {
	var err error
	d.once.Do(func() {
		err = d.raw.Nack(false, d.requeue)
		if err == nil && d.t != nil {
			d.t.metrics.nacked.Add(1)
		}
	})
	return err
}
