package messaging

import (
	"context"

	"github.com/glimte/mmate-amqp/contracts"
)

// DeliveryInfo describes where a delivery came from. It is only meaningful
// for the duration of one dispatch.
type DeliveryInfo struct {
	ConsumerTag string
	DeliveryTag uint64
	RoutingKey  string
	Exchange    string
	Redelivered bool
}

// Delivery is a message pushed to a consumer
type Delivery struct {
	DeliveryInfo
	Properties contracts.Properties
	Body       []byte

	channel *Channel
}

// DeliveryHandler processes one delivery. It is invoked once per delivery,
// and the next delivery for the same consumer is not dispatched until it
// returns. A returned error or a panic is handled by the consumer's
// failure policy.
type DeliveryHandler func(ctx context.Context, d *Delivery) error

// Channel returns the channel the delivery arrived on
func (d *Delivery) Channel() *Channel {
	return d.channel
}

// Ack acknowledges this delivery
func (d *Delivery) Ack() error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.Ack(d.DeliveryTag, false)
}

// Nack negatively acknowledges this delivery
func (d *Delivery) Nack(requeue bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.Nack(d.DeliveryTag, false, requeue)
}

// Reject rejects this delivery
func (d *Delivery) Reject(requeue bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.Reject(d.DeliveryTag, requeue)
}

func newDelivery(ch *Channel, f *contracts.BasicDeliver) *Delivery {
	return &Delivery{
		DeliveryInfo: DeliveryInfo{
			ConsumerTag: f.ConsumerTag,
			DeliveryTag: f.DeliveryTag,
			RoutingKey:  f.RoutingKey,
			Exchange:    f.Exchange,
			Redelivered: f.Redelivered,
		},
		Properties: f.Properties,
		Body:       f.Body,
		channel:    ch,
	}
}
