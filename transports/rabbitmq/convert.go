package rabbitmq

import (
	"github.com/glimte/mmate-amqp/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

func toPublishing(p contracts.Properties, body []byte) amqp.Publishing {
	return amqp.Publishing{
		Headers:         amqp.Table(p.Headers),
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationID,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageID,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserID,
		AppId:           p.AppID,
		Body:            body,
	}
}

func fromDelivery(channel uint16, d amqp.Delivery) *contracts.BasicDeliver {
	return &contracts.BasicDeliver{
		Channel:     channel,
		ConsumerTag: d.ConsumerTag,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Properties: contracts.Properties{
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			Headers:         contracts.Table(d.Headers),
			DeliveryMode:    d.DeliveryMode,
			Priority:        d.Priority,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			MessageID:       d.MessageId,
			Timestamp:       d.Timestamp,
			Type:            d.Type,
			UserID:          d.UserId,
			AppID:           d.AppId,
		},
		Body: d.Body,
	}
}
