package rabbitmq

import (
	"context"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeclareQueue implements contracts.EntityRegistry
func (t *Transport) DeclareQueue(ctx context.Context, name string, options contracts.QueueOptions) (contracts.QueueInfo, error) {
	q, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    options.Durable,
		AutoDelete: options.AutoDelete,
		Exclusive:  options.Exclusive,
		Passive:    options.Passive,
		Arguments:  amqp.Table(options.Arguments),
	})
	if err != nil {
		return contracts.QueueInfo{}, err
	}
	return queueInfo(q), nil
}

// InspectQueue implements contracts.EntityRegistry
func (t *Transport) InspectQueue(ctx context.Context, name string) (contracts.QueueInfo, error) {
	q, err := t.topology.GetQueueInfo(ctx, name)
	if err != nil {
		return contracts.QueueInfo{}, err
	}
	return queueInfo(q), nil
}

// PurgeQueue implements contracts.EntityRegistry
func (t *Transport) PurgeQueue(ctx context.Context, name string) (int, error) {
	return t.topology.PurgeQueue(ctx, name)
}

// DeleteQueue implements contracts.EntityRegistry
func (t *Transport) DeleteQueue(ctx context.Context, name string) (int, error) {
	return t.topology.DeleteQueue(ctx, name, false, false)
}

// DeclareExchange declares a durable exchange of the given kind
// (direct, fanout, topic, headers)
func (t *Transport) DeclareExchange(ctx context.Context, name, kind string) error {
	return t.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    name,
		Type:    kind,
		Durable: true,
	})
}

// BindQueue binds a queue to an exchange with a routing key
func (t *Transport) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return t.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   exchange,
		RoutingKey: routingKey,
	})
}

func queueInfo(q amqp.Queue) contracts.QueueInfo {
	return contracts.QueueInfo{
		Name:      q.Name,
		Messages:  q.Messages,
		Consumers: q.Consumers,
	}
}
