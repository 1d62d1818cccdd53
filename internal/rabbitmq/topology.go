package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares and inspects exchanges, queues and bindings over
// pooled channels
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. Passive only checks
// that the queue exists.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Passive    bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
	})
	return topologyError("exchange", exchange.Name, "declare", err)
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		declare := ch.QueueDeclare
		if queue.Passive {
			declare = ch.QueueDeclarePassive
		}

		var err error
		q, err = declare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		return err
	})
	return q, topologyError("queue", queue.Name, "declare", err)
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
	})
	return topologyError("binding", binding.Queue+"<-"+binding.Exchange, "declare", err)
}

// GetQueueInfo retrieves the ready message and consumer counts of a queue
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
	return q, topologyError("queue", name, "inspect", err)
}

// PurgeQueue removes all ready messages and returns how many were removed
func (tm *TopologyManager) PurgeQueue(ctx context.Context, name string) (int, error) {
	var purged int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		purged, err = ch.QueuePurge(name, false)
		return err
	})
	return purged, topologyError("queue", name, "purge", err)
}

// DeleteQueue deletes a queue and returns how many messages it held
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error) {
	var deleted int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		deleted, err = ch.QueueDelete(name, ifUnused, ifEmpty, false)
		return err
	})
	return deleted, topologyError("queue", name, "delete", err)
}

func topologyError(component, name, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
