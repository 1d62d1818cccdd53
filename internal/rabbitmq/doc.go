// Package rabbitmq provides the amqp091 plumbing behind the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: Manages RabbitMQ connections with automatic reconnection
//   - ChannelPool: Short-lived channels for queue administration, with idle timeout
//   - TopologyManager: Declares, inspects, purges and deletes exchanges and queues
//
// Broker errors are converted to protocol errors carrying the AMQP reply code
// with ProtocolError. Reconnect attempts are paced by the reliability package
// and reported to ConnectionStateListener implementations.
package rabbitmq
