// Package rabbitmq provides the AMQP plumbing underneath the event bus.
//
// This package includes:
//   - ConnectionManager: Manages RabbitMQ connections with automatic reconnection
//   - ChannelPool: Provides channel pooling with idle cleanup
//   - Publisher: Single-attempt publishing with broker confirmation
//   - Consumer: Per-queue consumption that leaves acknowledgement to the caller
//   - TopologyManager: Declares exchanges, queues, and bindings
//
// Everything here deals in raw AMQP types. Event semantics, retry budgets,
// and acknowledgement decisions live in the messaging package.
package rabbitmq
