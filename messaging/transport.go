package messaging

import "context"

// Transport is the broker seam. The production implementation speaks AMQP
// (transports/rabbitmq); transports/inmemory runs the same contract in
// process for tests and broker-less environments. The implementation is
// chosen explicitly by the caller, never by inspecting the environment.
type Transport interface {
	// Publisher returns the transport's publisher side.
	Publisher() TransportPublisher

	// Subscriber returns the transport's subscriber side.
	Subscriber() TransportSubscriber

	// DeclareTopology idempotently creates the given exchanges, queues and
	// bindings.
	DeclareTopology(ctx context.Context, declaration TopologyDeclaration) error

	// Connect establishes the broker connection.
	Connect(ctx context.Context) error

	// Close releases all transport resources.
	Close() error

	// IsConnected reports the connection status.
	IsConnected() bool
}

// TransportPublisher publishes raw messages.
type TransportPublisher interface {
	// Publish sends one message to an exchange under a routing key.
	Publish(ctx context.Context, exchange, routingKey string, msg OutboundMessage) error

	// Close closes the publisher.
	Close() error
}

// TransportSubscriber consumes deliveries from queues.
type TransportSubscriber interface {
	// Subscribe starts delivering messages from a queue to the handler.
	// Each queue gets its own consumer; the handler owns acknowledgement.
	Subscribe(ctx context.Context, queue string, handler DeliveryHandler, options SubscriptionOptions) error

	// Unsubscribe stops the consumer for a queue.
	Unsubscribe(queue string) error

	// Close stops all consumers.
	Close() error
}

// DeliveryHandler processes one delivery. It never returns an error: all
// failure handling, including acknowledgement, happens inside.
type DeliveryHandler func(delivery TransportDelivery)

// TransportDelivery is one message as received from the transport.
type TransportDelivery interface {
	// Body returns the message body.
	Body() []byte

	// Headers returns the broker message headers.
	Headers() map[string]interface{}

	// RoutingKey returns the routing key the message was published with.
	RoutingKey() string

	// Acknowledge removes the message from the queue.
	Acknowledge() error

	// Reject negatively acknowledges the message. With requeue false the
	// broker dead-letters it according to the queue's arguments.
	Reject(requeue bool) error
}

// OutboundMessage is a raw message handed to a TransportPublisher. All
// published messages are persistent.
type OutboundMessage struct {
	Headers     map[string]interface{}
	Body        []byte
	ContentType string
}

// SubscriptionOptions configures a transport consumer.
type SubscriptionOptions struct {
	PrefetchCount int
	Exclusive     bool
}

// ExchangeSpec declares one exchange.
type ExchangeSpec struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Args       map[string]interface{}
}

// QueueSpec declares one queue.
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]interface{}
}

// BindingSpec declares one queue-to-exchange binding.
type BindingSpec struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// TopologyDeclaration is the set of broker entities asserted for one
// subscription.
type TopologyDeclaration struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
	Bindings  []BindingSpec
}
