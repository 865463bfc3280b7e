// Package rabbitmq provides the production messaging.Transport backed by a
// RabbitMQ broker.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vcita/eventbus-go/internal/rabbitmq"
	"github.com/vcita/eventbus-go/messaging"
)

// ErrNotConnected is returned when the transport is used before Connect.
var ErrNotConnected = errors.New("rabbitmq transport: not connected")

// Transport implements messaging.Transport for RabbitMQ. Construction is
// cheap and offline; Connect dials the broker and declares the two event
// exchanges.
type Transport struct {
	url            string
	mainExchange   string
	legacyExchange string
	logger         *slog.Logger

	connectionOptions []rabbitmq.ConnectionOption
	poolOptions       []rabbitmq.ChannelPoolOption
	publisherOptions  []rabbitmq.PublisherOption
	consumerOptions   []rabbitmq.ConsumerOption

	mu        sync.RWMutex
	connected bool
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithTransportLogger sets the logger
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithExchanges sets the exchanges declared on connect
func WithExchanges(main, legacy string) TransportOption {
	return func(t *Transport) {
		t.mainExchange = main
		t.legacyExchange = legacy
	}
}

// WithConnectionOptions forwards options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(t *Transport) {
		t.connectionOptions = append(t.connectionOptions, opts...)
	}
}

// WithChannelPoolOptions forwards options to the channel pool
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(t *Transport) {
		t.poolOptions = append(t.poolOptions, opts...)
	}
}

// WithPublisherOptions forwards options to the publisher
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(t *Transport) {
		t.publisherOptions = append(t.publisherOptions, opts...)
	}
}

// WithConsumerOptions forwards options to the consumer
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(t *Transport) {
		t.consumerOptions = append(t.consumerOptions, opts...)
	}
}

// NewTransport creates a RabbitMQ transport. No broker contact happens
// until Connect.
func NewTransport(url string, options ...TransportOption) (*Transport, error) {
	if url == "" {
		return nil, fmt.Errorf("rabbitmq transport: connection url cannot be empty")
	}

	t := &Transport{
		url:            url,
		mainExchange:   "events",
		legacyExchange: "legacy-events",
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t, nil
}

// Connect dials the broker, builds the channel pool, and declares the main
// and legacy topic exchanges. Calling Connect on a connected transport is a
// no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	manager := rabbitmq.NewConnectionManager(t.url,
		append([]rabbitmq.ConnectionOption{rabbitmq.WithConnectionLogger(t.logger)}, t.connectionOptions...)...)
	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, t.poolOptions...)
	if err != nil {
		manager.Close()
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	topology := rabbitmq.NewTopologyManager(pool)
	for _, exchange := range []string{t.mainExchange, t.legacyExchange} {
		err := topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
			Name:    exchange,
			Type:    "topic",
			Durable: true,
		})
		if err != nil {
			pool.Close()
			manager.Close()
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	t.manager = manager
	t.pool = pool
	t.topology = topology
	t.publisher = rabbitmq.NewPublisher(pool, t.publisherOptions...)
	t.consumer = rabbitmq.NewConsumer(pool,
		append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(t.logger)}, t.consumerOptions...)...)
	t.connected = true

	return nil
}

// Publisher returns the transport's publisher side
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisherAdapter{transport: t}
}

// Subscriber returns the transport's subscriber side
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return &subscriberAdapter{transport: t}
}

// DeclareTopology declares the given exchanges, queues, and bindings.
// Declarations are idempotent when arguments match.
func (t *Transport) DeclareTopology(ctx context.Context, declaration messaging.TopologyDeclaration) error {
	t.mu.RLock()
	topology := t.topology
	connected := t.connected
	t.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}

	return topology.DeclareTopology(ctx, convertDeclaration(declaration))
}

// QueueStatus is the broker's live view of one queue.
type QueueStatus struct {
	Name      string
	Messages  int
	Consumers int
}

// InspectQueue returns the broker's view of a declared queue. The queue must
// exist; inspecting a missing queue is a broker error.
func (t *Transport) InspectQueue(ctx context.Context, name string) (QueueStatus, error) {
	t.mu.RLock()
	topology := t.topology
	connected := t.connected
	t.mu.RUnlock()

	if !connected {
		return QueueStatus{}, ErrNotConnected
	}

	queue, err := topology.InspectQueue(ctx, name)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}
	return QueueStatus{
		Name:      queue.Name,
		Messages:  queue.Messages,
		Consumers: queue.Consumers,
	}, nil
}

// Close releases the consumer, publisher, channel pool, and connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.connected = false

	var errs []error
	if err := t.consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsConnected reports whether the broker connection is up
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.manager.IsConnected()
}

func convertDeclaration(declaration messaging.TopologyDeclaration) rabbitmq.Topology {
	topology := rabbitmq.Topology{}

	for _, exchange := range declaration.Exchanges {
		topology.Exchanges = append(topology.Exchanges, rabbitmq.ExchangeDeclaration{
			Name:       exchange.Name,
			Type:       exchange.Kind,
			Durable:    exchange.Durable,
			AutoDelete: exchange.AutoDelete,
			Arguments:  amqp.Table(exchange.Args),
		})
	}
	for _, queue := range declaration.Queues {
		topology.Queues = append(topology.Queues, rabbitmq.QueueDeclaration{
			Name:       queue.Name,
			Durable:    queue.Durable,
			AutoDelete: queue.AutoDelete,
			Exclusive:  queue.Exclusive,
			Arguments:  amqp.Table(queue.Args),
		})
	}
	for _, binding := range declaration.Bindings {
		topology.Bindings = append(topology.Bindings, rabbitmq.Binding{
			Queue:      binding.Queue,
			Exchange:   binding.Exchange,
			RoutingKey: binding.RoutingKey,
		})
	}

	return topology
}

// publisherAdapter adapts the internal publisher to TransportPublisher
type publisherAdapter struct {
	transport *Transport
}

// Publish implements TransportPublisher. All messages are persistent.
func (p *publisherAdapter) Publish(ctx context.Context, exchange, routingKey string, msg messaging.OutboundMessage) error {
	p.transport.mu.RLock()
	publisher := p.transport.publisher
	connected := p.transport.connected
	p.transport.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}

	publishing := amqp.Publishing{
		Headers:      amqp.Table(msg.Headers),
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}

	return publisher.Publish(ctx, exchange, routingKey, publishing)
}

// Close implements TransportPublisher
func (p *publisherAdapter) Close() error {
	p.transport.mu.RLock()
	publisher := p.transport.publisher
	p.transport.mu.RUnlock()

	if publisher == nil {
		return nil
	}
	return publisher.Close()
}

// subscriberAdapter adapts the internal consumer to TransportSubscriber
type subscriberAdapter struct {
	transport *Transport
}

// Subscribe implements TransportSubscriber. The handler owns
// acknowledgement; deliveries are never acked here.
func (s *subscriberAdapter) Subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) error {
	s.transport.mu.RLock()
	consumer := s.transport.consumer
	connected := s.transport.connected
	s.transport.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}

	return consumer.Subscribe(ctx, queue, func(d amqp.Delivery) {
		handler(&deliveryAdapter{delivery: d})
	}, rabbitmq.SubscribeOptions{
		PrefetchCount: options.PrefetchCount,
		Exclusive:     options.Exclusive,
	})
}

// Unsubscribe implements TransportSubscriber
func (s *subscriberAdapter) Unsubscribe(queue string) error {
	s.transport.mu.RLock()
	consumer := s.transport.consumer
	s.transport.mu.RUnlock()

	if consumer == nil {
		return ErrNotConnected
	}
	return consumer.Unsubscribe(queue)
}

// Close implements TransportSubscriber
func (s *subscriberAdapter) Close() error {
	s.transport.mu.RLock()
	consumer := s.transport.consumer
	s.transport.mu.RUnlock()

	if consumer == nil {
		return nil
	}
	return consumer.Close()
}

// deliveryAdapter adapts amqp.Delivery to TransportDelivery
type deliveryAdapter struct {
	delivery amqp.Delivery
}

// Body implements TransportDelivery
func (d *deliveryAdapter) Body() []byte {
	return d.delivery.Body
}

// Headers implements TransportDelivery
func (d *deliveryAdapter) Headers() map[string]interface{} {
	headers := make(map[string]interface{}, len(d.delivery.Headers))
	for k, v := range d.delivery.Headers {
		headers[k] = v
	}
	return headers
}

// RoutingKey implements TransportDelivery
func (d *deliveryAdapter) RoutingKey() string {
	return d.delivery.RoutingKey
}

// Acknowledge implements TransportDelivery
func (d *deliveryAdapter) Acknowledge() error {
	return d.delivery.Ack(false)
}

// Reject implements TransportDelivery
func (d *deliveryAdapter) Reject(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}

var _ messaging.Transport = (*Transport)(nil)
var _ messaging.TransportPublisher = (*publisherAdapter)(nil)
var _ messaging.TransportSubscriber = (*subscriberAdapter)(nil)
var _ messaging.TransportDelivery = (*deliveryAdapter)(nil)
