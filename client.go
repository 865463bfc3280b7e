// Package eventbus is the entry point for publishing and subscribing to
// cross-application events over RabbitMQ topic exchanges. A Client wires
// the event publisher, the subscription manager, and health reporting on
// top of a single broker transport.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vcita/eventbus-go/health"
	"github.com/vcita/eventbus-go/messaging"
	rabbitmqTransport "github.com/vcita/eventbus-go/transports/rabbitmq"
)

// Client provides the main entry point for the event bus
type Client struct {
	cfg       Config
	logger    *slog.Logger
	transport messaging.Transport
	publisher *messaging.EventPublisher
	manager   *messaging.SubscriptionManager
	registry  *health.Registry
}

// clientConfig holds construction-time dependencies
type clientConfig struct {
	logger    *slog.Logger
	transport messaging.Transport
	metrics   messaging.MetricsCollector
	registry  *health.Registry
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransport replaces the default RabbitMQ transport. The client still
// owns the transport lifecycle: Connect and Close reach it through here.
func WithTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithMetricsCollector wires processing and publishing metrics
func WithMetricsCollector(collector messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithHealthRegistry uses an existing health registry instead of creating
// one, so the bus checks join an application's other checks
func WithHealthRegistry(registry *health.Registry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registry = registry
	}
}

// New creates a client from configuration. No broker contact happens until
// Connect.
func New(cfg Config, options ...ClientOption) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("eventbus: invalid configuration: %w", err)
	}

	deps := &clientConfig{
		logger:  slog.Default(),
		metrics: messaging.NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(deps)
	}

	transport := deps.transport
	if transport == nil {
		var err error
		transport, err = rabbitmqTransport.NewTransport(cfg.BrokerURL,
			rabbitmqTransport.WithTransportLogger(deps.logger),
			rabbitmqTransport.WithExchanges(cfg.MainExchange, cfg.LegacyExchange),
		)
		if err != nil {
			return nil, fmt.Errorf("eventbus: failed to create transport: %w", err)
		}
	}

	topologyStatus := health.NewTopologyStatus()
	registry := deps.registry
	if registry == nil {
		registry = health.NewRegistry()
	}
	registry.SetMetadata("app", cfg.AppName)
	registry.Register(health.NewBrokerChecker(transport))
	registry.Register(topologyStatus)

	publisher := messaging.NewEventPublisher(transport.Publisher(), cfg.MainExchange, cfg.AppName, cfg.DefaultDomain,
		messaging.WithPublisherLogger(deps.logger),
		messaging.WithPublisherMetrics(deps.metrics),
	)

	manager := messaging.NewSubscriptionManager(transport, cfg.AppName,
		messaging.WithManagerLogger(deps.logger),
		messaging.WithManagerMetrics(deps.metrics),
		messaging.WithDefaultRetryPolicy(messaging.RetryPolicy{
			MaxRetries: cfg.DefaultMaxRetries,
			Delay:      cfg.DefaultRetryDelay,
		}),
		messaging.WithExchanges(cfg.MainExchange, cfg.LegacyExchange),
		messaging.WithSubscriptionsDisabled(cfg.DisableSubscriptions),
		messaging.WithAssertionRecorder(topologyStatus),
		messaging.WithManagerPrefetch(cfg.PrefetchCount),
	)

	return &Client{
		cfg:       cfg,
		logger:    deps.logger,
		transport: transport,
		publisher: publisher,
		manager:   manager,
		registry:  registry,
	}, nil
}

// Connect establishes the broker connection and declares the event
// exchanges
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("eventbus: failed to connect: %w", err)
	}
	err := c.transport.DeclareTopology(ctx, messaging.TopologyDeclaration{
		Exchanges: []messaging.ExchangeSpec{
			{Name: c.cfg.MainExchange, Kind: "topic", Durable: true},
			{Name: c.cfg.LegacyExchange, Kind: "topic", Durable: true},
		},
	})
	if err != nil {
		return fmt.Errorf("eventbus: failed to declare exchanges: %w", err)
	}
	c.logger.Info("event bus connected",
		slog.String("app", c.cfg.AppName),
		slog.String("exchange", c.cfg.MainExchange))
	return nil
}

// Publisher returns the event publisher
func (c *Client) Publisher() *messaging.EventPublisher {
	return c.publisher
}

// Subscriptions returns the subscription manager
func (c *Client) Subscriptions() *messaging.SubscriptionManager {
	return c.manager
}

// Health returns the health registry with the bus checks registered
func (c *Client) Health() *health.Registry {
	return c.registry
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Close stops all consumers and releases the broker connection
func (c *Client) Close() error {
	var errs []error
	if err := c.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// The subscription manager records assertion outcomes straight into the
// topology health checker.
var _ messaging.AssertionRecorder = (*health.TopologyStatus)(nil)
