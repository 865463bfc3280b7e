package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// AssertionRecorder receives per-queue topology assertion and subscribe
// outcomes. A nil error clears any previously recorded failure for the
// queue. Implementations feed readiness reporting; recording never blocks
// registration.
type AssertionRecorder interface {
	Record(queue string, err error)
}

// SubscriptionManager owns the subscribe side: it plans and asserts queue
// topology, starts consumers, and dispatches deliveries to handlers through
// per-subscription pipelines. Registration is explicit; nothing subscribes
// as a side effect of construction.
type SubscriptionManager struct {
	transport      Transport
	appName        string
	mainExchange   string
	legacyExchange string
	defaults       RetryPolicy
	disabled       bool
	prefetch       int
	logger         *slog.Logger
	metrics        MetricsCollector
	recorder       AssertionRecorder
	dispatcher     *FailureDispatcher

	baseCtx context.Context
	cancel  context.CancelFunc

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
}

// ManagerOption configures the SubscriptionManager
type ManagerOption func(*SubscriptionManager)

// WithManagerLogger sets the logger
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *SubscriptionManager) {
		m.logger = logger
	}
}

// WithManagerMetrics sets the metrics collector
func WithManagerMetrics(collector MetricsCollector) ManagerOption {
	return func(m *SubscriptionManager) {
		m.metrics = collector
	}
}

// WithDefaultRetryPolicy sets the retry budget applied when a descriptor
// does not carry its own
func WithDefaultRetryPolicy(policy RetryPolicy) ManagerOption {
	return func(m *SubscriptionManager) {
		m.defaults = policy
	}
}

// WithExchanges sets the exchanges standard and legacy subscriptions bind to
func WithExchanges(main, legacy string) ManagerOption {
	return func(m *SubscriptionManager) {
		m.mainExchange = main
		m.legacyExchange = legacy
	}
}

// WithSubscriptionsDisabled registers handles without any broker contact.
// Topology is still planned so configuration errors surface.
func WithSubscriptionsDisabled(disabled bool) ManagerOption {
	return func(m *SubscriptionManager) {
		m.disabled = disabled
	}
}

// WithAssertionRecorder wires topology assertion outcomes into readiness
// reporting
func WithAssertionRecorder(recorder AssertionRecorder) ManagerOption {
	return func(m *SubscriptionManager) {
		m.recorder = recorder
	}
}

// WithManagerPrefetch sets the consumer prefetch used when a subscription
// does not override it
func WithManagerPrefetch(count int) ManagerOption {
	return func(m *SubscriptionManager) {
		m.prefetch = count
	}
}

// NewSubscriptionManager creates a subscription manager. appName prefixes
// every derived queue name.
func NewSubscriptionManager(transport Transport, appName string, options ...ManagerOption) *SubscriptionManager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &SubscriptionManager{
		transport:      transport,
		appName:        appName,
		mainExchange:   "events",
		legacyExchange: "legacy-events",
		defaults:       RetryPolicy{MaxRetries: 3, Delay: 5 * time.Second},
		prefetch:       10,
		logger:         slog.Default(),
		metrics:        NoOpMetricsCollector{},
		baseCtx:        ctx,
		cancel:         cancel,
		subscriptions:  make(map[string]*Subscription),
	}

	for _, opt := range options {
		opt(m)
	}

	m.dispatcher = NewFailureDispatcher(transport.Publisher(),
		WithDispatcherLogger(m.logger),
		WithDispatcherMetrics(m.metrics),
	)

	return m
}

// Register plans topology for each handle, asserts it against the broker,
// and starts consuming. The only error it returns is ConfigurationError: an
// invalid descriptor or a duplicate queue name. Broker failures during
// assertion or subscribe are logged, reported to the assertion recorder,
// and swallowed, so one broken queue cannot block application startup.
func (m *SubscriptionManager) Register(ctx context.Context, subs ...*Subscription) error {
	for _, sub := range subs {
		if err := m.register(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

func (m *SubscriptionManager) register(ctx context.Context, sub *Subscription) error {
	topology, err := PlanTopology(sub.descriptor, m.appName, m.defaults)
	if err != nil {
		return err
	}
	sub.topology = &topology
	queue := topology.QueueName

	m.mu.Lock()
	if _, exists := m.subscriptions[queue]; exists {
		m.mu.Unlock()
		return &ConfigurationError{
			Field:  "queue",
			Reason: fmt.Sprintf("%q is already registered", queue),
			Err:    ErrAlreadyRegistered,
		}
	}
	m.subscriptions[queue] = sub
	m.mu.Unlock()

	logger := m.logger.With("queue", queue, "bindingKey", topology.BindingKey)

	if m.disabled {
		logger.Info("subscriptions disabled, handler registered without consuming")
		return nil
	}

	bindExchange := m.mainExchange
	if sub.IsLegacy() {
		bindExchange = m.legacyExchange
	}

	if err := m.transport.DeclareTopology(ctx, topology.Declarations(bindExchange)); err != nil {
		infraErr := &InfrastructureError{Op: "assert topology for " + queue, Err: err}
		logger.Error("topology assertion failed, subscription continues unverified", "error", infraErr)
		m.record(queue, infraErr)
	} else {
		m.record(queue, nil)
	}

	pipeline := newPipeline(m.baseCtx, sub, m.dispatcher, m.metrics, m.logger)

	prefetch := sub.prefetch
	if prefetch <= 0 {
		prefetch = m.prefetch
	}

	err = m.transport.Subscriber().Subscribe(m.baseCtx, queue, pipeline.Handle, SubscriptionOptions{
		PrefetchCount: prefetch,
	})
	if err != nil {
		infraErr := &InfrastructureError{Op: "subscribe to " + queue, Err: err}
		logger.Error("failed to start consumer", "error", infraErr)
		m.record(queue, infraErr)
		return nil
	}

	logger.Info("subscription registered", "prefetch", prefetch, "legacy", sub.IsLegacy())
	return nil
}

// Unregister stops the consumer for a queue and forgets its handle.
func (m *SubscriptionManager) Unregister(queue string) error {
	m.mu.Lock()
	_, exists := m.subscriptions[queue]
	delete(m.subscriptions, queue)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("no subscription registered for queue: %s", queue)
	}

	if m.disabled {
		return nil
	}

	if err := m.transport.Subscriber().Unsubscribe(queue); err != nil {
		return fmt.Errorf("failed to stop consumer for %s: %w", queue, err)
	}
	return nil
}

// Queues returns the registered queue names in sorted order.
func (m *SubscriptionManager) Queues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	queues := make([]string, 0, len(m.subscriptions))
	for queue := range m.subscriptions {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues
}

// Subscription returns the registered handle for a queue.
func (m *SubscriptionManager) Subscription(queue string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[queue]
	return sub, ok
}

// Close stops all consumers and releases the manager. Registered handles
// are forgotten; the transport itself stays open for its owner to close.
func (m *SubscriptionManager) Close() error {
	m.cancel()

	m.mu.Lock()
	m.subscriptions = make(map[string]*Subscription)
	m.mu.Unlock()

	if m.disabled {
		return nil
	}
	return m.transport.Subscriber().Close()
}

func (m *SubscriptionManager) record(queue string, err error) {
	if m.recorder == nil {
		return
	}
	m.recorder.Record(queue, err)
}
