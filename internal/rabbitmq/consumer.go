package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryFunc receives raw deliveries. Acknowledgement is the receiver's
// responsibility; the consumer never acks or nacks on its own.
type DeliveryFunc func(delivery amqp.Delivery)

// SubscribeOptions tune a single subscription.
type SubscribeOptions struct {
	// PrefetchCount caps unacknowledged deliveries on the channel.
	// Zero falls back to the consumer default.
	PrefetchCount int
	// Exclusive requests sole access to the queue.
	Exclusive bool
}

// Consumer manages message consumption from RabbitMQ. Each subscription
// holds a dedicated channel for the lifetime of the consumer.
type Consumer struct {
	pool            *ChannelPool
	defaultPrefetch int
	logger          *slog.Logger
	mu              sync.Mutex
	closed          bool
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithDefaultPrefetch sets the prefetch used when a subscription does not
// specify its own
func WithDefaultPrefetch(count int) ConsumerOption {
	return func(c *Consumer) {
		c.defaultPrefetch = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:            pool,
		defaultPrefetch: 10,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// consumerState tracks one active subscription.
type consumerState struct {
	queue       string
	consumerTag string
	channel     *PooledChannel
	cancel      context.CancelFunc
	done        chan struct{}
}

// Subscribe starts consuming from queue and dispatches each delivery to fn.
func (c *Consumer) Subscribe(ctx context.Context, queue string, fn DeliveryFunc, opts SubscribeOptions) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       ErrConsumerClosed,
			Timestamp: time.Now(),
		}
	}
	c.mu.Unlock()

	if _, exists := c.activeConsumers.Load(queue); exists {
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       fmt.Errorf("already consuming from queue %s", queue),
			Timestamp: time.Now(),
		}
	}

	prefetch := opts.PrefetchCount
	if prefetch <= 0 {
		prefetch = c.defaultPrefetch
	}

	tag := fmt.Sprintf("%s-%s", queue, uuid.New().String()[:8])

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		c.pool.Put(ch)
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "set qos",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Put(ch)
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	state := &consumerState{
		queue:       queue,
		consumerTag: tag,
		channel:     ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.activeConsumers.Store(queue, state)

	go c.dispatch(consumerCtx, state, deliveries, fn)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", prefetch,
	)

	return nil
}

// dispatch feeds deliveries to fn until the subscription stops.
func (c *Consumer) dispatch(ctx context.Context, state *consumerState, deliveries <-chan amqp.Delivery, fn DeliveryFunc) {
	defer func() {
		close(state.done)
		c.pool.Put(state.channel)
		c.activeConsumers.Delete(state.queue)
		c.logger.Info("consumer stopped", "queue", state.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			c.stopDelivery(state, deliveries, fn)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", state.queue)
				return
			}
			fn(delivery)
		}
	}
}

// stopDelivery cancels the consumer on the broker and drains in-flight
// deliveries so the channel is clean before returning to the pool.
func (c *Consumer) stopDelivery(state *consumerState, deliveries <-chan amqp.Delivery, fn DeliveryFunc) {
	if err := state.channel.Cancel(state.consumerTag, false); err != nil {
		c.logger.Error("failed to cancel consumer",
			"queue", state.queue,
			"consumerTag", state.consumerTag,
			"error", err,
		)
		return
	}

	for delivery := range deliveries {
		fn(delivery)
	}
}

// Unsubscribe stops consuming from a queue and waits for the dispatcher to
// finish.
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.activeConsumers.Load(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	state := value.(*consumerState)
	state.cancel()
	<-state.done

	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() error {
	var wg sync.WaitGroup

	c.activeConsumers.Range(func(key, _ interface{}) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(key.(string))
		return true
	})

	wg.Wait()
	return nil
}

// ActiveQueues returns the queues currently being consumed
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.activeConsumers.Range(func(key, _ interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}

// Close stops all consumers and rejects further subscriptions
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.UnsubscribeAll()
}
