// Package inmemory provides a messaging.Transport backed by process-local
// state instead of a broker. It models the broker behaviors the event bus
// depends on: topic exchange routing, per-queue message TTL with
// dead-lettering on expiry, dead-lettering on rejection, and x-death
// accounting. Intended for tests and local development.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vcita/eventbus-go/messaging"
)

// Errors returned by the in-memory transport.
var (
	ErrNotConnected    = errors.New("inmemory transport: not connected")
	ErrClosed          = errors.New("inmemory transport: closed")
	ErrUnknownExchange = errors.New("inmemory transport: unknown exchange")
	ErrUnknownQueue    = errors.New("inmemory transport: unknown queue")
)

// Transport implements messaging.Transport entirely in memory. A single
// mutex guards all broker state; handler callbacks run outside the lock on
// one dispatch goroutine per subscribed queue, so per-queue ordering holds.
type Transport struct {
	mu        sync.Mutex
	exchanges map[string]*exchangeState
	queues    map[string]*queueState
	connected bool
	closed    bool
	logger    *slog.Logger
}

type exchangeState struct {
	kind     string
	bindings []binding
}

type binding struct {
	queue   string
	pattern string
}

type queueState struct {
	name    string
	args    map[string]interface{}
	pending []*parkedMessage

	// Consumer state, nil/closed when nobody is subscribed.
	handler messaging.DeliveryHandler
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// parkedMessage is one message sitting in one queue. Copies are made per
// destination queue on routing so death histories never alias.
type parkedMessage struct {
	body       []byte
	headers    map[string]interface{}
	exchange   string
	routingKey string
	timer      *time.Timer
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithTransportLogger sets the logger
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates an empty in-memory transport
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		exchanges: make(map[string]*exchangeState),
		queues:    make(map[string]*queueState),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Connect marks the transport usable. Declared topology survives
// reconnects.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.connected = true
	return nil
}

// IsConnected reports whether Connect has been called
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// Publisher returns the transport's publisher side
func (t *Transport) Publisher() messaging.TransportPublisher {
	return publisherHandle{transport: t}
}

// Subscriber returns the transport's subscriber side
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return subscriberHandle{transport: t}
}

// DeclareTopology declares exchanges, queues, and bindings. Redeclaring an
// existing entity with identical properties is a no-op; changed properties
// are an error, matching broker precondition failures.
func (t *Transport) DeclareTopology(ctx context.Context, declaration messaging.TopologyDeclaration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usableLocked(); err != nil {
		return err
	}

	for _, spec := range declaration.Exchanges {
		kind := spec.Kind
		if kind == "" {
			kind = "topic"
		}
		if existing, ok := t.exchanges[spec.Name]; ok {
			if existing.kind != kind {
				return fmt.Errorf("inmemory: exchange %q already declared as %s", spec.Name, existing.kind)
			}
			continue
		}
		t.exchanges[spec.Name] = &exchangeState{kind: kind}
	}

	for _, spec := range declaration.Queues {
		if existing, ok := t.queues[spec.Name]; ok {
			if !argsEqual(existing.args, spec.Args) {
				return fmt.Errorf("inmemory: queue %q already declared with different arguments", spec.Name)
			}
			continue
		}
		t.queues[spec.Name] = &queueState{name: spec.Name, args: spec.Args}
	}

	for _, spec := range declaration.Bindings {
		exchange, ok := t.exchanges[spec.Exchange]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownExchange, spec.Exchange)
		}
		if _, ok := t.queues[spec.Queue]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownQueue, spec.Queue)
		}
		if exchange.bound(spec.Queue, spec.RoutingKey) {
			continue
		}
		exchange.bindings = append(exchange.bindings, binding{queue: spec.Queue, pattern: spec.RoutingKey})
	}

	return nil
}

// Close stops all consumers, cancels pending TTL timers, and rejects
// further use. Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false

	var waits []chan struct{}
	for _, q := range t.queues {
		for _, m := range q.pending {
			if m.timer != nil {
				m.timer.Stop()
				m.timer = nil
			}
		}
		if q.handler != nil {
			close(q.done)
			waits = append(waits, q.stopped)
			q.detachLocked()
		}
	}
	t.mu.Unlock()

	for _, stopped := range waits {
		<-stopped
	}
	return nil
}

// Depth returns how many messages are parked in a queue
func (t *Transport) Depth(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[queue]
	if !ok {
		return 0
	}
	return len(q.pending)
}

// Purge discards all parked messages in a queue and returns how many were
// dropped
func (t *Transport) Purge(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[queue]
	if !ok {
		return 0
	}
	purged := len(q.pending)
	for _, m := range q.pending {
		if m.timer != nil {
			m.timer.Stop()
		}
	}
	q.pending = nil
	return purged
}

func (t *Transport) publish(ctx context.Context, exchangeName, routingKey string, msg messaging.OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usableLocked(); err != nil {
		return err
	}
	if _, ok := t.exchanges[exchangeName]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownExchange, exchangeName)
	}

	t.routeLocked(exchangeName, routingKey, &parkedMessage{
		body:       msg.Body,
		headers:    copyHeaders(msg.Headers),
		routingKey: routingKey,
	})
	return nil
}

// routeLocked fans a message out to every queue whose binding matches.
// Unroutable messages are dropped, as a broker drops unroutable
// non-mandatory publishes.
func (t *Transport) routeLocked(exchangeName, routingKey string, m *parkedMessage) {
	exchange, ok := t.exchanges[exchangeName]
	if !ok {
		t.logger.Debug("message dropped, exchange missing",
			slog.String("exchange", exchangeName),
			slog.String("routing_key", routingKey))
		return
	}

	delivered := make(map[string]bool)
	for _, b := range exchange.bindings {
		if delivered[b.queue] || !exchange.matches(b.pattern, routingKey) {
			continue
		}
		q, ok := t.queues[b.queue]
		if !ok {
			continue
		}
		delivered[b.queue] = true
		t.enqueueLocked(q, m.copyTo(exchangeName, routingKey))
	}

	if len(delivered) == 0 {
		t.logger.Debug("message dropped, no matching binding",
			slog.String("exchange", exchangeName),
			slog.String("routing_key", routingKey))
	}
}

func (t *Transport) enqueueLocked(q *queueState, m *parkedMessage) {
	if q.handler == nil {
		t.scheduleExpiryLocked(q, m)
	}
	q.pending = append(q.pending, m)
	q.wake()
}

// scheduleExpiryLocked arms the queue's message TTL. Only parked messages
// expire; queues with an active consumer deliver instead.
func (t *Transport) scheduleExpiryLocked(q *queueState, m *parkedMessage) {
	ttl, ok := messageTTL(q.args)
	if !ok {
		return
	}
	name := q.name
	m.timer = time.AfterFunc(ttl, func() {
		t.expire(name, m)
	})
}

// expire dead-letters a message whose TTL elapsed while parked. The message
// may have been consumed or purged since the timer was armed.
func (t *Transport) expire(queueName string, m *parkedMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	q, ok := t.queues[queueName]
	if !ok {
		return
	}
	for i, pending := range q.pending {
		if pending == m {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			t.deadLetterLocked(q, m, "expired")
			return
		}
	}
}

// deadLetterLocked records the death and forwards the message to the
// queue's dead-letter exchange. Without one the message is dropped.
func (t *Transport) deadLetterLocked(q *queueState, m *parkedMessage, reason string) {
	recordDeath(m, q.name, reason)

	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		t.logger.Debug("message dropped, no dead letter exchange",
			slog.String("queue", q.name),
			slog.String("reason", reason))
		return
	}

	key := m.routingKey
	if override, ok := q.args["x-dead-letter-routing-key"].(string); ok && override != "" {
		key = override
	}
	t.routeLocked(dlx, key, m)
}

func (t *Transport) subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usableLocked(); err != nil {
		return err
	}
	q, ok := t.queues[queue]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	if q.handler != nil {
		return fmt.Errorf("inmemory: already subscribed to queue %q", queue)
	}

	q.handler = handler
	q.notify = make(chan struct{}, 1)
	q.done = make(chan struct{})
	q.stopped = make(chan struct{})

	// Parked messages stop aging once a consumer can drain them.
	for _, m := range q.pending {
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
	}
	q.wake()

	go t.dispatch(ctx, q, handler, q.notify, q.done, q.stopped)
	return nil
}

// dispatch delivers parked messages to the handler one at a time until the
// subscription or the context ends.
func (t *Transport) dispatch(ctx context.Context, q *queueState, handler messaging.DeliveryHandler, notify, done, stopped chan struct{}) {
	defer close(stopped)

	for {
		t.mu.Lock()
		var m *parkedMessage
		if len(q.pending) > 0 {
			m = q.pending[0]
			q.pending = q.pending[1:]
		}
		t.mu.Unlock()

		if m == nil {
			select {
			case <-notify:
				continue
			case <-done:
				return
			case <-ctx.Done():
				t.detach(q.name, done)
				return
			}
		}

		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		handler(&delivery{transport: t, queue: q.name, msg: m})

		select {
		case <-done:
			return
		default:
		}
	}
}

func (t *Transport) unsubscribe(queue string) error {
	t.mu.Lock()
	q, ok := t.queues[queue]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	if q.handler == nil {
		t.mu.Unlock()
		return nil
	}
	close(q.done)
	stopped := q.stopped
	q.detachLocked()
	for _, m := range q.pending {
		t.scheduleExpiryLocked(q, m)
	}
	t.mu.Unlock()

	<-stopped
	return nil
}

func (t *Transport) stopConsumers() error {
	t.mu.Lock()
	var waits []chan struct{}
	for _, q := range t.queues {
		if q.handler == nil {
			continue
		}
		close(q.done)
		waits = append(waits, q.stopped)
		q.detachLocked()
		for _, m := range q.pending {
			t.scheduleExpiryLocked(q, m)
		}
	}
	t.mu.Unlock()

	for _, stopped := range waits {
		<-stopped
	}
	return nil
}

// detach clears consumer state after a context-cancelled dispatch loop
// exits on its own.
func (t *Transport) detach(queue string, done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[queue]
	if !ok || q.done != done {
		return
	}
	q.detachLocked()
	for _, m := range q.pending {
		t.scheduleExpiryLocked(q, m)
	}
}

// reject settles a delivered message: requeue puts it back at the head of
// its queue, otherwise it dead-letters with reason "rejected".
func (t *Transport) reject(queue string, m *parkedMessage, requeue bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[queue]
	if !ok {
		return nil
	}
	if requeue {
		if q.handler == nil {
			t.scheduleExpiryLocked(q, m)
		}
		q.pending = append([]*parkedMessage{m}, q.pending...)
		q.wake()
		return nil
	}
	t.deadLetterLocked(q, m, "rejected")
	return nil
}

func (t *Transport) usableLocked() error {
	if t.closed {
		return ErrClosed
	}
	if !t.connected {
		return ErrNotConnected
	}
	return nil
}

func (e *exchangeState) matches(pattern, routingKey string) bool {
	switch e.kind {
	case "fanout":
		return true
	case "direct":
		return pattern == routingKey
	default:
		return matchTopic(pattern, routingKey)
	}
}

func (e *exchangeState) bound(queue, pattern string) bool {
	for _, b := range e.bindings {
		if b.queue == queue && b.pattern == pattern {
			return true
		}
	}
	return false
}

func (q *queueState) wake() {
	if q.notify == nil {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queueState) detachLocked() {
	q.handler = nil
	q.notify = nil
	q.done = nil
	q.stopped = nil
}

func (m *parkedMessage) copyTo(exchange, routingKey string) *parkedMessage {
	return &parkedMessage{
		body:       m.body,
		headers:    copyHeaders(m.headers),
		exchange:   exchange,
		routingKey: routingKey,
	}
}

// recordDeath updates the message's x-death history the way RabbitMQ does:
// one entry per queue and reason pair, count incremented and the entry
// moved to the front on repeat deaths, first-death headers set once.
func recordDeath(m *parkedMessage, queue, reason string) {
	if m.headers == nil {
		m.headers = make(map[string]interface{})
	}

	var history []interface{}
	if raw, ok := m.headers["x-death"].([]interface{}); ok {
		history = raw
	}

	updated := false
	for i, item := range history {
		entry, ok := item.(map[string]interface{})
		if !ok || entry["queue"] != queue || entry["reason"] != reason {
			continue
		}
		if count, ok := entry["count"].(int64); ok {
			entry["count"] = count + 1
		}
		entry["time"] = time.Now()
		history = append(history[:i], history[i+1:]...)
		history = append([]interface{}{entry}, history...)
		updated = true
		break
	}

	if !updated {
		entry := map[string]interface{}{
			"queue":        queue,
			"reason":       reason,
			"count":        int64(1),
			"exchange":     m.exchange,
			"time":         time.Now(),
			"routing-keys": []interface{}{m.routingKey},
		}
		history = append([]interface{}{entry}, history...)
	}

	m.headers["x-death"] = history
	if _, ok := m.headers["x-first-death-queue"]; !ok {
		m.headers["x-first-death-queue"] = queue
		m.headers["x-first-death-reason"] = reason
		m.headers["x-first-death-exchange"] = m.exchange
	}
}

func copyHeaders(headers map[string]interface{}) map[string]interface{} {
	if headers == nil {
		return nil
	}
	copied := make(map[string]interface{}, len(headers))
	for k, v := range headers {
		if k == "x-death" {
			if raw, ok := v.([]interface{}); ok {
				copied[k] = copyDeathHistory(raw)
				continue
			}
		}
		copied[k] = v
	}
	return copied
}

func copyDeathHistory(history []interface{}) []interface{} {
	copied := make([]interface{}, 0, len(history))
	for _, item := range history {
		entry, ok := item.(map[string]interface{})
		if !ok {
			copied = append(copied, item)
			continue
		}
		entryCopy := make(map[string]interface{}, len(entry))
		for k, v := range entry {
			entryCopy[k] = v
		}
		copied = append(copied, entryCopy)
	}
	return copied
}

func messageTTL(args map[string]interface{}) (time.Duration, bool) {
	raw, ok := args["x-message-ttl"]
	if !ok {
		return 0, false
	}
	var ms int64
	switch v := raw.(type) {
	case int:
		ms = int64(v)
	case int32:
		ms = int64(v)
	case int64:
		ms = v
	case float64:
		ms = int64(v)
	default:
		return 0, false
	}
	if ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func argsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}

// publisherHandle is the transport's TransportPublisher face. Closing it is
// a no-op: publishing shares the transport's lifecycle.
type publisherHandle struct {
	transport *Transport
}

func (p publisherHandle) Publish(ctx context.Context, exchange, routingKey string, msg messaging.OutboundMessage) error {
	return p.transport.publish(ctx, exchange, routingKey, msg)
}

func (p publisherHandle) Close() error {
	return nil
}

// subscriberHandle is the transport's TransportSubscriber face. Closing it
// stops every consumer but leaves queues and parked messages intact.
type subscriberHandle struct {
	transport *Transport
}

func (s subscriberHandle) Subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) error {
	return s.transport.subscribe(ctx, queue, handler, options)
}

func (s subscriberHandle) Unsubscribe(queue string) error {
	return s.transport.unsubscribe(queue)
}

func (s subscriberHandle) Close() error {
	return s.transport.stopConsumers()
}

// delivery implements messaging.TransportDelivery for one handed-out
// message. A delivery settles exactly once.
type delivery struct {
	transport *Transport
	queue     string
	msg       *parkedMessage

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Body() []byte {
	return d.msg.body
}

func (d *delivery) Headers() map[string]interface{} {
	return copyHeaders(d.msg.headers)
}

func (d *delivery) RoutingKey() string {
	return d.msg.routingKey
}

func (d *delivery) Acknowledge() error {
	return d.settle(func() error { return nil })
}

func (d *delivery) Reject(requeue bool) error {
	return d.settle(func() error {
		return d.transport.reject(d.queue, d.msg, requeue)
	})
}

func (d *delivery) settle(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled {
		return errors.New("inmemory: delivery already settled")
	}
	d.settled = true
	return fn()
}

var _ messaging.Transport = (*Transport)(nil)
var _ messaging.TransportPublisher = (publisherHandle{})
var _ messaging.TransportSubscriber = (subscriberHandle{})
var _ messaging.TransportDelivery = (*delivery)(nil)
