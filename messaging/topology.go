package messaging

import (
	"time"
)

const (
	retrySuffix   = ".retry"
	requeueSuffix = ".requeue"
	errorSuffix   = ".error"

	// errorQueueTTL bounds how long failed messages stay parked for manual
	// inspection before the broker drops them.
	errorQueueTTL = 30 * 24 * time.Hour

	// matchAll is the topic pattern binding the retry queue to its exchange:
	// dead-lettered messages keep their original routing key, and every one
	// of them belongs in the retry queue.
	matchAll = "#"
)

// QueueTopology is the deterministic set of broker names and arguments
// derived for one subscription. Computed once at registration time, never
// mutated afterward.
//
// Changing the retry count or delay for an existing queue name requires
// destroying and recreating the retry queue: message TTL is fixed at queue
// creation on the broker and cannot be changed in place.
type QueueTopology struct {
	QueueName string

	// BindingKey is the topic pattern the main queue binds with. For
	// standard subscriptions it is the derived routing key (which may carry
	// wildcard tokens); legacy subscriptions bind their raw pattern.
	BindingKey string

	RetryExchangeName   string
	RetryQueueName      string
	RequeueExchangeName string
	ErrorExchangeName   string
	ErrorQueueName      string

	QueueArgs      map[string]interface{}
	RetryQueueArgs map[string]interface{}
	ErrorQueueArgs map[string]interface{}

	// Retry is the effective policy after applying system defaults.
	Retry RetryPolicy
}

// PlanTopology derives the full queue topology for a descriptor: the main
// queue, its retry exchange/queue pair (TTL-delayed redelivery), the requeue
// exchange that returns expired messages to the main queue, and the error
// exchange/queue pair for terminal failures.
//
// The planner is pure: identical inputs yield identical plans, and no state
// accumulates between calls.
func PlanTopology(d SubscriptionDescriptor, appName string, defaults RetryPolicy) (QueueTopology, error) {
	if err := d.Validate(); err != nil {
		return QueueTopology{}, err
	}

	queueName := d.Queue
	bindingKey := d.RoutingKey
	if queueName == "" {
		if d.IsLegacy() {
			queueName = "legacy." + appName + "." + d.RoutingKey
		} else {
			queueName = appName + "." + d.Domain + "." + d.Entity + "." + d.Action
		}
	}
	if !d.IsLegacy() {
		bindingKey = DeriveRoutingKey(d.Domain, d.Entity, d.Action)
	}

	retry := defaults
	if d.Retry != nil {
		retry = *d.Retry
	}

	t := QueueTopology{
		QueueName:           queueName,
		BindingKey:          bindingKey,
		RetryExchangeName:   queueName + retrySuffix,
		RetryQueueName:      queueName + retrySuffix,
		RequeueExchangeName: queueName + requeueSuffix,
		ErrorExchangeName:   queueName + errorSuffix,
		ErrorQueueName:      queueName + errorSuffix,
		Retry:               retry,
	}

	// Main queue: dead-letter into the retry exchange. Caller overrides win
	// on every key except the dead-letter exchange, which stays
	// system-controlled.
	t.QueueArgs = mergeArgs(map[string]interface{}{
		"x-dead-letter-exchange": t.RetryExchangeName,
	}, d.QueueArgs)
	t.QueueArgs["x-dead-letter-exchange"] = t.RetryExchangeName

	// Retry queue: park for the retry delay, then dead-letter into the
	// requeue exchange, which routes back to the main queue.
	t.RetryQueueArgs = map[string]interface{}{
		"x-message-ttl":          int(retry.Delay.Milliseconds()),
		"x-dead-letter-exchange": t.RequeueExchangeName,
	}

	// Error queue: long parking TTL for manual inspection.
	t.ErrorQueueArgs = mergeArgs(map[string]interface{}{
		"x-message-ttl": int64(errorQueueTTL.Milliseconds()),
	}, d.ErrorQueueArgs)

	return t, nil
}

// Declarations expands the plan into transport declarations: the three
// companion exchanges, the three queues, and the four bindings. bindExchange
// is the exchange the main queue subscribes on (main or legacy). All
// entities are durable; declaration is idempotent on the broker.
func (t QueueTopology) Declarations(bindExchange string) TopologyDeclaration {
	return TopologyDeclaration{
		Exchanges: []ExchangeSpec{
			{Name: t.RetryExchangeName, Kind: "topic", Durable: true},
			{Name: t.RequeueExchangeName, Kind: "topic", Durable: true},
			{Name: t.ErrorExchangeName, Kind: "topic", Durable: true},
		},
		Queues: []QueueSpec{
			{Name: t.QueueName, Durable: true, Args: t.QueueArgs},
			{Name: t.RetryQueueName, Durable: true, Args: t.RetryQueueArgs},
			{Name: t.ErrorQueueName, Durable: true, Args: t.ErrorQueueArgs},
		},
		Bindings: []BindingSpec{
			{Queue: t.QueueName, Exchange: bindExchange, RoutingKey: t.BindingKey},
			{Queue: t.RetryQueueName, Exchange: t.RetryExchangeName, RoutingKey: matchAll},
			{Queue: t.QueueName, Exchange: t.RequeueExchangeName, RoutingKey: t.BindingKey},
			{Queue: t.ErrorQueueName, Exchange: t.ErrorExchangeName, RoutingKey: t.BindingKey},
		},
	}
}

func mergeArgs(base, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
