package messaging

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/vcita/eventbus-go/contracts"
)

// RetryPolicy is the per-subscription retry budget: how many redeliveries a
// failing message gets and how long it parks in the retry queue between them.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// SubscriptionDescriptor declares what a handler consumes. Standard
// subscriptions name a domain/entity/action triple (literals or the wildcard
// tokens * and #); legacy subscriptions carry a raw routing pattern instead.
// Descriptors are immutable for the handler's lifetime.
type SubscriptionDescriptor struct {
	Domain string
	Entity string
	Action string

	// RoutingKey selects the legacy variant when non-empty.
	RoutingKey string

	// Queue overrides the derived queue name.
	Queue string

	// Retry overrides the system-wide retry defaults.
	Retry *RetryPolicy

	// QueueArgs and ErrorQueueArgs are raw broker argument overrides merged
	// into the derived queue arguments.
	QueueArgs      map[string]interface{}
	ErrorQueueArgs map[string]interface{}
}

// IsLegacy reports whether the descriptor uses the legacy raw-pattern form.
func (d SubscriptionDescriptor) IsLegacy() bool {
	return d.RoutingKey != ""
}

// Validate checks the descriptor invariants. Standard descriptors require
// all three of domain/entity/action; legacy descriptors require a routing
// key and nothing from the standard triple. Violations surface as
// ConfigurationError at registration time, never as runtime event errors.
func (d SubscriptionDescriptor) Validate() error {
	if d.IsLegacy() {
		for _, field := range []struct{ name, value string }{
			{"domain", d.Domain},
			{"entity", d.Entity},
			{"action", d.Action},
		} {
			if err := validation.Validate(field.value, validation.Empty.Error("must be empty for legacy subscriptions")); err != nil {
				return &ConfigurationError{Field: field.name, Reason: err.Error()}
			}
		}
	} else {
		for _, field := range []struct{ name, value string }{
			{"domain", d.Domain},
			{"entity", d.Entity},
			{"action", d.Action},
		} {
			if err := validation.Validate(field.value, validation.Required.Error("is required")); err != nil {
				return &ConfigurationError{Field: field.name, Reason: err.Error()}
			}
		}
	}
	if d.Retry != nil {
		if d.Retry.MaxRetries < 0 {
			return &ConfigurationError{Field: "retry.maxRetries", Reason: "cannot be negative"}
		}
		if d.Retry.Delay < 0 {
			return &ConfigurationError{Field: "retry.delay", Reason: "cannot be negative"}
		}
	}
	return nil
}

// EventHandler processes a standard event delivery: the actor that triggered
// the event, the validated payload, and the envelope headers.
type EventHandler func(ctx context.Context, actor *contracts.Actor, payload contracts.EventPayload, headers contracts.EventHeaders) error

// LegacyHandler processes a legacy delivery: raw body and raw headers, no
// shape guarantees.
type LegacyHandler func(ctx context.Context, body []byte, headers map[string]interface{}) error

// Subscription is the opaque handle returned by subscription construction.
// It owns its derived topology once registered.
type Subscription struct {
	descriptor SubscriptionDescriptor
	handler    EventHandler
	legacy     LegacyHandler
	prefetch   int
	topology   *QueueTopology
}

// SubscriptionOption configures a subscription handle.
type SubscriptionOption func(*Subscription)

// WithPrefetch overrides the consumer prefetch count for this subscription.
func WithPrefetch(count int) SubscriptionOption {
	return func(s *Subscription) {
		s.prefetch = count
	}
}

// NewSubscription builds a handle for a standard subscription. The
// descriptor is validated here so misconfiguration fails fast, before any
// broker contact.
func NewSubscription(d SubscriptionDescriptor, handler EventHandler, opts ...SubscriptionOption) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if d.IsLegacy() {
		return nil, &ConfigurationError{Field: "routingKey", Reason: "must be empty for standard subscriptions"}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	s := &Subscription{descriptor: d, handler: handler}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewLegacySubscription builds a handle for a legacy subscription.
func NewLegacySubscription(d SubscriptionDescriptor, handler LegacyHandler, opts ...SubscriptionOption) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if !d.IsLegacy() {
		return nil, &ConfigurationError{Field: "routingKey", Reason: "is required"}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	s := &Subscription{descriptor: d, legacy: handler}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Descriptor returns the declared subscription parameters.
func (s *Subscription) Descriptor() SubscriptionDescriptor {
	return s.descriptor
}

// Topology returns the derived topology, or nil before registration.
func (s *Subscription) Topology() *QueueTopology {
	return s.topology
}

// IsLegacy reports whether this handle carries a legacy handler.
func (s *Subscription) IsLegacy() bool {
	return s.legacy != nil
}
