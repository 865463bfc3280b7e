// Package messaging implements the event bus core on top of a pluggable
// broker transport.
//
// The package covers both directions of the bus:
//   - EventPublisher: validated event publishing with envelope headers,
//     routing key derivation, and retried broker submission
//   - SubscriptionManager: explicit subscription registration with queue
//     topology planning, idempotent broker assertion, and consumer startup
//   - FailureDispatcher: terminal-versus-retryable classification, TTL-based
//     delayed retries through the broker's dead-letter chain, and error
//     exchange parking with diagnostic headers
//   - Processing pipeline: per-delivery envelope validation, handler timing,
//     and the received/processed/retried/sent_to_error_exchange status machine
//
// Key conventions:
//   - Routing keys are {domain}.{entityType}.{eventType}, lowercased
//   - Queue names are {appName}.{domain}.{entity}.{action}; each queue owns a
//     retry queue, a requeue exchange, and an error queue
//   - Retry counting reads the broker's x-death history; no retry state is
//     kept in process
//   - Handlers mark unrecoverable failures with NewTerminalError or
//     AsTerminal; every other handler error is retried within the
//     subscription's budget
//
// Example usage:
//
//	publisher := messaging.NewEventPublisher(transport.Publisher(), "events", "billing", "crm")
//	err := publisher.Publish(ctx, messaging.PublishInput{
//		EntityType: "client",
//		EventType:  contracts.EventCreated,
//		Data:       client,
//		Actor:      &contracts.Actor{ID: "staff-7"},
//	})
//
//	sub, err := messaging.NewSubscription(
//		messaging.SubscriptionDescriptor{Domain: "crm", Entity: "client", Action: "created"},
//		func(ctx context.Context, actor *contracts.Actor, payload contracts.EventPayload, headers contracts.EventHeaders) error {
//			return process(ctx, payload)
//		})
//	manager := messaging.NewSubscriptionManager(transport, "billing")
//	err = manager.Register(ctx, sub)
//
// Transports live in transports/rabbitmq (production) and
// transports/inmemory (tests, broker-less environments).
package messaging
