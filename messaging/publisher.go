package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/vcita/eventbus-go/contracts"
	"github.com/vcita/eventbus-go/internal/reliability"
)

// defaultSchemaVersion is applied when PublishInput leaves Version empty.
const defaultSchemaVersion = "v1"

// PublishInput describes one event to publish.
type PublishInput struct {
	EntityType string
	EventType  contracts.EventType
	Data       interface{}
	Actor      *contracts.Actor
	PrevData   interface{}

	// Version selects the payload schema version, default "v1".
	Version string

	// Domain overrides the publisher's default domain.
	Domain string
}

// EventPublisher validates events, wraps them in the envelope contract, and
// submits them to the main exchange. Validation failures return
// synchronously; transport failures surface after the retry policy gives up.
type EventPublisher struct {
	publisher      TransportPublisher
	exchange       string
	source         string
	defaultDomain  string
	defaultVersion string
	retryPolicy    reliability.RetryPolicy
	logger         *slog.Logger
	metrics        MetricsCollector
}

// EventPublisherOption configures the EventPublisher
type EventPublisherOption func(*EventPublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) EventPublisherOption {
	return func(p *EventPublisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(collector MetricsCollector) EventPublisherOption {
	return func(p *EventPublisher) {
		p.metrics = collector
	}
}

// WithPublishRetryPolicy sets the retry policy for transport submission
func WithPublishRetryPolicy(policy reliability.RetryPolicy) EventPublisherOption {
	return func(p *EventPublisher) {
		p.retryPolicy = policy
	}
}

// WithSchemaVersion sets the default payload schema version
func WithSchemaVersion(version string) EventPublisherOption {
	return func(p *EventPublisher) {
		p.defaultVersion = version
	}
}

// NewEventPublisher creates a new event publisher. Events go to exchange
// with source stamped on every envelope; defaultDomain applies when the
// input does not name one.
func NewEventPublisher(publisher TransportPublisher, exchange, source, defaultDomain string, options ...EventPublisherOption) *EventPublisher {
	p := &EventPublisher{
		publisher:      publisher,
		exchange:       exchange,
		source:         source,
		defaultDomain:  defaultDomain,
		defaultVersion: defaultSchemaVersion,
		retryPolicy:    reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 3),
		logger:         slog.Default(),
		metrics:        NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish validates input, builds the envelope, and submits it under
// DeriveRoutingKey(domain, entityType, eventType).
func (p *EventPublisher) Publish(ctx context.Context, input PublishInput) error {
	if err := validateInput(input); err != nil {
		return err
	}

	domain := input.Domain
	if domain == "" {
		domain = p.defaultDomain
	}
	version := input.Version
	if version == "" {
		version = p.defaultVersion
	}

	routingKey := DeriveRoutingKey(domain, input.EntityType, string(input.EventType))
	headers := contracts.NewEventHeaders(
		input.EntityType,
		input.EventType,
		p.source,
		traceIDFromSpan(ctx),
		input.Actor,
		version,
	)

	payload := contracts.EventPayload{
		Data:      input.Data,
		PrevData:  input.PrevData,
		SchemaRef: contracts.SchemaRef(input.EntityType, version),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &ValidationError{
			Code:    ValidationInvalidPayload,
			Message: fmt.Sprintf("data is not JSON-serializable: %v", err),
		}
	}

	msg := OutboundMessage{
		Headers:     headers.HeaderTable(),
		Body:        body,
		ContentType: "application/json",
	}

	err = reliability.Retry(ctx, p.retryPolicy, func() error {
		return p.publisher.Publish(ctx, p.exchange, routingKey, msg)
	})
	p.metrics.RecordPublish(p.exchange, routingKey, err == nil)
	if err != nil {
		p.logger.Error("failed to publish event",
			"eventId", headers.EventID,
			"exchange", p.exchange,
			"routingKey", routingKey,
			"error", err,
		)
		return fmt.Errorf("failed to publish event to %s/%s: %w", p.exchange, routingKey, err)
	}

	p.logger.Debug("event published",
		"eventId", headers.EventID,
		"exchange", p.exchange,
		"routingKey", routingKey,
		"traceId", headers.TraceID,
	)

	return nil
}

// inputCheck pairs one publish input field with its validation rule.
type inputCheck struct {
	value interface{}
	rule  validation.Rule
}

// validateInput enforces the publish contract field by field, in a fixed
// order, so callers always see the first violation.
func validateInput(input PublishInput) error {
	checks := []inputCheck{
		{input.EntityType, validation.Required.Error("entityType is required and cannot be empty")},
		{string(input.EventType), validation.Required.Error("eventType is required and cannot be empty")},
		{input.EventType, validation.In(eventTypeValues()...).Error(
			"eventType must be one of: " + strings.Join(contracts.EventTypeNames(), ", "))},
		{input.Data, validation.NotNil.Error("data is required")},
		{input.Actor, validation.NotNil.Error("actor is required")},
	}

	if input.EventType == contracts.EventUpdated {
		checks = append(checks, inputCheck{
			input.PrevData, validation.NotNil.Error("prevData is required"),
		})
	}

	for _, check := range checks {
		if err := validation.Validate(check.value, check.rule); err != nil {
			return &ValidationError{
				Code:    ValidationInvalidInput,
				Message: err.Error(),
			}
		}
	}

	return nil
}

func eventTypeValues() []interface{} {
	types := contracts.EventTypes()
	values := make([]interface{}, len(types))
	for i, t := range types {
		values[i] = t
	}
	return values
}

// traceIDFromSpan extracts the trace id from an active span context, if any.
// Envelope construction generates one otherwise.
func traceIDFromSpan(ctx context.Context) string {
	span := trace.SpanContextFromContext(ctx)
	if span.IsValid() {
		return span.TraceID().String()
	}
	return ""
}
