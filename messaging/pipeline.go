package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/vcita/eventbus-go/contracts"
)

// ProcessingStatus is one step of the delivery state machine. Terminal
// statuses are validation_failed, processed and sent_to_error_exchange;
// retried deliveries come back and run the machine again.
type ProcessingStatus string

const (
	StatusReceived            ProcessingStatus = "received"
	StatusValidationFailed    ProcessingStatus = "validation_failed"
	StatusProcessed           ProcessingStatus = "processed"
	StatusRetried             ProcessingStatus = "retried"
	StatusSentToErrorExchange ProcessingStatus = "sent_to_error_exchange"
)

type ctxKey int

const ctxKeyTraceID ctxKey = iota

// TraceIDFromContext returns the trace id of the delivery being processed,
// or empty outside a delivery context.
func TraceIDFromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKeyTraceID).(string); ok {
		return traceID
	}
	return ""
}

// pipeline wraps one subscription's handler: envelope validation, timing,
// status emission and failure classification. One pipeline instance serves
// all deliveries of its queue; per-delivery state lives on the stack so
// concurrent deliveries never share context.
type pipeline struct {
	sub        *Subscription
	topology   QueueTopology
	dispatcher *FailureDispatcher
	metrics    MetricsCollector
	logger     *slog.Logger
	baseCtx    context.Context
}

func newPipeline(baseCtx context.Context, sub *Subscription, dispatcher *FailureDispatcher, metrics MetricsCollector, logger *slog.Logger) *pipeline {
	return &pipeline{
		sub:        sub,
		topology:   *sub.topology,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		baseCtx:    baseCtx,
	}
}

// Handle processes one delivery through the state machine:
// received, then validation_failed, processed, retried or
// sent_to_error_exchange. It never lets an error escape to the transport;
// delivery is push-based and has no synchronous caller.
func (p *pipeline) Handle(delivery TransportDelivery) {
	start := time.Now()
	headers := contracts.HeadersFromTable(delivery.Headers())
	labels := ResolveLabels(p.sub.descriptor, delivery.RoutingKey())

	ctx := context.WithValue(p.baseCtx, ctxKeyTraceID, headers.TraceID)
	logger := p.logger.With(
		"queue", p.topology.QueueName,
		"routingKey", delivery.RoutingKey(),
		"eventId", headers.EventID,
		"traceId", headers.TraceID,
	)

	p.metrics.RecordStatus(labels, StatusReceived)
	logger.Debug("event received")

	var handlerErr error
	if p.sub.IsLegacy() {
		handlerErr = p.sub.legacy(ctx, delivery.Body(), delivery.Headers())
	} else {
		payload, verr := validateEnvelope(headers, delivery.Body())
		if verr != nil {
			p.metrics.RecordStatus(labels, StatusValidationFailed)
			p.metrics.RecordFailure(labels, verr.Code)
			logger.Warn("envelope validation failed", "code", verr.Code, "error", verr)
			p.dispatcher.HandleFailure(ctx, delivery, p.topology, verr)
			return
		}
		handlerErr = p.sub.handler(ctx, headers.Actor, payload, headers)
	}

	if handlerErr == nil {
		duration := time.Since(start)
		if err := delivery.Acknowledge(); err != nil {
			logger.Error("failed to acknowledge processed event", "error", err)
		}
		p.metrics.RecordStatus(labels, StatusProcessed)
		p.metrics.RecordDuration(labels, duration)
		logger.Debug("event processed", "durationMs", duration.Milliseconds())
		return
	}

	cause := handlerErr
	if !IsTerminal(cause) {
		attempt := CurrentAttempt(
			ParseDeathHistory(delivery.Headers()),
			FirstDeathQueue(delivery.Headers(), p.topology.QueueName),
		)
		cause = &RetryableError{Attempt: attempt, Err: handlerErr}
	}
	p.metrics.RecordFailure(labels, failureType(cause))

	switch p.dispatcher.HandleFailure(ctx, delivery, p.topology, cause) {
	case OutcomeRetried:
		p.metrics.RecordStatus(labels, StatusRetried)
	case OutcomeSentToError:
		p.metrics.RecordStatus(labels, StatusSentToErrorExchange)
	}
}

// validateEnvelope enforces the standard-subscription envelope shape: a
// non-empty actor and a payload carrying data and schema_ref. Legacy
// subscriptions never get here. Failures are terminal by construction.
func validateEnvelope(headers contracts.EventHeaders, body []byte) (contracts.EventPayload, *ValidationError) {
	if headers.Actor.IsEmpty() {
		return contracts.EventPayload{}, &ValidationError{
			Code:    ValidationMissingActor,
			Message: "missing actor in event headers",
		}
	}
	var payload contracts.EventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return contracts.EventPayload{}, &ValidationError{
			Code:    ValidationInvalidPayload,
			Message: "event payload is not valid JSON",
		}
	}
	if payload.Data == nil || payload.SchemaRef == "" {
		return contracts.EventPayload{}, &ValidationError{
			Code:    ValidationInvalidPayload,
			Message: "event payload must carry data and schema_ref",
		}
	}
	return payload, nil
}

func failureType(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	if IsTerminal(err) {
		return "terminal"
	}
	return "retryable"
}
