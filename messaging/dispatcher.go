package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Diagnostic headers attached on every write to the error path.
const (
	HeaderLatestRetryTimestamp = "x-latest-retry-timestamp"
	HeaderOriginalError        = "x-original-error-message"
	HeaderTerminalError        = "x-terminal-error"
)

// Outcome is the dispatcher's decision for one failed delivery.
type Outcome int

const (
	// OutcomeRetried means the delivery was dead-lettered into the retry
	// loop and will come back.
	OutcomeRetried Outcome = iota + 1

	// OutcomeSentToError means the delivery was published to the error
	// exchange and removed from the main queue.
	OutcomeSentToError
)

// FailureDispatcher routes failed deliveries. Terminal failures go to the
// subscription's error exchange; retryable failures within budget are
// negatively acknowledged without requeue so the main queue's dead-letter
// binding carries them into the TTL retry loop; retryable failures past
// budget are converted to terminal.
type FailureDispatcher struct {
	publisher TransportPublisher
	logger    *slog.Logger
	metrics   MetricsCollector
}

// DispatcherOption configures the FailureDispatcher.
type DispatcherOption func(*FailureDispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *FailureDispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics collector.
func WithDispatcherMetrics(collector MetricsCollector) DispatcherOption {
	return func(d *FailureDispatcher) {
		d.metrics = collector
	}
}

// NewFailureDispatcher creates a dispatcher publishing error-path messages
// through the given transport publisher.
func NewFailureDispatcher(publisher TransportPublisher, options ...DispatcherOption) *FailureDispatcher {
	d := &FailureDispatcher{
		publisher: publisher,
		logger:    slog.Default(),
		metrics:   NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// HandleFailure decides the fate of a failed delivery and executes it. It
// never returns an error: a dispatcher failure while handling a failure is
// logged and the delivery is still acknowledged to break redelivery loops.
func (d *FailureDispatcher) HandleFailure(ctx context.Context, delivery TransportDelivery, topology QueueTopology, cause error) Outcome {
	if !IsTerminal(cause) {
		attempt := 1
		var retryable *RetryableError
		if errors.As(cause, &retryable) {
			attempt = retryable.Attempt
		}
		if attempt <= topology.Retry.MaxRetries {
			d.logger.Warn("scheduling retry",
				"queue", topology.QueueName,
				"routingKey", delivery.RoutingKey(),
				"attempt", attempt,
				"maxRetries", topology.Retry.MaxRetries,
				"error", cause,
			)
			if err := delivery.Reject(false); err != nil {
				d.logger.Error("failed to reject delivery",
					"queue", topology.QueueName,
					"error", err,
				)
			}
			return OutcomeRetried
		}
		d.logger.Warn("retry budget exhausted",
			"queue", topology.QueueName,
			"routingKey", delivery.RoutingKey(),
			"attempt", attempt,
			"maxRetries", topology.Retry.MaxRetries,
		)
	}

	d.sendToErrorExchange(ctx, delivery, topology, cause)
	return OutcomeSentToError
}

// sendToErrorExchange publishes the original message to the error exchange
// on its exact routing key, preserving body and headers and adding the
// diagnostic headers, then acknowledges the original delivery. Publishing is
// best effort: broker failure here must not resurrect the message.
func (d *FailureDispatcher) sendToErrorExchange(ctx context.Context, delivery TransportDelivery, topology QueueTopology, cause error) {
	headers := make(map[string]interface{}, len(delivery.Headers())+3)
	for k, v := range delivery.Headers() {
		headers[k] = v
	}
	headers[HeaderLatestRetryTimestamp] = time.Now().UTC().Format(time.RFC3339)
	headers[HeaderOriginalError] = originalErrorMessage(cause)
	if IsTerminal(cause) {
		headers[HeaderTerminalError] = true
	}

	err := d.publisher.Publish(ctx, topology.ErrorExchangeName, delivery.RoutingKey(), OutboundMessage{
		Headers:     headers,
		Body:        delivery.Body(),
		ContentType: "application/json",
	})
	d.metrics.RecordPublish(topology.ErrorExchangeName, delivery.RoutingKey(), err == nil)
	if err != nil {
		infra := &InfrastructureError{Op: "error exchange publish", Err: err}
		d.logger.Error("failed to publish to error exchange",
			"exchange", topology.ErrorExchangeName,
			"routingKey", delivery.RoutingKey(),
			"error", infra,
		)
	}

	if err := delivery.Acknowledge(); err != nil {
		d.logger.Error("failed to acknowledge delivery after error dispatch",
			"queue", topology.QueueName,
			"error", err,
		)
	}
}

// originalErrorMessage unwraps classification wrappers so the diagnostic
// header carries the handler's own message.
func originalErrorMessage(err error) string {
	var retryable *RetryableError
	if errors.As(err, &retryable) && retryable.Err != nil {
		return retryable.Err.Error()
	}
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return terminal.Reason
	}
	return err.Error()
}
