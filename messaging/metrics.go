package messaging

import "time"

// MetricsCollector receives processing and publishing observations. The
// Prometheus implementation lives in the metrics package; NoOpMetricsCollector
// is the default.
type MetricsCollector interface {
	// RecordStatus counts a pipeline status transition for an event.
	RecordStatus(labels EventLabels, status ProcessingStatus)

	// RecordDuration observes wall-clock processing time for a completed
	// event.
	RecordDuration(labels EventLabels, duration time.Duration)

	// RecordFailure counts a processing failure by error type.
	RecordFailure(labels EventLabels, errorType string)

	// RecordPublish counts a publish to an exchange.
	RecordPublish(exchange, routingKey string, success bool)
}

// NoOpMetricsCollector discards all observations.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordStatus(labels EventLabels, status ProcessingStatus)   {}
func (NoOpMetricsCollector) RecordDuration(labels EventLabels, duration time.Duration) {}
func (NoOpMetricsCollector) RecordFailure(labels EventLabels, errorType string)        {}
func (NoOpMetricsCollector) RecordPublish(exchange, routingKey string, success bool)   {}

var _ MetricsCollector = NoOpMetricsCollector{}
