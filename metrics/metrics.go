// Package metrics provides the Prometheus implementation of
// messaging.MetricsCollector, plus an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vcita/eventbus-go/messaging"
)

const namespace = "eventbus"

// Collector records event bus observations as Prometheus metrics. All
// metric names are prefixed with "eventbus_". Construct one Collector per
// registerer; promauto panics on duplicate registration.
type Collector struct {
	registerer prometheus.Registerer

	eventsTotal       *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
	failuresTotal     *prometheus.CounterVec
	publishesTotal    *prometheus.CounterVec
}

// CollectorOption configures the collector
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	registerer prometheus.Registerer
}

// WithRegisterer sets the Prometheus registerer. Defaults to the global
// default registerer.
func WithRegisterer(registerer prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) {
		c.registerer = registerer
	}
}

// NewCollector creates and registers all event bus metrics
func NewCollector(options ...CollectorOption) *Collector {
	cfg := collectorConfig{registerer: prometheus.DefaultRegisterer}
	for _, opt := range options {
		opt(&cfg)
	}

	factory := promauto.With(cfg.registerer)

	return &Collector{
		registerer: cfg.registerer,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total events observed per processing status",
		}, []string{"domain", "entity", "action", "status"}),
		processingSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "Handler processing duration per event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain", "entity", "action"}),
		failuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_failures_total",
			Help:      "Total processing failures per error type",
		}, []string{"domain", "entity", "action", "error_type"}),
		publishesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Total publish attempts per exchange and outcome",
		}, []string{"exchange", "success"}),
	}
}

// RecordStatus implements messaging.MetricsCollector
func (c *Collector) RecordStatus(labels messaging.EventLabels, status messaging.ProcessingStatus) {
	c.eventsTotal.WithLabelValues(labels.Domain, labels.Entity, labels.Action, string(status)).Inc()
}

// RecordDuration implements messaging.MetricsCollector
func (c *Collector) RecordDuration(labels messaging.EventLabels, duration time.Duration) {
	c.processingSeconds.WithLabelValues(labels.Domain, labels.Entity, labels.Action).Observe(duration.Seconds())
}

// RecordFailure implements messaging.MetricsCollector
func (c *Collector) RecordFailure(labels messaging.EventLabels, errorType string) {
	c.failuresTotal.WithLabelValues(labels.Domain, labels.Entity, labels.Action, errorType).Inc()
}

// RecordPublish implements messaging.MetricsCollector. Only the exchange
// and outcome become labels; routing keys are unbounded.
func (c *Collector) RecordPublish(exchange, routingKey string, success bool) {
	c.publishesTotal.WithLabelValues(exchange, strconv.FormatBool(success)).Inc()
}

// Handler returns an HTTP handler serving the metrics in Prometheus text
// format. When the registerer cannot gather (a wrapped registerer, for
// example), the default gatherer is served instead.
func (c *Collector) Handler() http.Handler {
	if gatherer, ok := c.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

var _ messaging.MetricsCollector = (*Collector)(nil)
