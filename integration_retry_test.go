package eventbus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcita/eventbus-go/contracts"
	"github.com/vcita/eventbus-go/messaging"
	"github.com/vcita/eventbus-go/metrics"
	"github.com/vcita/eventbus-go/transports/inmemory"
)

// busConfig is the end-to-end test configuration: a short retry delay so
// the full dead-letter loop runs in milliseconds.
func busConfig() Config {
	cfg := validConfig()
	cfg.DefaultMaxRetries = 2
	cfg.DefaultRetryDelay = 30 * time.Millisecond
	return cfg
}

func newBus(t *testing.T, options ...ClientOption) (*Client, *inmemory.Transport) {
	t.Helper()
	transport := inmemory.NewTransport()
	client, err := New(busConfig(), append([]ClientOption{WithTransport(transport)}, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Connect(context.Background()))
	return client, transport
}

func registerHandler(t *testing.T, client *Client, d messaging.SubscriptionDescriptor, handler messaging.EventHandler) *messaging.Subscription {
	t.Helper()
	sub, err := messaging.NewSubscription(d, handler)
	require.NoError(t, err)
	require.NoError(t, client.Subscriptions().Register(context.Background(), sub))
	return sub
}

func invoiceDescriptor() messaging.SubscriptionDescriptor {
	return messaging.SubscriptionDescriptor{
		Domain: "billing",
		Entity: "invoice",
		Action: "created",
	}
}

func publishInvoice(t *testing.T, client *Client) {
	t.Helper()
	err := client.Publisher().Publish(context.Background(), messaging.PublishInput{
		EntityType: "invoice",
		EventType:  contracts.EventCreated,
		Data:       map[string]interface{}{"invoice_id": "inv-42", "total": 1290},
		Actor:      &contracts.Actor{ID: "usr-7", Type: "staff"},
	})
	require.NoError(t, err)
}

// awaitDepth polls until the queue holds exactly want messages.
func awaitDepth(t *testing.T, transport *inmemory.Transport, queue string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if transport.Depth(queue) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("queue %s never reached depth %d, have %d", queue, want, transport.Depth(queue))
}

// drainErrorQueue consumes one message from the error queue and returns its
// broker headers.
func drainErrorQueue(t *testing.T, client *Client, queue string) map[string]interface{} {
	t.Helper()
	received := make(chan map[string]interface{}, 1)
	err := client.Transport().Subscriber().Subscribe(context.Background(), queue, func(delivery messaging.TransportDelivery) {
		headers := delivery.Headers()
		if err := delivery.Acknowledge(); err != nil {
			t.Errorf("failed to acknowledge error queue delivery: %v", err)
		}
		received <- headers
	}, messaging.SubscriptionOptions{})
	require.NoError(t, err)

	select {
	case headers := <-received:
		return headers
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery arrived on %s", queue)
		return nil
	}
}

func scrapeMetrics(t *testing.T, collector *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func awaitMetric(t *testing.T, collector *metrics.Collector, series string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(scrapeMetrics(t, collector), series) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("metric series never appeared: %s", series)
}

func TestEventRoundtrip(t *testing.T) {
	client, _ := newBus(t)

	type received struct {
		actor   *contracts.Actor
		payload contracts.EventPayload
		headers contracts.EventHeaders
	}
	got := make(chan received, 1)

	sub := registerHandler(t, client, invoiceDescriptor(), func(ctx context.Context, actor *contracts.Actor, payload contracts.EventPayload, headers contracts.EventHeaders) error {
		got <- received{actor: actor, payload: payload, headers: headers}
		return nil
	})
	assert.Equal(t, "billing-worker.billing.invoice.created", sub.Topology().QueueName)
	assert.Equal(t, "billing.invoice.created", sub.Topology().BindingKey)

	publishInvoice(t, client)

	select {
	case r := <-got:
		assert.Equal(t, "usr-7", r.actor.ID)
		assert.Equal(t, "staff", r.actor.Type)
		assert.Equal(t, "invoice@v1", r.payload.SchemaRef)
		assert.Equal(t, map[string]interface{}{"invoice_id": "inv-42", "total": float64(1290)}, r.payload.Data)
		assert.Equal(t, "invoice", r.headers.EntityType)
		assert.Equal(t, contracts.EventCreated, r.headers.EventType)
		assert.Equal(t, "billing-worker", r.headers.Source)
		assert.NotEmpty(t, r.headers.EventID)
		assert.NotEmpty(t, r.headers.TraceID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRetryThenSuccess(t *testing.T) {
	collector := metrics.NewCollector(metrics.WithRegisterer(prometheus.NewRegistry()))
	client, transport := newBus(t, WithMetricsCollector(collector))

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})

	sub := registerHandler(t, client, invoiceDescriptor(), func(ctx context.Context, actor *contracts.Actor, payload contracts.EventPayload, headers contracts.EventHeaders) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return errors.New("transient db timeout")
		}
		close(done)
		return nil
	})

	publishInvoice(t, client)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event was never processed")
	}

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
	assert.Equal(t, 0, transport.Depth(sub.Topology().ErrorQueueName))

	awaitMetric(t, collector, `eventbus_events_total{action="created",domain="billing",entity="invoice",status="processed"} 1`)
	body := scrapeMetrics(t, collector)
	assert.Contains(t, body, `eventbus_events_total{action="created",domain="billing",entity="invoice",status="received"} 3`)
	assert.Contains(t, body, `eventbus_events_total{action="created",domain="billing",entity="invoice",status="retried"} 2`)
	assert.Contains(t, body, `eventbus_event_failures_total{action="created",domain="billing",entity="invoice",error_type="retryable"} 2`)
	assert.Contains(t, body, `eventbus_event_processing_seconds_count{action="created",domain="billing",entity="invoice"} 1`)
	assert.Contains(t, body, `eventbus_publishes_total{exchange="events",success="true"} 1`)
}

func TestRetryBudgetExhausted(t *testing.T) {
	client, transport := newBus(t)

	var mu sync.Mutex
	calls := 0

	sub := registerHandler(t, client, invoiceDescriptor(), func(ctx context.Context, actor *contracts.Actor, payload contracts.EventPayload, headers contracts.EventHeaders) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("transient db timeout")
	})

	publishInvoice(t, client)
	awaitDepth(t, transport, sub.Topology().ErrorQueueName, 1)

	// first attempt plus the two retries
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
	assert.Equal(t, 0, transport.Depth(sub.Topology().QueueName))

	headers := drainErrorQueue(t, client, sub.Topology().ErrorQueueName)
	assert.Equal(t, "transient db timeout", headers[messaging.HeaderOriginalError])
	assert.NotContains(t, headers, messaging.HeaderTerminalError)
	assert.Contains(t, headers, messaging.HeaderLatestRetryTimestamp)

	history := messaging.ParseDeathHistory(headers)
	assert.Equal(t, 3, messaging.CurrentAttempt(history, sub.Topology().QueueName))
}

func TestTerminalErrorSkipsRetry(t *testing.T) {
	client, transport := newBus(t)

	var mu sync.Mutex
	calls := 0

	sub := registerHandler(t, client, invoiceDescriptor(), func(ctx context.Context, actor *contracts.Actor, payload contracts.EventPayload, headers contracts.EventHeaders) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return messaging.NewTerminalError("invoice record missing")
	})

	publishInvoice(t, client)
	awaitDepth(t, transport, sub.Topology().ErrorQueueName, 1)

	// a retry hop would have landed within the 30ms TTL window
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Equal(t, 0, transport.Depth(sub.Topology().RetryQueueName))

	headers := drainErrorQueue(t, client, sub.Topology().ErrorQueueName)
	assert.Equal(t, true, headers[messaging.HeaderTerminalError])
	assert.Equal(t, "invoice record missing", headers[messaging.HeaderOriginalError])
}

func TestMalformedEventGoesToErrorQueue(t *testing.T) {
	client, transport := newBus(t)

	handled := make(chan struct{}, 2)
	sub := registerHandler(t, client, invoiceDescriptor(), func(ctx context.Context, actor *contracts.Actor, payload contracts.EventPayload, headers contracts.EventHeaders) error {
		handled <- struct{}{}
		return nil
	})
	errorQueue := sub.Topology().ErrorQueueName

	t.Run("body is not JSON", func(t *testing.T) {
		headers := contracts.NewEventHeaders("invoice", contracts.EventCreated, "tester", "", &contracts.Actor{ID: "usr-7"}, "v1")
		err := client.Transport().Publisher().Publish(context.Background(), "events", "billing.invoice.created", messaging.OutboundMessage{
			Headers:     headers.HeaderTable(),
			Body:        []byte("not json"),
			ContentType: "application/json",
		})
		require.NoError(t, err)
		awaitDepth(t, transport, errorQueue, 1)
	})

	t.Run("missing actor", func(t *testing.T) {
		headers := contracts.NewEventHeaders("invoice", contracts.EventCreated, "tester", "", nil, "v1")
		err := client.Transport().Publisher().Publish(context.Background(), "events", "billing.invoice.created", messaging.OutboundMessage{
			Headers:     headers.HeaderTable(),
			Body:        []byte(`{"data":{"invoice_id":"inv-42"},"schema_ref":"invoice@v1"}`),
			ContentType: "application/json",
		})
		require.NoError(t, err)
		awaitDepth(t, transport, errorQueue, 2)
	})

	select {
	case <-handled:
		t.Fatal("handler must not run for an invalid envelope")
	default:
	}
}

func TestWildcardSubscription(t *testing.T) {
	client, _ := newBus(t)

	got := make(chan string, 4)
	registerHandler(t, client, messaging.SubscriptionDescriptor{
		Domain: "billing",
		Entity: "*",
		Action: "#",
	}, func(ctx context.Context, actor *contracts.Actor, payload contracts.EventPayload, headers contracts.EventHeaders) error {
		got <- headers.EntityType + ":" + string(headers.EventType)
		return nil
	})

	publishInvoice(t, client)
	err := client.Publisher().Publish(context.Background(), messaging.PublishInput{
		EntityType: "payment",
		EventType:  contracts.EventUpdated,
		Data:       map[string]interface{}{"status": "settled"},
		PrevData:   map[string]interface{}{"status": "pending"},
		Actor:      &contracts.Actor{ID: "usr-7"},
	})
	require.NoError(t, err)

	// a different domain falls outside the binding pattern
	err = client.Publisher().Publish(context.Background(), messaging.PublishInput{
		EntityType: "client",
		EventType:  contracts.EventCreated,
		Data:       map[string]interface{}{"client_id": "cl-9"},
		Actor:      &contracts.Actor{ID: "usr-7"},
		Domain:     "crm",
	})
	require.NoError(t, err)

	received := make([]string, 0, 2)
	for len(received) < 2 {
		select {
		case event := <-got:
			received = append(received, event)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 2 events delivered", len(received))
		}
	}
	assert.ElementsMatch(t, []string{"invoice:created", "payment:updated"}, received)

	time.Sleep(50 * time.Millisecond)
	select {
	case event := <-got:
		t.Fatalf("unexpected delivery for %s", event)
	default:
	}
}

func TestLegacySubscription(t *testing.T) {
	client, _ := newBus(t)

	type rawDelivery struct {
		body    []byte
		headers map[string]interface{}
	}
	got := make(chan rawDelivery, 1)

	sub, err := messaging.NewLegacySubscription(messaging.SubscriptionDescriptor{
		RoutingKey: "notifications.#",
	}, func(ctx context.Context, body []byte, headers map[string]interface{}) error {
		got <- rawDelivery{body: body, headers: headers}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, client.Subscriptions().Register(context.Background(), sub))
	assert.Equal(t, "legacy.billing-worker.notifications.#", sub.Topology().QueueName)

	err = client.Transport().Publisher().Publish(context.Background(), "legacy-events", "notifications.email.sent", messaging.OutboundMessage{
		Headers:     map[string]interface{}{"origin": "mailer"},
		Body:        []byte(`{"template":"welcome"}`),
		ContentType: "application/json",
	})
	require.NoError(t, err)

	select {
	case d := <-got:
		assert.JSONEq(t, `{"template":"welcome"}`, string(d.body))
		assert.Equal(t, "mailer", d.headers["origin"])
	case <-time.After(2 * time.Second):
		t.Fatal("legacy delivery not received")
	}
}
