package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcita/eventbus-go/messaging"
)

func newConnected(t *testing.T) *Transport {
	t.Helper()
	transport := NewTransport()
	require.NoError(t, transport.Connect(context.Background()))
	t.Cleanup(func() { transport.Close() })
	return transport
}

func declare(t *testing.T, transport *Transport, declaration messaging.TopologyDeclaration) {
	t.Helper()
	require.NoError(t, transport.DeclareTopology(context.Background(), declaration))
}

func subscribeCollect(t *testing.T, transport *Transport, queue string) <-chan messaging.TransportDelivery {
	t.Helper()
	ch := make(chan messaging.TransportDelivery, 16)
	err := transport.Subscriber().Subscribe(context.Background(), queue, func(d messaging.TransportDelivery) {
		ch <- d
	}, messaging.SubscriptionOptions{})
	require.NoError(t, err)
	return ch
}

func awaitDelivery(t *testing.T, ch <-chan messaging.TransportDelivery) messaging.TransportDelivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestPublishRoundtrip(t *testing.T) {
	transport := newConnected(t)
	declare(t, transport, messaging.TopologyDeclaration{
		Exchanges: []messaging.ExchangeSpec{{Name: "events", Kind: "topic"}},
		Queues:    []messaging.QueueSpec{{Name: "billing"}},
		Bindings:  []messaging.BindingSpec{{Queue: "billing", Exchange: "events", RoutingKey: "billing.invoice.*"}},
	})

	deliveries := subscribeCollect(t, transport, "billing")

	err := transport.Publisher().Publish(context.Background(), "events", "billing.invoice.created", messaging.OutboundMessage{
		Body:        []byte(`{"ok":true}`),
		Headers:     map[string]interface{}{"trace_id": "t-1"},
		ContentType: "application/json",
	})
	require.NoError(t, err)

	d := awaitDelivery(t, deliveries)
	assert.Equal(t, []byte(`{"ok":true}`), d.Body())
	assert.Equal(t, "billing.invoice.created", d.RoutingKey())
	assert.Equal(t, "t-1", d.Headers()["trace_id"])
	assert.NoError(t, d.Acknowledge())

	t.Run("settling twice fails", func(t *testing.T) {
		assert.Error(t, d.Acknowledge())
	})
}

func TestWildcardRouting(t *testing.T) {
	transport := newConnected(t)
	declare(t, transport, messaging.TopologyDeclaration{
		Exchanges: []messaging.ExchangeSpec{{Name: "events", Kind: "topic"}},
		Queues:    []messaging.QueueSpec{{Name: "all-billing"}, {Name: "invoices"}},
		Bindings: []messaging.BindingSpec{
			{Queue: "all-billing", Exchange: "events", RoutingKey: "billing.#"},
			{Queue: "invoices", Exchange: "events", RoutingKey: "billing.invoice.*"},
		},
	})

	publish := func(key string) {
		err := transport.Publisher().Publish(context.Background(), "events", key, messaging.OutboundMessage{Body: []byte(key)})
		require.NoError(t, err)
	}

	publish("billing.invoice.created")
	publish("billing.payment.created")

	assert.Equal(t, 2, transport.Depth("all-billing"))
	assert.Equal(t, 1, transport.Depth("invoices"))
}

func TestPublishErrors(t *testing.T) {
	t.Run("before connect", func(t *testing.T) {
		transport := NewTransport()
		err := transport.Publisher().Publish(context.Background(), "events", "k", messaging.OutboundMessage{})
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("unknown exchange", func(t *testing.T) {
		transport := newConnected(t)
		err := transport.Publisher().Publish(context.Background(), "missing", "k", messaging.OutboundMessage{})
		assert.ErrorIs(t, err, ErrUnknownExchange)
	})

	t.Run("after close", func(t *testing.T) {
		transport := newConnected(t)
		require.NoError(t, transport.Close())
		err := transport.Publisher().Publish(context.Background(), "events", "k", messaging.OutboundMessage{})
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestDeclareTopology(t *testing.T) {
	base := messaging.TopologyDeclaration{
		Exchanges: []messaging.ExchangeSpec{{Name: "events", Kind: "topic"}},
		Queues:    []messaging.QueueSpec{{Name: "q", Args: map[string]interface{}{"x-message-ttl": 5000}}},
		Bindings:  []messaging.BindingSpec{{Queue: "q", Exchange: "events", RoutingKey: "#"}},
	}

	t.Run("redeclare is idempotent", func(t *testing.T) {
		transport := newConnected(t)
		declare(t, transport, base)
		declare(t, transport, base)
	})

	t.Run("exchange kind change fails", func(t *testing.T) {
		transport := newConnected(t)
		declare(t, transport, base)
		err := transport.DeclareTopology(context.Background(), messaging.TopologyDeclaration{
			Exchanges: []messaging.ExchangeSpec{{Name: "events", Kind: "fanout"}},
		})
		assert.Error(t, err)
	})

	t.Run("queue argument change fails", func(t *testing.T) {
		transport := newConnected(t)
		declare(t, transport, base)
		err := transport.DeclareTopology(context.Background(), messaging.TopologyDeclaration{
			Queues: []messaging.QueueSpec{{Name: "q", Args: map[string]interface{}{"x-message-ttl": 9000}}},
		})
		assert.Error(t, err)
	})

	t.Run("binding to unknown queue fails", func(t *testing.T) {
		transport := newConnected(t)
		declare(t, transport, base)
		err := transport.DeclareTopology(context.Background(), messaging.TopologyDeclaration{
			Bindings: []messaging.BindingSpec{{Queue: "ghost", Exchange: "events", RoutingKey: "#"}},
		})
		assert.ErrorIs(t, err, ErrUnknownQueue)
	})
}

func TestTTLExpiryDeadLetters(t *testing.T) {
	transport := newConnected(t)
	declare(t, transport, messaging.TopologyDeclaration{
		Exchanges: []messaging.ExchangeSpec{
			{Name: "in", Kind: "topic"},
			{Name: "after", Kind: "topic"},
		},
		Queues: []messaging.QueueSpec{
			{Name: "hold", Args: map[string]interface{}{
				"x-message-ttl":          25,
				"x-dead-letter-exchange": "after",
			}},
			{Name: "sink"},
		},
		Bindings: []messaging.BindingSpec{
			{Queue: "hold", Exchange: "in", RoutingKey: "#"},
			{Queue: "sink", Exchange: "after", RoutingKey: "#"},
		},
	})

	deliveries := subscribeCollect(t, transport, "sink")

	err := transport.Publisher().Publish(context.Background(), "in", "billing.invoice.created", messaging.OutboundMessage{
		Body: []byte("delayed"),
	})
	require.NoError(t, err)

	d := awaitDelivery(t, deliveries)
	assert.Equal(t, []byte("delayed"), d.Body())
	assert.Equal(t, "billing.invoice.created", d.RoutingKey())

	history := messaging.ParseDeathHistory(d.Headers())
	require.Len(t, history, 1)
	assert.Equal(t, "hold", history[0].Queue)
	assert.Equal(t, int64(1), history[0].Count)
	assert.Equal(t, "hold", d.Headers()["x-first-death-queue"])
	assert.Equal(t, "expired", d.Headers()["x-first-death-reason"])
	assert.NoError(t, d.Acknowledge())
}

func TestRejectDeadLetters(t *testing.T) {
	transport := newConnected(t)
	declare(t, transport, messaging.TopologyDeclaration{
		Exchanges: []messaging.ExchangeSpec{
			{Name: "events", Kind: "topic"},
			{Name: "failed", Kind: "topic"},
		},
		Queues: []messaging.QueueSpec{
			{Name: "work", Args: map[string]interface{}{"x-dead-letter-exchange": "failed"}},
			{Name: "sink"},
		},
		Bindings: []messaging.BindingSpec{
			{Queue: "work", Exchange: "events", RoutingKey: "#"},
			{Queue: "sink", Exchange: "failed", RoutingKey: "#"},
		},
	})

	work := subscribeCollect(t, transport, "work")
	sink := subscribeCollect(t, transport, "sink")

	err := transport.Publisher().Publish(context.Background(), "events", "a.b.c", messaging.OutboundMessage{Body: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, awaitDelivery(t, work).Reject(false))

	d := awaitDelivery(t, sink)
	assert.Equal(t, "rejected", d.Headers()["x-first-death-reason"])
	assert.NoError(t, d.Acknowledge())
}

func TestRejectRequeueRedelivers(t *testing.T) {
	transport := newConnected(t)
	declare(t, transport, messaging.TopologyDeclaration{
		Exchanges: []messaging.ExchangeSpec{{Name: "events", Kind: "topic"}},
		Queues:    []messaging.QueueSpec{{Name: "work"}},
		Bindings:  []messaging.BindingSpec{{Queue: "work", Exchange: "events", RoutingKey: "#"}},
	})

	deliveries := subscribeCollect(t, transport, "work")

	err := transport.Publisher().Publish(context.Background(), "events", "a.b.c", messaging.OutboundMessage{Body: []byte("again")})
	require.NoError(t, err)

	first := awaitDelivery(t, deliveries)
	require.NoError(t, first.Reject(true))

	second := awaitDelivery(t, deliveries)
	assert.Equal(t, []byte("again"), second.Body())
	assert.Empty(t, messaging.ParseDeathHistory(second.Headers()))
	assert.NoError(t, second.Acknowledge())
}

func TestRepeatedDeathIncrementsCount(t *testing.T) {
	// Dead-lettering back into the same queue exercises the count increment
	// and move-to-front behavior of the death history.
	transport := newConnected(t)
	declare(t, transport, messaging.TopologyDeclaration{
		Exchanges: []messaging.ExchangeSpec{{Name: "loop", Kind: "topic"}},
		Queues: []messaging.QueueSpec{
			{Name: "work", Args: map[string]interface{}{"x-dead-letter-exchange": "loop"}},
		},
		Bindings: []messaging.BindingSpec{{Queue: "work", Exchange: "loop", RoutingKey: "#"}},
	})

	deliveries := subscribeCollect(t, transport, "work")

	err := transport.Publisher().Publish(context.Background(), "loop", "a.b.c", messaging.OutboundMessage{Body: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, awaitDelivery(t, deliveries).Reject(false))

	second := awaitDelivery(t, deliveries)
	history := messaging.ParseDeathHistory(second.Headers())
	require.Len(t, history, 1)
	assert.Equal(t, int64(1), history[0].Count)
	require.NoError(t, second.Reject(false))

	third := awaitDelivery(t, deliveries)
	history = messaging.ParseDeathHistory(third.Headers())
	require.Len(t, history, 1)
	assert.Equal(t, "work", history[0].Queue)
	assert.Equal(t, int64(2), history[0].Count)
	assert.Equal(t, 3, messaging.CurrentAttempt(history, "work"))
	assert.NoError(t, third.Acknowledge())
}

func TestDepthAndPurge(t *testing.T) {
	transport := newConnected(t)
	declare(t, transport, messaging.TopologyDeclaration{
		Exchanges: []messaging.ExchangeSpec{{Name: "events", Kind: "topic"}},
		Queues:    []messaging.QueueSpec{{Name: "parked"}},
		Bindings:  []messaging.BindingSpec{{Queue: "parked", Exchange: "events", RoutingKey: "#"}},
	})

	for i := 0; i < 3; i++ {
		err := transport.Publisher().Publish(context.Background(), "events", "a.b.c", messaging.OutboundMessage{})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, transport.Depth("parked"))
	assert.Equal(t, 3, transport.Purge("parked"))
	assert.Equal(t, 0, transport.Depth("parked"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	transport := newConnected(t)
	declare(t, transport, messaging.TopologyDeclaration{
		Exchanges: []messaging.ExchangeSpec{{Name: "events", Kind: "topic"}},
		Queues:    []messaging.QueueSpec{{Name: "work"}},
		Bindings:  []messaging.BindingSpec{{Queue: "work", Exchange: "events", RoutingKey: "#"}},
	})

	delivered := make(chan struct{}, 1)
	err := transport.Subscriber().Subscribe(context.Background(), "work", func(d messaging.TransportDelivery) {
		delivered <- struct{}{}
		d.Acknowledge()
	}, messaging.SubscriptionOptions{})
	require.NoError(t, err)
	require.NoError(t, transport.Subscriber().Unsubscribe("work"))

	err = transport.Publisher().Publish(context.Background(), "events", "a.b.c", messaging.OutboundMessage{})
	require.NoError(t, err)

	select {
	case <-delivered:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, transport.Depth("work"))
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	transport := newConnected(t)
	declare(t, transport, messaging.TopologyDeclaration{
		Queues: []messaging.QueueSpec{{Name: "work"}},
	})
	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	err := transport.Subscriber().Subscribe(context.Background(), "work",
		func(messaging.TransportDelivery) {}, messaging.SubscriptionOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, transport.IsConnected())
}
