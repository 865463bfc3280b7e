package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisher(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		p := NewPublisher(newDisconnectedPool(t))

		assert.Equal(t, 5*time.Second, p.confirmTimeout)
		assert.Equal(t, 10*time.Second, p.publishTimeout)
	})

	t.Run("applies options", func(t *testing.T) {
		p := NewPublisher(newDisconnectedPool(t),
			WithConfirmTimeout(time.Second),
			WithPublishTimeout(3*time.Second),
		)

		assert.Equal(t, time.Second, p.confirmTimeout)
		assert.Equal(t, 3*time.Second, p.publishTimeout)
	})
}

func TestPublisherPublishWithoutConnection(t *testing.T) {
	p := NewPublisher(newDisconnectedPool(t))

	err := p.Publish(context.Background(), "events", "crm.client.created", amqp.Publishing{})

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "events", pubErr.Exchange)
	assert.Equal(t, "crm.client.created", pubErr.RoutingKey)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, IsRetryable(err))
}

func TestPublisherPublishAfterClose(t *testing.T) {
	p := NewPublisher(newDisconnectedPool(t))
	require.NoError(t, p.Close())

	err := p.Publish(context.Background(), "events", "crm.client.created", amqp.Publishing{})

	assert.ErrorIs(t, err, ErrPublisherClosed)
	assert.False(t, IsRetryable(err))
}
