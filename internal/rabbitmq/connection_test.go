package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConnectionManager(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672")

		assert.Equal(t, 30*time.Second, cm.dialTimeout)
		assert.Equal(t, 5*time.Second, cm.reconnectDelay)
		assert.Equal(t, -1, cm.maxReconnects)
		assert.NotNil(t, cm.logger)
		assert.False(t, cm.IsConnected())
	})

	t.Run("applies options", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672",
			WithDialTimeout(2*time.Second),
			WithReconnectDelay(time.Second),
			WithMaxReconnects(3),
		)

		assert.Equal(t, 2*time.Second, cm.dialTimeout)
		assert.Equal(t, time.Second, cm.reconnectDelay)
		assert.Equal(t, 3, cm.maxReconnects)
	})
}

func TestConnectionManagerNotConnected(t *testing.T) {
	cm := NewConnectionManager("amqp://localhost:5672")

	conn, err := cm.GetConnection()

	assert.Nil(t, conn)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectionManagerClose(t *testing.T) {
	t.Run("close before connect is a no-op", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672")

		assert.NoError(t, cm.Close())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672")

		assert.NoError(t, cm.Close())
		assert.NoError(t, cm.Close())
	})
}

func TestBackoff(t *testing.T) {
	cm := NewConnectionManager("amqp://localhost:5672", WithReconnectDelay(time.Second))

	t.Run("grows with attempts", func(t *testing.T) {
		first := cm.backoff(1)
		fifth := cm.backoff(5)

		// Base delays are 2s and 32s; jitter moves each by at most ±12.5%.
		assert.Greater(t, fifth, first)
	})

	t.Run("stays within jitter bounds", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			delay := cm.backoff(2)
			assert.GreaterOrEqual(t, delay, 3500*time.Millisecond)
			assert.LessOrEqual(t, delay, 4500*time.Millisecond)
		}
	})

	t.Run("caps at five minutes", func(t *testing.T) {
		delay := cm.backoff(30)

		assert.LessOrEqual(t, delay, 5*time.Minute+(5*time.Minute/8))
	})
}
