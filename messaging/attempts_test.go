package messaging

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestParseDeathHistory(t *testing.T) {
	t.Run("parses broker-shaped headers", func(t *testing.T) {
		headers := map[string]interface{}{
			"x-death": []interface{}{
				amqp.Table{"queue": "app.billing.invoice.created.retry", "reason": "expired", "count": int64(2)},
				amqp.Table{"queue": "app.billing.invoice.created", "reason": "rejected", "count": int64(2)},
			},
		}

		history := ParseDeathHistory(headers)
		assert.Equal(t, []DeathEntry{
			{Queue: "app.billing.invoice.created.retry", Count: 2},
			{Queue: "app.billing.invoice.created", Count: 2},
		}, history)
	})

	t.Run("accepts plain map entries", func(t *testing.T) {
		headers := map[string]interface{}{
			"x-death": []interface{}{
				map[string]interface{}{"queue": "q1", "count": int64(1)},
			},
		}
		assert.Equal(t, []DeathEntry{{Queue: "q1", Count: 1}}, ParseDeathHistory(headers))
	})

	t.Run("count numeric types normalize to int64", func(t *testing.T) {
		headers := map[string]interface{}{
			"x-death": []interface{}{
				amqp.Table{"queue": "a", "count": int32(3)},
				amqp.Table{"queue": "b", "count": 4},
				amqp.Table{"queue": "c", "count": float64(5)},
			},
		}
		assert.Equal(t, []DeathEntry{
			{Queue: "a", Count: 3},
			{Queue: "b", Count: 4},
			{Queue: "c", Count: 5},
		}, ParseDeathHistory(headers))
	})

	t.Run("malformed entries are skipped", func(t *testing.T) {
		headers := map[string]interface{}{
			"x-death": []interface{}{
				"not a table",
				amqp.Table{"reason": "rejected"},
				amqp.Table{"queue": "q1", "count": int64(1)},
			},
		}
		assert.Equal(t, []DeathEntry{{Queue: "q1", Count: 1}}, ParseDeathHistory(headers))
	})

	t.Run("absent header means first delivery", func(t *testing.T) {
		assert.Empty(t, ParseDeathHistory(map[string]interface{}{}))
		assert.Empty(t, ParseDeathHistory(nil))
	})

	t.Run("non-list header yields empty history", func(t *testing.T) {
		assert.Empty(t, ParseDeathHistory(map[string]interface{}{"x-death": "garbage"}))
	})
}

func TestCurrentAttempt(t *testing.T) {
	t.Run("empty history is the first attempt", func(t *testing.T) {
		assert.Equal(t, 1, CurrentAttempt(nil, "q1"))
		assert.Equal(t, 1, CurrentAttempt([]DeathEntry{}, "q1"))
	})

	t.Run("own queue count determines the attempt", func(t *testing.T) {
		history := []DeathEntry{
			{Queue: "q1", Count: 2},
			{Queue: "q2", Count: 5},
		}
		assert.Equal(t, 3, CurrentAttempt(history, "q1"))
	})

	t.Run("unrelated hops are ignored", func(t *testing.T) {
		history := []DeathEntry{{Queue: "q2", Count: 5}}
		assert.Equal(t, 1, CurrentAttempt(history, "q1"))
	})
}

func TestFirstDeathQueue(t *testing.T) {
	t.Run("broker header wins", func(t *testing.T) {
		headers := map[string]interface{}{"x-first-death-queue": "app.billing.invoice.created"}
		assert.Equal(t, "app.billing.invoice.created", FirstDeathQueue(headers, "fallback"))
	})

	t.Run("falls back to the consuming queue", func(t *testing.T) {
		assert.Equal(t, "fallback", FirstDeathQueue(map[string]interface{}{}, "fallback"))
		assert.Equal(t, "fallback", FirstDeathQueue(nil, "fallback"))
	})

	t.Run("empty header falls back", func(t *testing.T) {
		headers := map[string]interface{}{"x-first-death-queue": ""}
		assert.Equal(t, "fallback", FirstDeathQueue(headers, "fallback"))
	})
}
