package messaging

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker headers carrying dead-letter history.
const (
	headerDeath           = "x-death"
	headerFirstDeathQueue = "x-first-death-queue"
)

// DeathEntry is one hop of a message's dead-letter history: the queue it
// died in and how many times it has died there.
type DeathEntry struct {
	Queue string
	Count int64
}

// ParseDeathHistory extracts the ordered dead-letter history from broker
// message headers. Missing or malformed entries are skipped; an absent
// header yields an empty history (first delivery).
func ParseDeathHistory(headers map[string]interface{}) []DeathEntry {
	if headers == nil {
		return nil
	}
	raw, ok := headers[headerDeath].([]interface{})
	if !ok {
		return nil
	}
	history := make([]DeathEntry, 0, len(raw))
	for _, item := range raw {
		entry, ok := tableValue(item)
		if !ok {
			continue
		}
		queue, ok := entry["queue"].(string)
		if !ok {
			continue
		}
		history = append(history, DeathEntry{
			Queue: queue,
			Count: countValue(entry["count"]),
		})
	}
	return history
}

// FirstDeathQueue returns the queue that first dead-lettered the message,
// falling back to the consuming queue when the broker header is absent.
func FirstDeathQueue(headers map[string]interface{}, fallback string) string {
	if headers != nil {
		if queue, ok := headers[headerFirstDeathQueue].(string); ok && queue != "" {
			return queue
		}
	}
	return fallback
}

// CurrentAttempt computes which processing attempt this delivery represents
// for the subscriber owning originalQueue. An empty history means the first
// attempt. Otherwise the entry for the original queue carries how many times
// this subscriber's own handler has already failed; unrelated dead-letter
// hops are ignored. No matching entry counts as zero prior failures.
func CurrentAttempt(history []DeathEntry, originalQueue string) int {
	if len(history) == 0 {
		return 1
	}
	for _, entry := range history {
		if entry.Queue == originalQueue {
			return int(entry.Count) + 1
		}
	}
	return 1
}

// tableValue accepts both amqp tables and plain maps so that history parsing
// works across transports.
func tableValue(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case amqp.Table:
		return map[string]interface{}(t), true
	case map[string]interface{}:
		return t, true
	}
	return nil, false
}

func countValue(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
