package messaging

import "strings"

// unknownLabel is reported for legacy subscriptions, whose routing keys have
// no positional semantics.
const unknownLabel = "unknown"

// EventLabels are the domain/entity/action labels attached to processing
// metrics.
type EventLabels struct {
	Domain string
	Entity string
	Action string
}

// ResolveLabels derives metric labels from the live routing key of a
// delivery. The first segment is the domain, the second the entity, and the
// remaining segments rejoined form the action (actions may themselves
// contain dots, e.g. "status.updated"). Keys with fewer than three segments
// fall back to the declared subscription metadata, wildcards and all:
// metrics reflect the real event when determinable and the subscription's
// own filter otherwise. Legacy subscriptions always resolve to the unknown
// triple.
func ResolveLabels(d SubscriptionDescriptor, liveRoutingKey string) EventLabels {
	if d.IsLegacy() {
		return EventLabels{Domain: unknownLabel, Entity: unknownLabel, Action: unknownLabel}
	}
	parts := strings.Split(liveRoutingKey, ".")
	if len(parts) < 3 {
		return EventLabels{Domain: d.Domain, Entity: d.Entity, Action: d.Action}
	}
	return EventLabels{
		Domain: parts[0],
		Entity: parts[1],
		Action: strings.Join(parts[2:], "."),
	}
}
