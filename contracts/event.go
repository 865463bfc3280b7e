package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType identifies the lifecycle transition an event describes.
type EventType string

const (
	EventCreated EventType = "created"
	EventRead    EventType = "read"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// EventTypes returns the allowed event types in declaration order.
func EventTypes() []EventType {
	return []EventType{EventCreated, EventRead, EventUpdated, EventDeleted}
}

// EventTypeNames returns the allowed event types as plain strings.
func EventTypeNames() []string {
	types := EventTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

// IsValid reports whether t is one of the allowed event types.
func (t EventType) IsValid() bool {
	switch t {
	case EventCreated, EventRead, EventUpdated, EventDeleted:
		return true
	}
	return false
}

func (t EventType) String() string {
	return string(t)
}

// Actor identifies who or what triggered an event.
type Actor struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IsEmpty reports whether the actor carries no identity.
func (a *Actor) IsEmpty() bool {
	return a == nil || a.ID == ""
}

// encode serializes the actor for the actor message header.
func (a *Actor) encode() string {
	if a == nil {
		return ""
	}
	data, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	return string(data)
}

// decodeActor parses an actor header value. Returns nil when the value is
// absent or malformed; the pipeline validator decides whether that matters.
func decodeActor(value string) *Actor {
	if value == "" {
		return nil
	}
	var a Actor
	if err := json.Unmarshal([]byte(value), &a); err != nil {
		return nil
	}
	return &a
}

// SchemaRef formats a schema reference as {entityType}@{version}.
func SchemaRef(entityType, version string) string {
	return fmt.Sprintf("%s@%s", entityType, version)
}

// ParseSchemaRef splits a schema reference into entity type and version.
func ParseSchemaRef(ref string) (entityType, version string, ok bool) {
	idx := strings.LastIndex(ref, "@")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", false
	}
	return ref[:idx], ref[idx+1:], true
}
