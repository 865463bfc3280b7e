package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Broker header keys carried on every published event.
const (
	HeaderEventID       = "event_id"
	HeaderEntityType    = "entity_type"
	HeaderEventType     = "event_type"
	HeaderTimestamp     = "timestamp"
	HeaderSource        = "source"
	HeaderTraceID       = "trace_id"
	HeaderActor         = "actor"
	HeaderSchemaVersion = "schema_version"
)

// EventHeaders is the metadata half of an envelope, attached as broker
// message headers.
type EventHeaders struct {
	EventID       string
	EntityType    string
	EventType     EventType
	Timestamp     string
	Source        string
	TraceID       string
	Actor         *Actor
	SchemaVersion string
}

// EventPayload is the body half of an envelope.
type EventPayload struct {
	Data      interface{} `json:"data"`
	PrevData  interface{} `json:"prev_data,omitempty"`
	SchemaRef string      `json:"schema_ref"`
}

// Envelope is one published event: headers plus payload.
type Envelope struct {
	Headers EventHeaders
	Payload EventPayload
}

// NewEventHeaders builds headers for a fresh event. EventID is always
// generated; TraceID falls back to a generated id when none is supplied.
func NewEventHeaders(entityType string, eventType EventType, source, traceID string, actor *Actor, version string) EventHeaders {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return EventHeaders{
		EventID:       uuid.New().String(),
		EntityType:    entityType,
		EventType:     eventType,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Source:        source,
		TraceID:       traceID,
		Actor:         actor,
		SchemaVersion: version,
	}
}

// HeaderTable converts the headers to a broker header map.
func (h EventHeaders) HeaderTable() map[string]interface{} {
	return map[string]interface{}{
		HeaderEventID:       h.EventID,
		HeaderEntityType:    h.EntityType,
		HeaderEventType:     string(h.EventType),
		HeaderTimestamp:     h.Timestamp,
		HeaderSource:        h.Source,
		HeaderTraceID:       h.TraceID,
		HeaderActor:         h.Actor.encode(),
		HeaderSchemaVersion: h.SchemaVersion,
	}
}

// HeadersFromTable parses broker message headers into EventHeaders. Missing
// or malformed keys yield zero values; shape enforcement happens in the
// processing pipeline, not here.
func HeadersFromTable(table map[string]interface{}) EventHeaders {
	return EventHeaders{
		EventID:       headerString(table, HeaderEventID),
		EntityType:    headerString(table, HeaderEntityType),
		EventType:     EventType(headerString(table, HeaderEventType)),
		Timestamp:     headerString(table, HeaderTimestamp),
		Source:        headerString(table, HeaderSource),
		TraceID:       headerString(table, HeaderTraceID),
		Actor:         decodeActor(headerString(table, HeaderActor)),
		SchemaVersion: headerString(table, HeaderSchemaVersion),
	}
}

func headerString(table map[string]interface{}, key string) string {
	if table == nil {
		return ""
	}
	if value, ok := table[key].(string); ok {
		return value
	}
	return ""
}
