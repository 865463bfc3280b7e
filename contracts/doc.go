// Package contracts provides the wire-level types for events flowing through
// the bus.
//
// An event travels as an Envelope: a fixed set of headers (identity, routing
// metadata, actor, schema version) attached as broker message headers, plus a
// payload carrying the entity state. Envelopes are immutable once built; the
// publish side constructs them and the subscribe side only reads them.
package contracts
