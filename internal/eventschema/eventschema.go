// Package eventschema describes an Event Topic's declared field schema and
// builds individual events. The original event-builder hierarchy the
// teacher's audit-core inspiration used deep subclassing to shape payloads
// per event kind; here that becomes composition — one descriptor plus a
// fluent Builder whose per-topic extensions are free functions rather than
// subclass methods, per the design note on inheritance of event builders.
package eventschema

import "time"

// MandatoryFields are present on every event regardless of topic, in the
// order the original fixtures (spec.md scenarios S1/S2) render them.
var MandatoryFields = []string{"_id", "timestamp", "transactionId"}

// Schema is a topic's declared, ordered field list, registered once at
// startup. Fields is the full ordered list: NewSchema prepends
// MandatoryFields to the topic-specific fields it is given.
type Schema struct {
	Topic  string
	Fields []string
}

// NewSchema builds a Schema for topic with the mandatory fields first,
// followed by fields in the order given.
func NewSchema(topic string, fields ...string) Schema {
	all := make([]string, 0, len(MandatoryFields)+len(fields))
	all = append(all, MandatoryFields...)
	all = append(all, fields...)
	return Schema{Topic: topic, Fields: all}
}

// AccessSchema is the built-in example topic shipped from the original
// source's AccessAuditEventBuilder: userId, client.ip, resource, action,
// outcome, alongside the mandatory fields.
func AccessSchema() Schema {
	return NewSchema("access", "userId", "client.ip", "resource", "action", "outcome")
}

// Event is a tree of named fields with JSON-like values. It is treated as
// immutable once handed to the Audit Service.
type Event map[string]any

// Builder assembles an Event field by field. It carries no topic-specific
// knowledge; per-topic helpers (e.g. WithAccessFields below) are free
// functions operating on *Builder rather than subclasses.
type Builder struct {
	fields Event
}

// NewBuilder starts a Builder seeded with a transaction id and the current
// time as an ISO-8601 timestamp.
func NewBuilder(transactionID string) *Builder {
	return &Builder{fields: Event{
		"transactionId": transactionID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}}
}

// With sets an arbitrary field.
func (b *Builder) With(field string, value any) *Builder {
	b.fields[field] = value
	return b
}

// WithID sets the event identifier explicitly, overriding assignment by the
// Audit Service.
func (b *Builder) WithID(id string) *Builder {
	b.fields["_id"] = id
	return b
}

// Build returns the assembled Event.
func (b *Builder) Build() Event {
	out := make(Event, len(b.fields))
	for k, v := range b.fields {
		out[k] = v
	}
	return out
}

// WithAccessFields is a topic-specific extension of Builder expressed as a
// free function, in place of an AccessAuditEventBuilder subclass.
func WithAccessFields(b *Builder, userID, clientIP, resource, action, outcome string) *Builder {
	return b.With("userId", userID).
		With("client.ip", clientIP).
		With("resource", resource).
		With("action", action).
		With("outcome", outcome)
}
