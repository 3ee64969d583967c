package events

import "opticgov/core/types"

// Event represents a structured state change emitted by the escrow core.
type Event interface {
	EventType() string
}

// Payload is implemented by events that carry a canonical attribute map.
// Journals and streams persist the payload rather than the Go value.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. journals, metrics,
// websocket streams).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans a single event out to several emitters in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Recorder keeps every emitted event in memory. Tests use it to assert on the
// emitted sequence.
type Recorder struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	r.Events = append(r.Events, evt)
}

// Types returns the event types in emission order.
func (r *Recorder) Types() []string {
	out := make([]string, len(r.Events))
	for i, evt := range r.Events {
		out[i] = evt.EventType()
	}
	return out
}
