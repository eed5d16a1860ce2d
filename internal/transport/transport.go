// Package transport fans analysis output and engine events out to
// listening clients over WebSocket JSON and a compact UDP binary format.
package transport

import "batmon/internal/spectro"

// Transport is a sink for outbound messages. Implementations must be
// thread-safe and must never block the caller.
type Transport interface {
	Send(data any) error
	Close() error
}

// SliceMessage wraps one spectrogram slice for JSON clients.
type SliceMessage struct {
	Type  string        `json:"type"`
	Slice spectro.Slice `json:"slice"`
}

// EventMessage reports an engine state change to JSON clients.
type EventMessage struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

// NewSliceMessage tags a slice for the wire.
func NewSliceMessage(s spectro.Slice) SliceMessage {
	return SliceMessage{Type: "slice", Slice: s}
}

// NewEventMessage tags an engine event for the wire.
func NewEventMessage(event, detail string) EventMessage {
	return EventMessage{Type: "event", Event: event, Detail: detail}
}
