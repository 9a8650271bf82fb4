package service

import "time"

// EventKind classifies relay events.
type EventKind string

const (
	EventDeviceOnline  EventKind = "device_online"
	EventDeviceOffline EventKind = "device_offline"
	EventSessionState  EventKind = "session_state"
	EventProtocolError EventKind = "protocol_error"
)

// Event is a typed notification for a presentation layer. The relay
// publishes onto a bounded channel and never blocks on a slow consumer.
type Event struct {
	Kind      EventKind `json:"kind"`
	DeviceID  string    `json:"device_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// EventBus decouples protocol logic from whatever UI subscribes to it.
type EventBus struct {
	ch chan Event
}

func NewEventBus(size int) *EventBus {
	if size < 1 {
		size = 64
	}
	return &EventBus{ch: make(chan Event, size)}
}

// Publish enqueues an event, dropping it if the subscriber lags.
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case b.ch <- e:
	default:
	}
}

// Events is the subscription channel.
func (b *EventBus) Events() <-chan Event { return b.ch }
