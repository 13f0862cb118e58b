package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Job lifecycle events.
	EventJobStarted         EventType = "job.started"
	EventJobOutput          EventType = "job.output"
	EventJobCancelRequested EventType = "job.cancel_requested"
	EventJobExited          EventType = "job.exited"

	// Derived progress events, published by the generation service after each
	// output chunk so remote observers do not need to poll.
	EventJobProgress EventType = "job.progress"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NewEvent builds an Event with a JSON-encoded payload. Payload encoding errors
// leave the payload empty; events are best-effort notifications.
func NewEvent(eventType EventType, runID string, payload any) Event {
	evt := Event{Type: eventType, Timestamp: time.Now(), RunID: runID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			evt.Payload = data
		}
	}
	return evt
}
