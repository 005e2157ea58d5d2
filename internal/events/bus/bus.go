// Package bus provides the internal event bus used for bridge telemetry.
//
// Pipeline and session events are published on "bridge.>" subjects. Consumers
// inside the process (the per-session log recorder) subscribe via the in-memory
// implementation; setting a NATS URL fans the same events out to external
// consumers in multi-bridge deployments.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects used by the bridge.
const (
	SubjectSessionPrefix = "bridge.session." // + sessionID + "." + event type
	SubjectPipeline      = "bridge.pipeline"
	SubjectAll           = "bridge.>"
)

// Event represents a message on the event bus
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // Component that produced the event
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewSessionEvent creates a session-scoped event.
func NewSessionEvent(eventType, source, sessionID string, data map[string]any) *Event {
	e := NewEvent(eventType, source, data)
	e.SessionID = sessionID
	return e
}

// SessionSubject returns the subject for a session-scoped event type.
func SessionSubject(sessionID, eventType string) string {
	return SubjectSessionPrefix + sessionID + "." + eventType
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
