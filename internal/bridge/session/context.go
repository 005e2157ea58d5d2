// Package session holds the per-session context record threaded through the
// message pipeline, and the in-memory store that owns it.
package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session context.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusLocked     Status = "locked"
	StatusInjecting  Status = "injecting"
	StatusStreaming  Status = "streaming"
	StatusFinalizing Status = "finalizing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// statusRank orders the forward-only transitions. StatusError is absorbing
// and reachable from any state.
var statusRank = map[Status]int{
	StatusIdle:       0,
	StatusLocked:     1,
	StatusInjecting:  2,
	StatusStreaming:  3,
	StatusFinalizing: 4,
	StatusComplete:   5,
}

// DefaultEventCap bounds the per-session audit event log.
const DefaultEventCap = 500

// Message is one user or assistant turn buffered on the context.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// EditingContext records the entity the user is editing in the UI.
type EditingContext struct {
	EntityType      string `json:"entityType"`
	EntityID        string `json:"entityId,omitempty"`
	ContextInjected bool   `json:"contextInjected"`
}

// InjectionMode is the decision of the check-context-injection stage.
type InjectionMode string

const (
	InjectionNone    InjectionMode = "none"
	InjectionMinimal InjectionMode = "minimal"
	InjectionFull    InjectionMode = "full"
)

// Queue holds the per-turn message buffers.
type Queue struct {
	Inbound  []Message `json:"inbound"`
	Outbound []Message `json:"outbound"`
}

// Event is one entry of the bounded audit log.
type Event struct {
	Type      string         `json:"type"`
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// ContextUsage reports the CLI's context window consumption.
type ContextUsage struct {
	Used    int64   `json:"used"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
}

// Context is the pure-data record for one logical session. It is created on
// the first inbound message, mutated exclusively through the pipeline, and
// deleted on session stop.
type Context struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`

	CurrentMessage *Message `json:"currentMessage,omitempty"`
	UserMessageID  string   `json:"userMessageId,omitempty"`

	// BackendSessionID is the CLI's own session id, captured from its init
	// output. It enables resumption on subsequent turns.
	BackendSessionID string `json:"backendSessionId,omitempty"`

	EditingContext *EditingContext `json:"editingContext,omitempty"`

	// PendingInjection carries the check stage's decision to the inject stage.
	PendingInjection InjectionMode `json:"pendingInjection,omitempty"`

	// LastInjectedEntity is "type/id" of the last full injection, used to
	// dedupe repeat injections for the same entity.
	LastInjectedEntity string `json:"lastInjectedEntity,omitempty"`

	Queue  Queue   `json:"queue"`
	Events []Event `json:"events"`

	ContextUsage *ContextUsage `json:"contextUsage,omitempty"`

	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`

	eventCap int
}

// NewContext creates an idle context for a session.
func NewContext(sessionID string, eventCap int) *Context {
	if eventCap <= 0 {
		eventCap = DefaultEventCap
	}
	now := time.Now()
	return &Context{
		SessionID:      sessionID,
		Status:         StatusIdle,
		CreatedAt:      now,
		LastActivityAt: now,
		eventCap:       eventCap,
	}
}

// Advance moves the status forward. Transitions may only go forward through
// idle -> locked -> injecting -> streaming -> finalizing -> complete, or
// sideways to error from any state. A new turn restarts from idle via Reset.
func (c *Context) Advance(next Status) error {
	if next == StatusError {
		c.Status = StatusError
		return nil
	}
	if c.Status == StatusError {
		return fmt.Errorf("session %s: cannot leave error status", c.SessionID)
	}
	from, ok := statusRank[c.Status]
	to, okNext := statusRank[next]
	if !ok || !okNext || to < from {
		return fmt.Errorf("session %s: invalid status transition %s -> %s", c.SessionID, c.Status, next)
	}
	c.Status = next
	return nil
}

// Reset returns a completed or errored context to idle so the next turn
// starts fresh.
func (c *Context) Reset() {
	if c.Status == StatusComplete || c.Status == StatusError {
		c.Status = StatusIdle
	}
}

// AppendEvent records an audit event, dropping the oldest entries beyond
// the cap.
func (c *Context) AppendEvent(eventType string, data map[string]any) {
	limit := c.eventCap
	if limit <= 0 {
		limit = DefaultEventCap
	}
	c.Events = append(c.Events, Event{
		Type:      eventType,
		Status:    c.Status,
		Timestamp: time.Now(),
		Data:      data,
	})
	if over := len(c.Events) - limit; over > 0 {
		c.Events = c.Events[over:]
	}
}

// Touch updates the activity timestamp.
func (c *Context) Touch() {
	c.LastActivityAt = time.Now()
}

// PushInbound appends a user message to the inbound buffer.
func (c *Context) PushInbound(msg Message) {
	c.Queue.Inbound = append(c.Queue.Inbound, msg)
}

// PushOutbound appends an assistant message to the outbound buffer.
func (c *Context) PushOutbound(msg Message) {
	c.Queue.Outbound = append(c.Queue.Outbound, msg)
}

// LastOutbound returns the most recent outbound message, or nil.
func (c *Context) LastOutbound() *Message {
	if len(c.Queue.Outbound) == 0 {
		return nil
	}
	return &c.Queue.Outbound[len(c.Queue.Outbound)-1]
}

// ClearInbound empties the inbound buffer. Called by the finalize stage.
func (c *Context) ClearInbound() {
	c.Queue.Inbound = nil
}

// Snapshot returns a deep copy safe to hand to debug endpoints.
func (c *Context) Snapshot() *Context {
	cp := *c

	if c.CurrentMessage != nil {
		m := *c.CurrentMessage
		cp.CurrentMessage = &m
	}
	if c.EditingContext != nil {
		ec := *c.EditingContext
		cp.EditingContext = &ec
	}
	if c.ContextUsage != nil {
		u := *c.ContextUsage
		cp.ContextUsage = &u
	}

	cp.Queue.Inbound = append([]Message(nil), c.Queue.Inbound...)
	cp.Queue.Outbound = append([]Message(nil), c.Queue.Outbound...)
	cp.Events = append([]Event(nil), c.Events...)

	return &cp
}
