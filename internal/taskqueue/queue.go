// Package taskqueue buffers messages for paused sessions. Messages arriving
// while a session is paused are held in FIFO order and replayed on resume.
package taskqueue

import (
	"errors"
	"sync"
	"time"
)

// DefaultCap bounds the per-session queue when no cap is configured.
const DefaultCap = 10

// ErrQueueFull rejects messages beyond the per-session cap.
var ErrQueueFull = errors.New("task queue full")

// QueuedTaskMessage is one held message.
type QueuedTaskMessage struct {
	Content   string    `json:"content"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// Queue holds per-session FIFO buffers.
type Queue struct {
	mu    sync.Mutex
	cap   int
	items map[string][]QueuedTaskMessage
}

// New creates a queue with the given per-session cap.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Queue{
		cap:   capacity,
		items: make(map[string][]QueuedTaskMessage),
	}
}

// Enqueue appends a message to a session's buffer, rejecting it when the
// buffer is full.
func (q *Queue) Enqueue(sessionID string, msg QueuedTaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items[sessionID]) >= q.cap {
		return ErrQueueFull
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	q.items[sessionID] = append(q.items[sessionID], msg)
	return nil
}

// Drain removes and returns a session's buffered messages in arrival order.
func (q *Queue) Drain(sessionID string) []QueuedTaskMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.items[sessionID]
	delete(q.items, sessionID)
	return msgs
}

// Len returns the number of buffered messages for a session.
func (q *Queue) Len(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[sessionID])
}

// Discard drops a session's buffer without replaying it.
func (q *Queue) Discard(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, sessionID)
}
