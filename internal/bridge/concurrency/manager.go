// Package concurrency serializes message processing per session.
//
// Each session has a lock with a FIFO waiter queue. Releasing a lock that has
// waiters hands it to the head waiter under the same critical section, so the
// lock is never observed free between two turns of a busy session.
package concurrency

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/common/logger"
)

// ErrSessionCleared rejects waiters abandoned by ClearSession. It never
// reaches the user; the handler absorbs it and the next message starts fresh.
var ErrSessionCleared = errors.New("session cleared")

// waiter is one queued acquisition.
type waiter struct {
	messageID string
	done      chan error // buffered; receives nil on hand-off, ErrSessionCleared on abandon
}

// sessionState tracks one session's lock.
type sessionState struct {
	processing          bool
	processingMessageID string
	pending             []*waiter
}

// Manager implements the per-session hand-off lock.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	logger   *logger.Logger
}

// NewManager creates an empty manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*sessionState),
		logger:   log.WithFields(zap.String("component", "concurrency-manager")),
	}
}

// Acquire attempts to take the session lock for a message.
//
// When the session is idle the lock is taken immediately and acquired is
// true. When busy, the message joins the FIFO queue and the returned channel
// completes with nil once the lock is handed to this message, or with
// ErrSessionCleared if the session is cleared first.
func (m *Manager) Acquire(sessionID, messageID string) (acquired bool, wait <-chan error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		m.sessions[sessionID] = st
	}

	if !st.processing {
		st.processing = true
		st.processingMessageID = messageID
		m.logger.Debug("lock acquired",
			zap.String("session_id", sessionID),
			zap.String("message_id", messageID))
		return true, nil
	}

	w := &waiter{messageID: messageID, done: make(chan error, 1)}
	st.pending = append(st.pending, w)
	m.logger.Debug("lock busy, message queued",
		zap.String("session_id", sessionID),
		zap.String("message_id", messageID),
		zap.Int("queue_length", len(st.pending)))
	return false, w.done
}

// Release releases the session lock. With waiters queued, the lock is handed
// to the head waiter without an intermediate idle state: processing stays
// true and only the owning message id changes. Releasing an idle session is
// a no-op.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked(sessionID)
}

// releaseLocked implements Release under m.mu.
func (m *Manager) releaseLocked(sessionID string) {
	st, ok := m.sessions[sessionID]
	if !ok || !st.processing {
		return
	}

	if len(st.pending) > 0 {
		head := st.pending[0]
		st.pending = st.pending[1:]
		st.processingMessageID = head.messageID
		head.done <- nil
		m.logger.Debug("lock handed off",
			zap.String("session_id", sessionID),
			zap.String("message_id", head.messageID))
		return
	}

	st.processing = false
	st.processingMessageID = ""
	delete(m.sessions, sessionID)
	m.logger.Debug("lock released", zap.String("session_id", sessionID))
}

// Abandon withdraws a message from the lock, wherever it is: a queued
// waiter is removed, the current owner releases. Used when an acquisition
// times out, including the race where the lock was handed over just as the
// deadline fired.
func (m *Manager) Abandon(sessionID, messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return
	}

	if st.processing && st.processingMessageID == messageID {
		m.releaseLocked(sessionID)
		return
	}

	for i, w := range st.pending {
		if w.messageID == messageID {
			st.pending = append(st.pending[:i], st.pending[i+1:]...)
			m.logger.Debug("queued waiter abandoned",
				zap.String("session_id", sessionID),
				zap.String("message_id", messageID))
			return
		}
	}
}

// ClearSession abandons all waiters with ErrSessionCleared and drops the
// session's state entirely. Used on pipeline error (fail-fast) and on
// explicit session stop. Idempotent.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return
	}

	for _, w := range st.pending {
		w.done <- ErrSessionCleared
	}
	delete(m.sessions, sessionID)

	m.logger.Info("session concurrency state cleared",
		zap.String("session_id", sessionID),
		zap.Int("rejected_waiters", len(st.pending)))
}

// IsOwner reports whether messageID currently holds the session lock.
func (m *Manager) IsOwner(sessionID, messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	return ok && st.processing && st.processingMessageID == messageID
}

// IsProcessing reports whether a turn is executing for the session.
func (m *Manager) IsProcessing(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	return ok && st.processing
}

// QueueLength returns the number of queued waiters for the session.
func (m *Manager) QueueLength(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(st.pending)
}

// ActiveMessageIDs aggregates the processing message id plus every queued
// message id across all sessions. Feeds the bridge heartbeat.
func (m *Manager) ActiveMessageIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for _, st := range m.sessions {
		if st.processing && st.processingMessageID != "" {
			ids = append(ids, st.processingMessageID)
		}
		for _, w := range st.pending {
			ids = append(ids, w.messageID)
		}
	}
	return ids
}
