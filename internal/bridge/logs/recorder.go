// Package logs keeps a bounded ring of recent bridge events per session,
// fed by the internal event bus and served by the debug endpoints.
package logs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/internal/events/bus"
)

// DefaultCap bounds the per-session ring.
const DefaultCap = 200

// Entry is one recorded event.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
}

// Recorder subscribes to session-scoped bus events and keeps the most
// recent ones per session.
type Recorder struct {
	cap    int
	logger *logger.Logger

	mu      sync.RWMutex
	entries map[string][]Entry
	sub     bus.Subscription
}

// NewRecorder creates a recorder with the given per-session cap.
func NewRecorder(capacity int, log *logger.Logger) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Recorder{
		cap:     capacity,
		logger:  log.WithFields(zap.String("component", "log-recorder")),
		entries: make(map[string][]Entry),
	}
}

// Attach subscribes the recorder to all session events on the bus.
func (r *Recorder) Attach(b bus.EventBus) error {
	sub, err := b.Subscribe(bus.SubjectSessionPrefix+">", r.record)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// record appends one event to its session's ring.
func (r *Recorder) record(_ context.Context, event *bus.Event) error {
	if event.SessionID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ring := append(r.entries[event.SessionID], Entry{
		Timestamp: event.Timestamp,
		Type:      event.Type,
		Source:    event.Source,
		Data:      event.Data,
	})
	if over := len(ring) - r.cap; over > 0 {
		ring = ring[over:]
	}
	r.entries[event.SessionID] = ring
	return nil
}

// Recent returns up to limit of the newest entries for a session, oldest
// first. limit <= 0 returns everything retained.
func (r *Recorder) Recent(sessionID string, limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ring := r.entries[sessionID]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	return append([]Entry(nil), ring...)
}

// Drop discards a session's entries.
func (r *Recorder) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// Close unsubscribes from the bus.
func (r *Recorder) Close() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.logger.Warn("failed unsubscribing log recorder", zap.Error(err))
		}
		r.sub = nil
	}
}
