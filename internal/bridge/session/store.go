package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/common/errors"
	"github.com/bridgekit/bridgekit/internal/common/logger"
)

// Store is the in-memory map of session id to context. The pipeline is the
// sole writer; debug endpoints read snapshots only.
type Store struct {
	contexts map[string]*Context
	eventCap int
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewStore creates an empty store.
func NewStore(eventCap int, log *logger.Logger) *Store {
	if eventCap <= 0 {
		eventCap = DefaultEventCap
	}
	return &Store{
		contexts: make(map[string]*Context),
		eventCap: eventCap,
		logger:   log.WithFields(zap.String("component", "session-store")),
	}
}

// GetOrCreate returns the context for a session, creating it lazily.
func (s *Store) GetOrCreate(sessionID string) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx, ok := s.contexts[sessionID]; ok {
		return ctx
	}

	ctx := NewContext(sessionID, s.eventCap)
	s.contexts[sessionID] = ctx
	s.logger.Info("session context created", zap.String("session_id", sessionID))
	return ctx
}

// Get returns the context for a session, or nil.
func (s *Store) Get(sessionID string) *Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contexts[sessionID]
}

// Update writes a context back. The session must have been created via
// GetOrCreate first; a write for an unknown session is a lost-write bug and
// is rejected. A write with a different object identity than the stored
// record is likely a shadow copy and is accepted with a warning.
func (s *Store) Update(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.contexts[ctx.SessionID]
	if !ok {
		return errors.NotFound("session context", ctx.SessionID)
	}

	if stored != ctx {
		s.logger.Warn("updating session context with a different object identity",
			zap.String("session_id", ctx.SessionID))
		s.contexts[ctx.SessionID] = ctx
	}

	return nil
}

// Delete removes a session's context. Called on session stop.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[sessionID]; ok {
		delete(s.contexts, sessionID)
		s.logger.Info("session context deleted", zap.String("session_id", sessionID))
	}
}

// Snapshot returns a deep copy of a session's context for debug endpoints,
// or nil when the session is unknown.
func (s *Store) Snapshot(sessionID string) *Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, ok := s.contexts[sessionID]
	if !ok {
		return nil
	}
	return ctx.Snapshot()
}

// Count returns the number of live session contexts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// BadSessions returns snapshots of sessions in error status, plus sessions
// stuck in a non-idle, non-complete status with no activity for longer than
// staleAfter. Read-only; feeds monitoring.
func (s *Store) BadSessions(staleAfter time.Duration) []*Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-staleAfter)
	var bad []*Context
	for _, ctx := range s.contexts {
		switch {
		case ctx.Status == StatusError:
			bad = append(bad, ctx.Snapshot())
		case ctx.Status != StatusIdle && ctx.Status != StatusComplete && ctx.LastActivityAt.Before(cutoff):
			bad = append(bad, ctx.Snapshot())
		}
	}
	return bad
}
