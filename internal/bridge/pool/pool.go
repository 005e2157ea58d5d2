// Package pool owns the live CLI sessions, one per bridge session id.
package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bridgekit/bridgekit/internal/bridge/backend"
	"github.com/bridgekit/bridgekit/internal/bridge/cli"
	"github.com/bridgekit/bridgekit/internal/common/config"
	"github.com/bridgekit/bridgekit/internal/common/logger"
)

// Pool maps session ids to CLI sessions, creating them lazily with the
// configured default backend.
type Pool struct {
	cfg    *config.BackendsConfig
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*cli.Session
}

// NewPool creates an empty pool.
func NewPool(cfg *config.BackendsConfig, log *logger.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "assistant-pool")),
		sessions: make(map[string]*cli.Session),
	}
}

// Get returns the CLI session for a session id, creating it on first use.
func (p *Pool) Get(sessionID string) (*cli.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[sessionID]; ok {
		return s, nil
	}

	b, err := backend.New(p.cfg.Default, p.cfg)
	if err != nil {
		return nil, err
	}

	runCfg := backend.SessionConfigFrom(p.cfg, sessionID, "", "")
	s := cli.NewSession(sessionID, b, runCfg, p.logger)
	p.sessions[sessionID] = s

	p.logger.Info("cli session created",
		zap.String("session_id", sessionID),
		zap.String("backend", b.Name()))
	return s, nil
}

// Peek returns the session without creating one.
func (p *Pool) Peek(sessionID string) *cli.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[sessionID]
}

// CloseSession closes and removes a session. Idempotent.
func (p *Pool) CloseSession(sessionID string) {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	if ok {
		delete(p.sessions, sessionID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	if err := s.Close(); err != nil {
		p.logger.Warn("error closing cli session",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	p.logger.Info("cli session closed", zap.String("session_id", sessionID))
}

// Count returns the number of live sessions.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Start marks the pool running. Sessions are created lazily so there is
// nothing to do.
func (p *Pool) Start() {
	p.logger.Info("assistant pool started", zap.String("backend", p.cfg.Default))
}

// Stop closes every session in parallel. Individual close failures are
// logged and do not abort the shutdown.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	sessions := make([]*cli.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*cli.Session)
	p.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.Close(); err != nil {
				p.logger.Warn("error closing cli session during shutdown",
					zap.String("session_id", s.SessionID()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("assistant pool stopped", zap.Int("closed", len(sessions)))
	return nil
}
