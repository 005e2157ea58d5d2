package stages

import (
	"context"
	"time"

	"github.com/bridgekit/bridgekit/internal/bridge/pipeline"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
)

// Finalize closes out the turn: the inbound buffer is cleared and the
// context lands in complete, ready to reset for the next turn.
type Finalize struct {
	timeout time.Duration
}

// NewFinalize creates the stage.
func NewFinalize(timeout time.Duration) *Finalize {
	return &Finalize{timeout: timeout}
}

func (s *Finalize) Name() string { return "finalize" }

func (s *Finalize) Timeout() time.Duration { return s.timeout }

func (s *Finalize) Execute(_ context.Context, sctx *session.Context, _ *pipeline.Deps) error {
	if err := sctx.Advance(session.StatusFinalizing); err != nil {
		return err
	}

	sctx.ClearInbound()
	sctx.CurrentMessage = nil

	if err := sctx.Advance(session.StatusComplete); err != nil {
		return err
	}
	sctx.AppendEvent("turn:complete", nil)
	return nil
}
