// Package stages holds the pipeline stages that process one inbound message.
package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/bridgekit/bridgekit/internal/bridge/pipeline"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
)

// AcquireLock records that the session holds the processing lock. The
// physical acquisition happens in the message handler before the pipeline
// runs; this stage verifies ownership and moves the session to locked.
type AcquireLock struct {
	timeout time.Duration
}

// NewAcquireLock creates the stage. timeout 0 falls back to the pipeline
// default; pass the configured acquire timeout.
func NewAcquireLock(timeout time.Duration) *AcquireLock {
	return &AcquireLock{timeout: timeout}
}

func (s *AcquireLock) Name() string { return "acquire-lock" }

func (s *AcquireLock) Timeout() time.Duration { return s.timeout }

func (s *AcquireLock) Execute(_ context.Context, sctx *session.Context, deps *pipeline.Deps) error {
	messageID := sctx.UserMessageID

	if !deps.Concurrency.IsOwner(sctx.SessionID, messageID) {
		return fmt.Errorf("session %s does not hold the lock for message %s", sctx.SessionID, messageID)
	}

	if err := sctx.Advance(session.StatusLocked); err != nil {
		return err
	}
	sctx.AppendEvent("lock:acquired", map[string]any{"messageId": messageID})
	return nil
}
