package stages

import (
	"context"
	"time"

	"github.com/bridgekit/bridgekit/internal/bridge/pipeline"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
)

// CheckContextInjection decides how much editing context the message needs
// and records the decision on the session context for the inject stage.
type CheckContextInjection struct{}

// NewCheckContextInjection creates the stage.
func NewCheckContextInjection() *CheckContextInjection {
	return &CheckContextInjection{}
}

func (s *CheckContextInjection) Name() string { return "check-context-injection" }

func (s *CheckContextInjection) Timeout() time.Duration { return 0 }

func (s *CheckContextInjection) Execute(_ context.Context, sctx *session.Context, _ *pipeline.Deps) error {
	mode := session.InjectionNone

	if ec := sctx.EditingContext; ec != nil {
		key := entityKey(ec.EntityType, ec.EntityID)
		switch {
		case !ec.ContextInjected, sctx.LastInjectedEntity != key:
			// First message for this (session, entity) pair, or the user
			// moved to a different entity: inject the full block.
			mode = session.InjectionFull
		default:
			mode = session.InjectionMinimal
		}
	}

	sctx.PendingInjection = mode
	sctx.AppendEvent("injection:decided", map[string]any{"mode": string(mode)})
	return nil
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}
