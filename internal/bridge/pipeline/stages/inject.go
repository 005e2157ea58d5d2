package stages

import (
	"context"
	"time"

	"github.com/bridgekit/bridgekit/internal/bridge/contextbuilder"
	"github.com/bridgekit/bridgekit/internal/bridge/pipeline"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

// InjectContext rewrites the current message according to the decision of
// the check stage: a full markdown block, a one-line marker, or nothing.
type InjectContext struct{}

// NewInjectContext creates the stage.
func NewInjectContext() *InjectContext {
	return &InjectContext{}
}

func (s *InjectContext) Name() string { return "inject-context" }

func (s *InjectContext) Timeout() time.Duration { return 0 }

func (s *InjectContext) Execute(ctx context.Context, sctx *session.Context, deps *pipeline.Deps) error {
	if err := sctx.Advance(session.StatusInjecting); err != nil {
		return err
	}

	mode := sctx.PendingInjection
	sctx.PendingInjection = session.InjectionNone

	if mode == session.InjectionNone || sctx.EditingContext == nil || sctx.CurrentMessage == nil {
		return nil
	}

	ec := sctx.EditingContext
	switch mode {
	case session.InjectionFull:
		block := deps.ContextBuilder.BuildFull(ctx, ec.EntityType, ec.EntityID)
		sctx.CurrentMessage.Content = block + "\n" + sctx.CurrentMessage.Content
		ec.ContextInjected = true
		sctx.LastInjectedEntity = entityKey(ec.EntityType, ec.EntityID)

	case session.InjectionMinimal:
		prefix := contextbuilder.BuildMinimal(ec.EntityType, ec.EntityID)
		sctx.CurrentMessage.Content = prefix + sctx.CurrentMessage.Content
	}

	sctx.AppendEvent("context:injected", map[string]any{
		"mode":       string(mode),
		"entityType": ec.EntityType,
		"entityId":   ec.EntityID,
	})

	if deps.Emitter != nil {
		_ = deps.Emitter.Emit(wire.EventSessionContextInjected, wire.ContextInjectedPayload{
			SessionID:  sctx.SessionID,
			EntityType: ec.EntityType,
			EntityID:   ec.EntityID,
			Mode:       string(mode),
		})
	}
	return nil
}
