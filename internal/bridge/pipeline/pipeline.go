// Package pipeline runs the ordered stages that process one inbound message
// against a session context.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/bridge/concurrency"
	"github.com/bridgekit/bridgekit/internal/bridge/contextbuilder"
	"github.com/bridgekit/bridgekit/internal/bridge/pool"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
	"github.com/bridgekit/bridgekit/internal/common/config"
	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/internal/events/bus"
	"github.com/bridgekit/bridgekit/internal/tracing"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

// DefaultStageTimeout applies to stages that do not declare their own.
const DefaultStageTimeout = 120 * time.Second

// Deps bundles everything stages may need. Stages pick what they use.
type Deps struct {
	Store          *session.Store
	Concurrency    *concurrency.Manager
	Pool           *pool.Pool
	ContextBuilder *contextbuilder.Builder
	Emitter        wire.Emitter
	Bus            bus.EventBus
	Config         *config.Config
	Logger         *logger.Logger
}

// Stage is one step of the pipeline.
type Stage interface {
	Name() string

	// Timeout returns the stage's own deadline; 0 uses the pipeline default.
	Timeout() time.Duration

	Execute(ctx context.Context, sctx *session.Context, deps *Deps) error
}

// Pipeline executes stages in order with per-stage timeouts. A stage error
// aborts the run, marks the session errored and clears its concurrency
// state so queued messages fail fast instead of running against a broken
// session.
type Pipeline struct {
	stages         []Stage
	deps           *Deps
	defaultTimeout time.Duration
	logger         *logger.Logger
}

// New creates a pipeline over the given stages.
func New(deps *Deps, stages ...Stage) *Pipeline {
	timeout := DefaultStageTimeout
	if deps.Config != nil && deps.Config.Pipeline.StageTimeout > 0 {
		timeout = deps.Config.Pipeline.StageTimeoutDuration()
	}
	return &Pipeline{
		stages:         stages,
		deps:           deps,
		defaultTimeout: timeout,
		logger:         deps.Logger.WithFields(zap.String("component", "pipeline")),
	}
}

// Run processes one message through all stages. ctx is the external
// lifetime (shutdown, session stop); each stage additionally gets its own
// timeout.
func (p *Pipeline) Run(ctx context.Context, sctx *session.Context) error {
	sessionID := sctx.SessionID
	log := p.logger.WithSessionID(sessionID)
	tracer := tracing.Tracer("bridge/pipeline")

	ctx, span := tracer.Start(ctx, "pipeline.run")
	span.SetAttributes(attribute.String("session.id", sessionID))
	defer span.End()

	start := time.Now()
	p.emitPipelineEvent(sessionID, "", "start", 0, nil)

	for _, stage := range p.stages {
		stageStart := time.Now()
		p.emitPipelineEvent(sessionID, stage.Name(), "start", 0, nil)

		if err := p.runStage(ctx, stage, sctx); err != nil {
			duration := time.Since(stageStart)
			p.fail(sctx, stage.Name(), duration, err)
			span.SetStatus(codes.Error, err.Error())
			log.WithError(err).Error("pipeline stage failed",
				zap.String("stage", stage.Name()),
				zap.Duration("duration", duration))
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}

		if sctx.SessionID != sessionID {
			// A stage must never reassign the session. Treat it as a
			// pipeline bug and abort.
			err := fmt.Errorf("stage %s changed session id from %s to %s",
				stage.Name(), sessionID, sctx.SessionID)
			sctx.SessionID = sessionID
			p.fail(sctx, stage.Name(), time.Since(stageStart), err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		sctx.Touch()
		sctx.AppendEvent("stage:"+stage.Name()+":complete", nil)
		if err := p.deps.Store.Update(sctx); err != nil {
			log.WithError(err).Warn("failed persisting session context after stage",
				zap.String("stage", stage.Name()))
		}

		p.emitPipelineEvent(sessionID, stage.Name(), "complete", time.Since(stageStart).Milliseconds(), nil)
		p.publishState(sctx, stage.Name())
	}

	p.emitPipelineEvent(sessionID, "", "complete", time.Since(start).Milliseconds(), nil)
	log.Debug("pipeline complete", zap.Duration("duration", time.Since(start)))
	return nil
}

// runStage executes one stage under its timeout and a span.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, sctx *session.Context) error {
	timeout := stage.Timeout()
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stageCtx, span := tracing.Tracer("bridge/pipeline").Start(stageCtx, "stage."+stage.Name())
	defer span.End()

	err := stage.Execute(stageCtx, sctx, p.deps)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// fail records the error on the context, persists it and clears the
// session's concurrency state so waiters are rejected.
func (p *Pipeline) fail(sctx *session.Context, stage string, duration time.Duration, err error) {
	_ = sctx.Advance(session.StatusError)
	sctx.Touch()
	sctx.AppendEvent("pipeline:error", map[string]any{
		"stage": stage,
		"error": err.Error(),
	})
	if updateErr := p.deps.Store.Update(sctx); updateErr != nil {
		p.logger.WithError(updateErr).Warn("failed persisting errored session context")
	}

	p.deps.Concurrency.ClearSession(sctx.SessionID)
	p.emitPipelineEvent(sctx.SessionID, stage, "error", duration.Milliseconds(), err)
	p.publishState(sctx, stage)
}

// emitPipelineEvent sends a control event over the socket and mirrors it on
// the internal bus.
func (p *Pipeline) emitPipelineEvent(sessionID, stage, status string, durationMS int64, cause error) {
	payload := wire.PipelineEventPayload{
		SessionID:  sessionID,
		Stage:      stage,
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		DurationMS: durationMS,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}

	if p.deps.Emitter != nil {
		if err := p.deps.Emitter.Emit(wire.EventSessionPipelineEvent, payload); err != nil {
			p.logger.WithError(err).Debug("failed emitting pipeline event")
		}
	}
	if p.deps.Bus != nil {
		event := bus.NewSessionEvent("pipeline."+statusEventName(stage, status), "pipeline", sessionID, map[string]any{
			"stage":       stage,
			"status":      status,
			"duration_ms": durationMS,
		})
		if err := p.deps.Bus.Publish(context.Background(), bus.SessionSubject(sessionID, "pipeline"), event); err != nil {
			p.logger.WithError(err).Debug("failed publishing pipeline event to bus")
		}
	}
}

// publishState sends a post-stage snapshot of the session context.
func (p *Pipeline) publishState(sctx *session.Context, stage string) {
	if p.deps.Emitter == nil {
		return
	}
	payload := wire.PipelineStatePayload{
		SessionID:     sctx.SessionID,
		ContextStatus: string(sctx.Status),
		Stage:         stage,
		QueuedEvents:  len(sctx.Events),
	}
	if err := p.deps.Emitter.Emit(wire.EventSessionPipelineState, payload); err != nil {
		p.logger.WithError(err).Debug("failed emitting pipeline state")
	}
}

func statusEventName(stage, status string) string {
	if stage == "" {
		return status
	}
	return stage + "." + status
}
