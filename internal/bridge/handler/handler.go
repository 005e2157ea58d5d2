// Package handler processes inbound session events: it owns the lifecycle
// of one message from arrival through the pipeline to the final emission.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/bridge/cli"
	"github.com/bridgekit/bridgekit/internal/bridge/concurrency"
	"github.com/bridgekit/bridgekit/internal/bridge/pipeline"
	"github.com/bridgekit/bridgekit/internal/bridge/pool"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/internal/taskqueue"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

// statusPatchTimeout bounds the fire-and-forget status patch.
const statusPatchTimeout = 5 * time.Second

// defaultAcquireTimeout bounds how long a turn may wait behind the
// session's current holder.
const defaultAcquireTimeout = 30 * time.Second

// StatusPatcher updates session status on the server.
type StatusPatcher interface {
	PatchSessionStatus(ctx context.Context, sessionID, status string) error
}

// Handler routes inbound session events through the pipeline.
type Handler struct {
	store          *session.Store
	concurrency    *concurrency.Manager
	pool           *pool.Pool
	pipeline       *pipeline.Pipeline
	emitter        wire.Emitter
	server         StatusPatcher
	queue          *taskqueue.Queue
	acquireTimeout time.Duration
	logger         *logger.Logger

	mu      sync.Mutex
	paused  map[string]bool
	running map[string]context.CancelFunc
}

// New creates a handler.
func New(
	store *session.Store,
	cm *concurrency.Manager,
	p *pool.Pool,
	pipe *pipeline.Pipeline,
	emitter wire.Emitter,
	server StatusPatcher,
	queue *taskqueue.Queue,
	acquireTimeout time.Duration,
	log *logger.Logger,
) *Handler {
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	return &Handler{
		store:          store,
		concurrency:    cm,
		pool:           p,
		pipeline:       pipe,
		emitter:        emitter,
		server:         server,
		queue:          queue,
		acquireTimeout: acquireTimeout,
		logger:         log.WithFields(zap.String("component", "message-handler")),
		paused:         make(map[string]bool),
		running:        make(map[string]context.CancelFunc),
	}
}

// HandleSessionMessage processes one inbound user message end to end.
func (h *Handler) HandleSessionMessage(ctx context.Context, payload wire.SessionMessagePayload) error {
	sessionID := payload.SessionID
	content := payload.Content
	log := h.logger.WithSessionID(sessionID)

	if strings.TrimSpace(content) == "" {
		log.Warn("ignoring empty session message")
		return nil
	}

	messageID := payload.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}
	log = log.WithMessageID(messageID)

	if h.isPaused(sessionID) {
		return h.enqueuePaused(sessionID, content, messageID, log)
	}

	// The server marks the session RUNNING out of band; a failure here must
	// not delay or fail the turn.
	if h.server != nil {
		go func() {
			patchCtx, cancel := context.WithTimeout(context.Background(), statusPatchTimeout)
			defer cancel()
			if err := h.server.PatchSessionStatus(patchCtx, sessionID, "RUNNING"); err != nil {
				log.WithError(err).Warn("failed patching session status")
			}
		}()
	}

	// The lock comes first: the session context is shared with any in-flight
	// turn and may only be touched by the lock holder.
	if err := h.acquireTurn(ctx, sessionID, messageID); err != nil {
		if errors.Is(err, concurrency.ErrSessionCleared) {
			// The turn we queued behind failed or the session stopped.
			// Absorb it: the user already saw that outcome.
			log.Info("queued message dropped, session was cleared")
			return nil
		}
		return h.failTurn(sessionID, messageID, h.store.Get(sessionID), err, log)
	}

	sctx := h.store.GetOrCreate(sessionID)
	sctx.Reset()
	sctx.UserMessageID = messageID
	sctx.CurrentMessage = &session.Message{
		ID:        messageID,
		Content:   content,
		Role:      "user",
		CreatedAt: time.Now().UTC(),
	}
	sctx.PushInbound(*sctx.CurrentMessage)
	h.applyEditingContext(sctx, payload.EditingContext)
	sctx.Touch()

	h.emit(wire.EventMessageStatus, wire.MessageStatusPayload{
		SessionID: sessionID,
		MessageID: messageID,
		Status:    "processing",
	})

	runCtx, cancel := context.WithCancel(ctx)
	h.setRunning(sessionID, cancel)
	defer func() {
		h.clearRunning(sessionID)
		cancel()
		if h.concurrency.IsOwner(sessionID, messageID) {
			h.concurrency.Release(sessionID)
		}
	}()

	if err := h.pipeline.Run(runCtx, sctx); err != nil {
		if errors.Is(err, concurrency.ErrSessionCleared) {
			log.Info("queued message dropped, session was cleared")
			return nil
		}
		return h.failTurn(sessionID, messageID, sctx, err, log)
	}

	h.emitFinal(sessionID, messageID, sctx, log)

	sctx.Reset()
	if err := h.store.Update(sctx); err != nil {
		log.WithError(err).Warn("failed persisting session context after turn")
	}
	return nil
}

// HandleSessionStop tears the session down: waiters are rejected first so
// nothing else can start, then any in-flight CLI turn is cancelled.
func (h *Handler) HandleSessionStop(_ context.Context, sessionID string) error {
	log := h.logger.WithSessionID(sessionID)

	h.concurrency.ClearSession(sessionID)

	h.mu.Lock()
	cancel := h.running[sessionID]
	delete(h.running, sessionID)
	delete(h.paused, sessionID)
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	h.queue.Discard(sessionID)
	h.pool.CloseSession(sessionID)
	h.store.Delete(sessionID)

	h.emit(wire.EventSessionStopped, map[string]string{"sessionId": sessionID})
	log.Info("session stopped")
	return nil
}

// HandleSessionPause holds subsequent messages in the task queue.
func (h *Handler) HandleSessionPause(_ context.Context, sessionID string) error {
	h.mu.Lock()
	h.paused[sessionID] = true
	h.mu.Unlock()

	h.logger.WithSessionID(sessionID).Info("session paused")
	return nil
}

// HandleSessionResume replays queued messages in arrival order.
func (h *Handler) HandleSessionResume(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	delete(h.paused, sessionID)
	h.mu.Unlock()

	msgs := h.queue.Drain(sessionID)
	log := h.logger.WithSessionID(sessionID)
	log.Info("session resumed", zap.Int("queued_messages", len(msgs)))

	for _, msg := range msgs {
		err := h.HandleSessionMessage(ctx, wire.SessionMessagePayload{
			SessionID: sessionID,
			Content:   msg.Content,
			MessageID: msg.MessageID,
		})
		if err != nil {
			// The pipeline already reported the failure; stop replaying,
			// the remaining messages were cleared with the session.
			log.WithError(err).Warn("queued message failed during resume")
			return err
		}
	}
	return nil
}

// acquireTurn takes the session's processing lock, waiting in FIFO order
// behind any in-flight turn. On timeout or cancellation the queue slot is
// abandoned so release never hands the lock to a departed waiter.
func (h *Handler) acquireTurn(ctx context.Context, sessionID, messageID string) error {
	acquired, wait := h.concurrency.Acquire(sessionID, messageID)
	if acquired {
		return nil
	}

	timer := time.NewTimer(h.acquireTimeout)
	defer timer.Stop()

	select {
	case err := <-wait:
		return err
	case <-timer.C:
		h.concurrency.Abandon(sessionID, messageID)
		return &cli.TimeoutError{Phase: "acquire-lock", Timeout: h.acquireTimeout}
	case <-ctx.Done():
		h.concurrency.Abandon(sessionID, messageID)
		return fmt.Errorf("waiting for session lock: %w", ctx.Err())
	}
}

// failTurn reports a failed turn to the server and cleans up the CLI
// process so the next message starts from a fresh spawn. sctx is nil when
// the turn failed before the session context was created.
func (h *Handler) failTurn(sessionID, messageID string, sctx *session.Context, err error, log *logger.Logger) error {
	h.pool.CloseSession(sessionID)

	reason := haltReason(err)
	log.WithError(err).Error("turn failed", zap.String("halt_reason", reason))

	h.emit(wire.EventSessionError, wire.SessionErrorPayload{
		SessionID: sessionID,
		Code:      strings.ToUpper(reason),
		Message:   err.Error(),
	})
	h.emit(wire.EventSessionHalted, wire.SessionHaltedPayload{
		SessionID: sessionID,
		Reason:    reason,
		CanResume: sctx != nil && sctx.BackendSessionID != "",
	})
	h.emit(wire.EventMessageStatus, wire.MessageStatusPayload{
		SessionID: sessionID,
		MessageID: messageID,
		Status:    "failed",
	})
	return err
}

// emitFinal sends the turn's single trailing response plus context usage.
func (h *Handler) emitFinal(sessionID, messageID string, sctx *session.Context, log *logger.Logger) {
	out := sctx.LastOutbound()
	if out == nil {
		log.Warn("pipeline completed without an outbound message")
		return
	}

	h.emit(wire.EventSessionResponse, wire.SessionResponsePayload{
		SessionID: sessionID,
		MessageID: messageID,
		Message: wire.ChatMessage{
			ID:        out.ID,
			Content:   out.Content,
			Role:      "assistant",
			Streaming: false,
			CreatedAt: out.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	})

	if usage := sctx.ContextUsage; usage != nil {
		h.emit(wire.EventSessionContextUsage, wire.ContextUsagePayload{
			SessionID: sessionID,
			Used:      usage.Used,
			Total:     usage.Total,
			Percent:   usage.Percent,
		})
	}

	h.emit(wire.EventMessageStatus, wire.MessageStatusPayload{
		SessionID: sessionID,
		MessageID: messageID,
		Status:    "completed",
	})
}

// enqueuePaused buffers a message for a paused session.
func (h *Handler) enqueuePaused(sessionID, content, messageID string, log *logger.Logger) error {
	err := h.queue.Enqueue(sessionID, taskqueue.QueuedTaskMessage{
		Content:   content,
		MessageID: messageID,
	})
	if err != nil {
		log.WithError(err).Warn("rejecting message for paused session")
		h.emit(wire.EventSessionError, wire.SessionErrorPayload{
			SessionID: sessionID,
			Code:      "QUEUE_FULL",
			Message:   "session is paused and its message queue is full",
		})
		return err
	}
	log.Info("message queued for paused session", zap.Int("queue_length", h.queue.Len(sessionID)))
	return nil
}

// applyEditingContext merges the UI's editing state into the session. A
// switch to a different entity resets the injected flag so the next check
// stage reinjects the full block.
func (h *Handler) applyEditingContext(sctx *session.Context, payload *wire.EditingContextPayload) {
	if payload == nil {
		return
	}

	current := sctx.EditingContext
	if current != nil && current.EntityType == payload.EntityType && current.EntityID == payload.EntityID {
		return
	}
	sctx.EditingContext = &session.EditingContext{
		EntityType:      payload.EntityType,
		EntityID:        payload.EntityID,
		ContextInjected: false,
	}
}

func (h *Handler) isPaused(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused[sessionID]
}

func (h *Handler) setRunning(sessionID string, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running[sessionID] = cancel
}

func (h *Handler) clearRunning(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, sessionID)
}

func (h *Handler) emit(event string, payload any) {
	if h.emitter == nil {
		return
	}
	if err := h.emitter.Emit(event, payload); err != nil {
		h.logger.WithError(err).Debug("failed emitting event", zap.String("event", event))
	}
}

// haltReason maps a pipeline error to the wire-level halt reason.
func haltReason(err error) string {
	var timeoutErr *cli.TimeoutError
	var exitErr *cli.ProcessExitError

	switch {
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return wire.HaltReasonTimeout
	case errors.As(err, &exitErr):
		return wire.HaltReasonProcessExit
	default:
		return wire.HaltReasonCLIError
	}
}
