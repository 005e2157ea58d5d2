package handler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgekit/bridgekit/internal/bridge/cli"
	"github.com/bridgekit/bridgekit/internal/bridge/concurrency"
	"github.com/bridgekit/bridgekit/internal/bridge/contextbuilder"
	"github.com/bridgekit/bridgekit/internal/bridge/pipeline"
	"github.com/bridgekit/bridgekit/internal/bridge/pipeline/stages"
	"github.com/bridgekit/bridgekit/internal/bridge/pool"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
	"github.com/bridgekit/bridgekit/internal/common/config"
	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/internal/taskqueue"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

// okScript answers any prompt with a canned result over the custom
// backend's line protocol.
const okScript = `
echo '{"type":"init","session_id":"be-1"}'
echo '{"type":"message","content":"working"}'
echo '{"type":"result","content":"done"}'`

type emittedEvent struct {
	name    string
	payload any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (r *eventRecorder) emitter() wire.Emitter {
	return wire.EmitterFunc(func(event string, payload any) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, emittedEvent{name: event, payload: payload})
		return nil
	})
}

func (r *eventRecorder) byName(name string) []emittedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emittedEvent
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

// responses returns the session:response payloads with the given streaming
// flag, in emission order.
func (r *eventRecorder) responses(streaming bool) []wire.SessionResponsePayload {
	var out []wire.SessionResponsePayload
	for _, e := range r.byName(wire.EventSessionResponse) {
		payload := e.payload.(wire.SessionResponsePayload)
		if payload.Message.Streaming == streaming {
			out = append(out, payload)
		}
	}
	return out
}

type fakePatcher struct {
	mu       sync.Mutex
	statuses []string
}

func (p *fakePatcher) PatchSessionStatus(_ context.Context, _ string, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
	return nil
}

type fixture struct {
	handler *Handler
	store   *session.Store
	cm      *concurrency.Manager
	pool    *pool.Pool
	queue   *taskqueue.Queue
	rec     *eventRecorder
	patcher *fakePatcher
}

func newFixture(t *testing.T, script string) *fixture {
	return newFixtureWith(t, script, nil)
}

func newFixtureWith(t *testing.T, script string, cfg *config.Config) *fixture {
	t.Helper()

	log := logger.Default()
	rec := &eventRecorder{}
	patcher := &fakePatcher{}

	store := session.NewStore(0, log)
	cm := concurrency.NewManager(log)
	p := pool.NewPool(&config.BackendsConfig{
		Default:       "custom",
		CustomCommand: []string{"/bin/sh", "-c", script},
	}, log)
	queue := taskqueue.New(3)

	deps := &pipeline.Deps{
		Store:          store,
		Concurrency:    cm,
		Pool:           p,
		ContextBuilder: contextbuilder.NewBuilder(nil, log),
		Emitter:        rec.emitter(),
		Config:         cfg,
		Logger:         log,
	}
	pipe := pipeline.New(deps,
		stages.NewAcquireLock(2*time.Second),
		stages.NewCheckContextInjection(),
		stages.NewInjectContext(),
		stages.NewStreamResponse(),
		stages.NewFinalize(time.Second),
	)

	return &fixture{
		handler: New(store, cm, p, pipe, rec.emitter(), patcher, queue, 2*time.Second, log),
		store:   store,
		cm:      cm,
		pool:    p,
		queue:   queue,
		rec:     rec,
		patcher: patcher,
	}
}

func TestHandleSessionMessage(t *testing.T) {
	t.Run("happy path emits exactly one trailing response", func(t *testing.T) {
		f := newFixture(t, okScript)

		err := f.handler.HandleSessionMessage(context.Background(), wire.SessionMessagePayload{
			SessionID: "s1",
			MessageID: "m1",
			Content:   "do the thing",
		})
		require.NoError(t, err)

		finals := f.rec.responses(false)
		require.Len(t, finals, 1)
		payload := finals[0]
		assert.Equal(t, "s1", payload.SessionID)
		assert.Equal(t, "m1", payload.MessageID)
		assert.Equal(t, "done", payload.Message.Content)
		assert.Equal(t, "assistant", payload.Message.Role)

		// The context is reset and the lock released, ready for the next turn.
		sctx := f.store.Get("s1")
		require.NotNil(t, sctx)
		assert.Equal(t, session.StatusIdle, sctx.Status)
		assert.False(t, f.cm.IsProcessing("s1"))
	})

	t.Run("message status moves processing then completed", func(t *testing.T) {
		f := newFixture(t, okScript)

		require.NoError(t, f.handler.HandleSessionMessage(context.Background(), wire.SessionMessagePayload{
			SessionID: "s1", MessageID: "m1", Content: "hi",
		}))

		statuses := f.rec.byName(wire.EventMessageStatus)
		require.Len(t, statuses, 2)
		assert.Equal(t, "processing", statuses[0].payload.(wire.MessageStatusPayload).Status)
		assert.Equal(t, "completed", statuses[1].payload.(wire.MessageStatusPayload).Status)
	})

	t.Run("empty content is ignored", func(t *testing.T) {
		f := newFixture(t, okScript)

		require.NoError(t, f.handler.HandleSessionMessage(context.Background(), wire.SessionMessagePayload{
			SessionID: "s1", Content: "   \n",
		}))
		assert.Empty(t, f.rec.byName(wire.EventSessionResponse))
		assert.Nil(t, f.store.Get("s1"))
	})

	t.Run("backend failure halts with process_exit", func(t *testing.T) {
		f := newFixture(t, `echo 'auth expired' >&2; exit 5`)

		err := f.handler.HandleSessionMessage(context.Background(), wire.SessionMessagePayload{
			SessionID: "s1", MessageID: "m1", Content: "hi",
		})
		require.Error(t, err)

		halted := f.rec.byName(wire.EventSessionHalted)
		require.Len(t, halted, 1)
		haltPayload := halted[0].payload.(wire.SessionHaltedPayload)
		assert.Equal(t, wire.HaltReasonProcessExit, haltPayload.Reason)
		assert.False(t, haltPayload.CanResume)

		errs := f.rec.byName(wire.EventSessionError)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].payload.(wire.SessionErrorPayload).Message, "auth expired")

		statuses := f.rec.byName(wire.EventMessageStatus)
		require.Len(t, statuses, 2)
		assert.Equal(t, "failed", statuses[1].payload.(wire.MessageStatusPayload).Status)

		// The CLI session was torn down and the lock cleared.
		assert.Equal(t, 0, f.pool.Count())
		assert.False(t, f.cm.IsProcessing("s1"))
	})

	t.Run("consecutive turns reuse the session", func(t *testing.T) {
		f := newFixture(t, okScript)

		for i := 0; i < 3; i++ {
			require.NoError(t, f.handler.HandleSessionMessage(context.Background(), wire.SessionMessagePayload{
				SessionID: "s1",
				MessageID: fmt.Sprintf("m%d", i),
				Content:   "go",
			}))
		}
		assert.Len(t, f.rec.responses(false), 3)
		assert.Equal(t, 1, f.pool.Count())
	})

	t.Run("streaming chunks are forwarded before the final response", func(t *testing.T) {
		f := newFixture(t, `
echo '{"type":"init","session_id":"be-1"}'
echo '{"type":"message","content":"He"}'
echo '{"type":"message","content":"llo"}'
echo '{"type":"result","content":"Hello"}'`)

		require.NoError(t, f.handler.HandleSessionMessage(context.Background(), wire.SessionMessagePayload{
			SessionID: "s1", MessageID: "m1", Content: "Hi",
		}))

		require.Len(t, f.rec.byName(wire.EventSessionResponse), 3)

		chunks := f.rec.responses(true)
		require.Len(t, chunks, 2)
		assert.Equal(t, "He", chunks[0].Message.Content)
		assert.Equal(t, "llo", chunks[1].Message.Content)
		assert.Equal(t, "m1", chunks[0].MessageID)

		finals := f.rec.responses(false)
		require.Len(t, finals, 1)
		assert.Equal(t, "Hello", finals[0].Message.Content)
		assert.Equal(t, "m1", finals[0].MessageID)

		// Chunks and the trailing response carry the same assistant message id.
		assert.Equal(t, finals[0].Message.ID, chunks[0].Message.ID)
		assert.Equal(t, finals[0].Message.ID, chunks[1].Message.ID)
	})

	t.Run("second message queues behind the running turn", func(t *testing.T) {
		f := newFixture(t, "sleep 0.3\n"+okScript)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(time.Duration(i) * 30 * time.Millisecond)
				errs[i] = f.handler.HandleSessionMessage(ctx, wire.SessionMessagePayload{
					SessionID: "s1",
					MessageID: fmt.Sprintf("m%d", i),
					Content:   "go",
				})
			}()
		}

		// Both messages are active while m1 waits behind m0.
		require.Eventually(t, func() bool {
			return len(f.cm.ActiveMessageIDs()) == 2
		}, 2*time.Second, 10*time.Millisecond)

		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		assert.Len(t, f.rec.responses(false), 2)
		assert.Empty(t, f.rec.byName(wire.EventSessionError))
		assert.False(t, f.cm.IsProcessing("s1"))
		assert.Zero(t, f.cm.QueueLength("s1"))
	})

	t.Run("stream timeout halts with the timeout reason", func(t *testing.T) {
		f := newFixtureWith(t, `sleep 30`, &config.Config{
			Pipeline: config.PipelineConfig{StageTimeout: 1},
		})

		err := f.handler.HandleSessionMessage(context.Background(), wire.SessionMessagePayload{
			SessionID: "s1", MessageID: "m1", Content: "hi",
		})
		require.Error(t, err)

		halted := f.rec.byName(wire.EventSessionHalted)
		require.Len(t, halted, 1)
		assert.Equal(t, wire.HaltReasonTimeout, halted[0].payload.(wire.SessionHaltedPayload).Reason)

		// The lock is cleared and the CLI child torn down.
		assert.False(t, f.cm.IsProcessing("s1"))
		assert.Equal(t, 0, f.pool.Count())
	})
}

func TestPauseAndResume(t *testing.T) {
	t.Run("paused messages queue and replay in order", func(t *testing.T) {
		f := newFixture(t, okScript)
		ctx := context.Background()

		require.NoError(t, f.handler.HandleSessionPause(ctx, "s1"))

		for i := 0; i < 2; i++ {
			require.NoError(t, f.handler.HandleSessionMessage(ctx, wire.SessionMessagePayload{
				SessionID: "s1",
				MessageID: fmt.Sprintf("m%d", i),
				Content:   "queued",
			}))
		}
		assert.Empty(t, f.rec.byName(wire.EventSessionResponse))
		assert.Equal(t, 2, f.queue.Len("s1"))

		require.NoError(t, f.handler.HandleSessionResume(ctx, "s1"))

		finals := f.rec.responses(false)
		require.Len(t, finals, 2)
		assert.Equal(t, "m0", finals[0].MessageID)
		assert.Equal(t, "m1", finals[1].MessageID)
		assert.Equal(t, 0, f.queue.Len("s1"))
	})

	t.Run("full queue rejects with QUEUE_FULL", func(t *testing.T) {
		f := newFixture(t, okScript)
		ctx := context.Background()

		require.NoError(t, f.handler.HandleSessionPause(ctx, "s1"))

		for i := 0; i < 3; i++ {
			require.NoError(t, f.handler.HandleSessionMessage(ctx, wire.SessionMessagePayload{
				SessionID: "s1", Content: "queued",
			}))
		}

		err := f.handler.HandleSessionMessage(ctx, wire.SessionMessagePayload{
			SessionID: "s1", Content: "one too many",
		})
		require.ErrorIs(t, err, taskqueue.ErrQueueFull)

		errs := f.rec.byName(wire.EventSessionError)
		require.Len(t, errs, 1)
		assert.Equal(t, "QUEUE_FULL", errs[0].payload.(wire.SessionErrorPayload).Code)
	})

	t.Run("pause only affects its own session", func(t *testing.T) {
		f := newFixture(t, okScript)
		ctx := context.Background()

		require.NoError(t, f.handler.HandleSessionPause(ctx, "paused"))
		require.NoError(t, f.handler.HandleSessionMessage(ctx, wire.SessionMessagePayload{
			SessionID: "other", MessageID: "m1", Content: "hi",
		}))
		assert.Len(t, f.rec.responses(false), 1)
	})
}

func TestHandleSessionStop(t *testing.T) {
	f := newFixture(t, okScript)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleSessionMessage(ctx, wire.SessionMessagePayload{
		SessionID: "s1", MessageID: "m1", Content: "hi",
	}))
	require.Equal(t, 1, f.pool.Count())

	require.NoError(t, f.handler.HandleSessionStop(ctx, "s1"))

	assert.Equal(t, 0, f.pool.Count())
	assert.Nil(t, f.store.Get("s1"))
	assert.Len(t, f.rec.byName(wire.EventSessionStopped), 1)

	// A stopped session accepts new messages as a fresh start.
	require.NoError(t, f.handler.HandleSessionMessage(ctx, wire.SessionMessagePayload{
		SessionID: "s1", MessageID: "m2", Content: "again",
	}))
	assert.Len(t, f.rec.responses(false), 2)
}

func TestEditingContextMerge(t *testing.T) {
	f := newFixture(t, okScript)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleSessionMessage(ctx, wire.SessionMessagePayload{
		SessionID:      "s1",
		MessageID:      "m1",
		Content:        "edit it",
		EditingContext: &wire.EditingContextPayload{EntityType: "spec", EntityID: "sp-1"},
	}))

	sctx := f.store.Get("s1")
	require.NotNil(t, sctx)
	require.NotNil(t, sctx.EditingContext)
	assert.True(t, sctx.EditingContext.ContextInjected)
	assert.Equal(t, "spec/sp-1", sctx.LastInjectedEntity)

	// Switching entities resets the injected flag so the next turn
	// reinjects in full.
	require.NoError(t, f.handler.HandleSessionMessage(ctx, wire.SessionMessagePayload{
		SessionID:      "s1",
		MessageID:      "m2",
		Content:        "now this one",
		EditingContext: &wire.EditingContextPayload{EntityType: "task", EntityID: "t-9"},
	}))
	assert.Equal(t, "task/t-9", f.store.Get("s1").LastInjectedEntity)
}

func TestHaltReason(t *testing.T) {
	assert.Equal(t, wire.HaltReasonTimeout, haltReason(context.DeadlineExceeded))
	assert.Equal(t, wire.HaltReasonTimeout,
		haltReason(fmt.Errorf("stage: %w", &cli.TimeoutError{Phase: "stream", Timeout: time.Second})))
	assert.Equal(t, wire.HaltReasonProcessExit,
		haltReason(fmt.Errorf("stage: %w", &cli.ProcessExitError{ExitCode: 1})))
	assert.Equal(t, wire.HaltReasonCLIError, haltReason(fmt.Errorf("anything else")))
}
