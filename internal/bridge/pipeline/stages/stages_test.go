package stages

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgekit/bridgekit/internal/bridge/cli"
	"github.com/bridgekit/bridgekit/internal/bridge/concurrency"
	"github.com/bridgekit/bridgekit/internal/bridge/contextbuilder"
	"github.com/bridgekit/bridgekit/internal/bridge/pipeline"
	"github.com/bridgekit/bridgekit/internal/bridge/pool"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
	"github.com/bridgekit/bridgekit/internal/common/config"
	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

type fakeFetcher struct {
	fields map[string]any
	err    error
}

func (f *fakeFetcher) FetchEntity(context.Context, string, string) (map[string]any, error) {
	return f.fields, f.err
}

type emitRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *emitRecorder) emitter() wire.Emitter {
	return wire.EmitterFunc(func(event string, _ any) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, event)
		return nil
	})
}

func (r *emitRecorder) has(event string) bool {
	return r.count(event) > 0
}

func (r *emitRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func newStageDeps(t *testing.T) (*pipeline.Deps, *emitRecorder) {
	t.Helper()

	log := logger.Default()
	rec := &emitRecorder{}
	return &pipeline.Deps{
		Store:          session.NewStore(0, log),
		Concurrency:    concurrency.NewManager(log),
		ContextBuilder: contextbuilder.NewBuilder(&fakeFetcher{fields: map[string]any{"title": "API spec"}}, log),
		Emitter:        rec.emitter(),
		Logger:         log,
	}, rec
}

func TestAcquireLockStage(t *testing.T) {
	stage := NewAcquireLock(time.Second)

	t.Run("records a lock held by this message", func(t *testing.T) {
		deps, _ := newStageDeps(t)

		acquired, _ := deps.Concurrency.Acquire("s1", "m1")
		require.True(t, acquired)

		sctx := deps.Store.GetOrCreate("s1")
		sctx.UserMessageID = "m1"

		require.NoError(t, stage.Execute(context.Background(), sctx, deps))
		assert.Equal(t, session.StatusLocked, sctx.Status)
	})

	t.Run("errors when the lock is not held", func(t *testing.T) {
		deps, _ := newStageDeps(t)

		sctx := deps.Store.GetOrCreate("s1")
		sctx.UserMessageID = "m1"

		err := stage.Execute(context.Background(), sctx, deps)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lock")
		assert.Equal(t, session.StatusIdle, sctx.Status)
	})

	t.Run("errors when another message owns the lock", func(t *testing.T) {
		deps, _ := newStageDeps(t)

		acquired, _ := deps.Concurrency.Acquire("s1", "m0")
		require.True(t, acquired)

		sctx := deps.Store.GetOrCreate("s1")
		sctx.UserMessageID = "m1"

		require.Error(t, stage.Execute(context.Background(), sctx, deps))
		assert.Equal(t, session.StatusIdle, sctx.Status)
	})
}

func TestCheckContextInjectionStage(t *testing.T) {
	stage := NewCheckContextInjection()

	run := func(t *testing.T, sctx *session.Context) session.InjectionMode {
		t.Helper()
		deps, _ := newStageDeps(t)
		require.NoError(t, stage.Execute(context.Background(), sctx, deps))
		return sctx.PendingInjection
	}

	t.Run("no editing context means no injection", func(t *testing.T) {
		sctx := session.NewContext("s1", 0)
		assert.Equal(t, session.InjectionNone, run(t, sctx))
	})

	t.Run("first message gets the full block", func(t *testing.T) {
		sctx := session.NewContext("s1", 0)
		sctx.EditingContext = &session.EditingContext{EntityType: "spec", EntityID: "sp-1"}
		assert.Equal(t, session.InjectionFull, run(t, sctx))
	})

	t.Run("same entity gets the minimal marker", func(t *testing.T) {
		sctx := session.NewContext("s1", 0)
		sctx.EditingContext = &session.EditingContext{EntityType: "spec", EntityID: "sp-1", ContextInjected: true}
		sctx.LastInjectedEntity = "spec/sp-1"
		assert.Equal(t, session.InjectionMinimal, run(t, sctx))
	})

	t.Run("switching entities re-injects in full", func(t *testing.T) {
		sctx := session.NewContext("s1", 0)
		sctx.EditingContext = &session.EditingContext{EntityType: "spec", EntityID: "sp-2", ContextInjected: true}
		sctx.LastInjectedEntity = "spec/sp-1"
		assert.Equal(t, session.InjectionFull, run(t, sctx))
	})
}

func TestInjectContextStage(t *testing.T) {
	stage := NewInjectContext()

	t.Run("full injection prepends the context block", func(t *testing.T) {
		deps, rec := newStageDeps(t)

		sctx := session.NewContext("s1", 0)
		sctx.EditingContext = &session.EditingContext{EntityType: "spec", EntityID: "sp-1"}
		sctx.CurrentMessage = &session.Message{ID: "m1", Content: "rename the field"}
		sctx.PendingInjection = session.InjectionFull

		require.NoError(t, stage.Execute(context.Background(), sctx, deps))

		assert.Contains(t, sctx.CurrentMessage.Content, "## Editing Context")
		assert.Contains(t, sctx.CurrentMessage.Content, "API spec")
		assert.True(t, strings.HasSuffix(sctx.CurrentMessage.Content, "rename the field"))
		assert.True(t, sctx.EditingContext.ContextInjected)
		assert.Equal(t, "spec/sp-1", sctx.LastInjectedEntity)
		assert.Equal(t, session.InjectionNone, sctx.PendingInjection)
		assert.True(t, rec.has(wire.EventSessionContextInjected))
	})

	t.Run("minimal injection prepends the marker only", func(t *testing.T) {
		deps, _ := newStageDeps(t)

		sctx := session.NewContext("s1", 0)
		sctx.EditingContext = &session.EditingContext{EntityType: "spec", EntityID: "sp-1", ContextInjected: true}
		sctx.CurrentMessage = &session.Message{ID: "m1", Content: "also update the title"}
		sctx.PendingInjection = session.InjectionMinimal

		require.NoError(t, stage.Execute(context.Background(), sctx, deps))
		assert.Equal(t, "[editing: spec/sp-1]\nalso update the title", sctx.CurrentMessage.Content)
	})

	t.Run("none leaves the message untouched", func(t *testing.T) {
		deps, _ := newStageDeps(t)

		sctx := session.NewContext("s1", 0)
		sctx.CurrentMessage = &session.Message{ID: "m1", Content: "hello"}

		require.NoError(t, stage.Execute(context.Background(), sctx, deps))
		assert.Equal(t, "hello", sctx.CurrentMessage.Content)
		assert.Equal(t, session.StatusInjecting, sctx.Status)
	})
}

func TestStreamResponseStage(t *testing.T) {
	newStreamDeps := func(t *testing.T, script string) (*pipeline.Deps, *emitRecorder) {
		t.Helper()
		deps, rec := newStageDeps(t)
		deps.Pool = pool.NewPool(&config.BackendsConfig{
			Default:       "custom",
			CustomCommand: []string{"/bin/sh", "-c", script},
		}, logger.Default())
		return deps, rec
	}

	t.Run("buffers the final assistant message", func(t *testing.T) {
		deps, _ := newStreamDeps(t, `
echo '{"type":"init","session_id":"be-9"}'
echo '{"type":"message","content":"thinking about it"}'
echo '{"type":"result","content":"here is the answer"}'`)

		sctx := session.NewContext("s1", 0)
		sctx.CurrentMessage = &session.Message{ID: "m1", Content: "question"}

		require.NoError(t, NewStreamResponse().Execute(context.Background(), sctx, deps))

		assert.Equal(t, "be-9", sctx.BackendSessionID)
		require.NotNil(t, sctx.LastOutbound())
		assert.Equal(t, "here is the answer", sctx.LastOutbound().Content)
		assert.Equal(t, "assistant", sctx.LastOutbound().Role)
	})

	t.Run("emits a streaming response per text chunk", func(t *testing.T) {
		deps, rec := newStreamDeps(t, `
echo '{"type":"init","session_id":"be-9"}'
echo '{"type":"message","content":"part one"}'
echo '{"type":"message","content":"part two"}'
echo '{"type":"result","content":"all of it"}'`)

		sctx := session.NewContext("s1", 0)
		sctx.UserMessageID = "m1"
		sctx.CurrentMessage = &session.Message{ID: "m1", Content: "question"}

		require.NoError(t, NewStreamResponse().Execute(context.Background(), sctx, deps))

		assert.Equal(t, 2, rec.count(wire.EventSessionResponse))
		assert.True(t, rec.has(wire.EventSessionActivity))
	})

	t.Run("stage deadline surfaces as a timeout", func(t *testing.T) {
		deps, _ := newStreamDeps(t, `sleep 30`)

		sctx := session.NewContext("s1", 0)
		sctx.CurrentMessage = &session.Message{ID: "m1", Content: "question"}

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := NewStreamResponse().Execute(ctx, sctx, deps)
		require.Error(t, err)

		var timeoutErr *cli.TimeoutError
		assert.ErrorAs(t, err, &timeoutErr)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("falls back to accumulated fragments", func(t *testing.T) {
		deps, _ := newStreamDeps(t, `
echo '{"type":"message","content":"part one"}'
echo '{"type":"message","content":"part two"}'
echo '{"type":"result"}'`)

		sctx := session.NewContext("s1", 0)
		sctx.CurrentMessage = &session.Message{ID: "m1", Content: "question"}

		require.NoError(t, NewStreamResponse().Execute(context.Background(), sctx, deps))
		require.NotNil(t, sctx.LastOutbound())
		assert.Equal(t, "part one\npart two", sctx.LastOutbound().Content)
	})

	t.Run("backend failure surfaces the exit error", func(t *testing.T) {
		deps, _ := newStreamDeps(t, `echo 'token expired' >&2; exit 7`)

		sctx := session.NewContext("s1", 0)
		sctx.CurrentMessage = &session.Message{ID: "m1", Content: "question"}

		err := NewStreamResponse().Execute(context.Background(), sctx, deps)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "token expired")
	})

	t.Run("missing current message is an error", func(t *testing.T) {
		deps, _ := newStreamDeps(t, `true`)
		sctx := session.NewContext("s1", 0)

		err := NewStreamResponse().Execute(context.Background(), sctx, deps)
		require.Error(t, err)
	})
}

func TestFinalizeStage(t *testing.T) {
	deps, _ := newStageDeps(t)

	sctx := session.NewContext("s1", 0)
	require.NoError(t, sctx.Advance(session.StatusStreaming))
	sctx.CurrentMessage = &session.Message{ID: "m1"}
	sctx.PushInbound(session.Message{ID: "m1", Role: "user"})

	require.NoError(t, NewFinalize(time.Second).Execute(context.Background(), sctx, deps))

	assert.Equal(t, session.StatusComplete, sctx.Status)
	assert.Nil(t, sctx.CurrentMessage)
	assert.Empty(t, sctx.Queue.Inbound)
}

func TestEntityKey(t *testing.T) {
	assert.Equal(t, "spec/sp-1", entityKey("spec", "sp-1"))
	assert.NotEqual(t, entityKey("spec", "sp-1"), entityKey("task", "sp-1"))
}
