package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgekit/bridgekit/internal/bridge/concurrency"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

type fakeStage struct {
	name    string
	timeout time.Duration
	execute func(ctx context.Context, sctx *session.Context, deps *Deps) error
}

func (s *fakeStage) Name() string           { return s.name }
func (s *fakeStage) Timeout() time.Duration { return s.timeout }

func (s *fakeStage) Execute(ctx context.Context, sctx *session.Context, deps *Deps) error {
	if s.execute == nil {
		return nil
	}
	return s.execute(ctx, sctx, deps)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) emitter() wire.Emitter {
	return wire.EmitterFunc(func(event string, _ any) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, event)
		return nil
	})
}

func (r *eventRecorder) count(event string) int {
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

func newTestDeps(t *testing.T) (*Deps, *eventRecorder) {
	t.Helper()

	log := logger.Default()
	rec := &eventRecorder{}
	return &Deps{
		Store:       session.NewStore(0, log),
		Concurrency: concurrency.NewManager(log),
		Emitter:     rec.emitter(),
		Logger:      log,
	}, rec
}

func TestPipelineRun(t *testing.T) {
	t.Run("stages run in order", func(t *testing.T) {
		deps, rec := newTestDeps(t)

		var order []string
		mk := func(name string) *fakeStage {
			return &fakeStage{name: name, execute: func(context.Context, *session.Context, *Deps) error {
				order = append(order, name)
				return nil
			}}
		}

		p := New(deps, mk("first"), mk("second"), mk("third"))
		sctx := deps.Store.GetOrCreate("s1")

		require.NoError(t, p.Run(context.Background(), sctx))
		assert.Equal(t, []string{"first", "second", "third"}, order)
		assert.Positive(t, rec.count(wire.EventSessionPipelineEvent))
		assert.Equal(t, 3, rec.count(wire.EventSessionPipelineState))
	})

	t.Run("stage completion is recorded on the context", func(t *testing.T) {
		deps, _ := newTestDeps(t)

		p := New(deps, &fakeStage{name: "only"})
		sctx := deps.Store.GetOrCreate("s1")
		require.NoError(t, p.Run(context.Background(), sctx))

		require.NotEmpty(t, sctx.Events)
		assert.Equal(t, "stage:only:complete", sctx.Events[len(sctx.Events)-1].Type)
	})

	t.Run("failure marks the session errored and clears the lock", func(t *testing.T) {
		deps, _ := newTestDeps(t)

		sctx := deps.Store.GetOrCreate("s1")
		acquired, _ := deps.Concurrency.Acquire("s1", "m1")
		require.True(t, acquired)

		boom := errors.New("backend exploded")
		p := New(deps,
			&fakeStage{name: "ok"},
			&fakeStage{name: "boom", execute: func(context.Context, *session.Context, *Deps) error {
				return boom
			}},
			&fakeStage{name: "never", execute: func(context.Context, *session.Context, *Deps) error {
				t.Fatal("stage after a failure must not run")
				return nil
			}})

		err := p.Run(context.Background(), sctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, session.StatusError, sctx.Status)

		// The lock was cleared, so a fresh acquire succeeds immediately.
		acquired, _ = deps.Concurrency.Acquire("s1", "m2")
		assert.True(t, acquired)
	})

	t.Run("a stage cannot reassign the session id", func(t *testing.T) {
		deps, _ := newTestDeps(t)

		p := New(deps, &fakeStage{name: "hijack", execute: func(_ context.Context, sctx *session.Context, _ *Deps) error {
			sctx.SessionID = "other"
			return nil
		}})

		sctx := deps.Store.GetOrCreate("s1")
		err := p.Run(context.Background(), sctx)
		require.Error(t, err)
		assert.Equal(t, "s1", sctx.SessionID)
		assert.Equal(t, session.StatusError, sctx.Status)
	})

	t.Run("stage timeout cancels the stage context", func(t *testing.T) {
		deps, _ := newTestDeps(t)

		p := New(deps, &fakeStage{
			name:    "slow",
			timeout: 50 * time.Millisecond,
			execute: func(ctx context.Context, _ *session.Context, _ *Deps) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Second):
					return nil
				}
			},
		})

		sctx := deps.Store.GetOrCreate("s1")
		start := time.Now()
		err := p.Run(context.Background(), sctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}
