package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgekit/bridgekit/internal/common/errors"
	"github.com/bridgekit/bridgekit/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(0, logger.Default())
}

func TestStoreLifecycle(t *testing.T) {
	t.Run("get or create is lazy and stable", func(t *testing.T) {
		s := newTestStore(t)

		assert.Nil(t, s.Get("s1"))
		ctx := s.GetOrCreate("s1")
		require.NotNil(t, ctx)
		assert.Same(t, ctx, s.GetOrCreate("s1"))
		assert.Equal(t, 1, s.Count())
	})

	t.Run("update rejects never-created sessions", func(t *testing.T) {
		s := newTestStore(t)

		err := s.Update(NewContext("ghost", 0))
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("update accepts the stored object", func(t *testing.T) {
		s := newTestStore(t)

		ctx := s.GetOrCreate("s1")
		ctx.Touch()
		require.NoError(t, s.Update(ctx))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newTestStore(t)

		s.GetOrCreate("s1")
		s.Delete("s1")
		s.Delete("s1")
		assert.Nil(t, s.Get("s1"))
	})
}

func TestStoreSnapshot(t *testing.T) {
	s := newTestStore(t)

	assert.Nil(t, s.Snapshot("unknown"))

	ctx := s.GetOrCreate("s1")
	ctx.CurrentMessage = &Message{ID: "m1", Content: "hi"}

	snap := s.Snapshot("s1")
	require.NotNil(t, snap)
	snap.CurrentMessage.Content = "mutated"
	assert.Equal(t, "hi", ctx.CurrentMessage.Content)
}

func TestBadSessions(t *testing.T) {
	s := newTestStore(t)

	errored := s.GetOrCreate("errored")
	require.NoError(t, errored.Advance(StatusError))

	stale := s.GetOrCreate("stale")
	require.NoError(t, stale.Advance(StatusStreaming))
	stale.LastActivityAt = time.Now().Add(-time.Hour)

	healthy := s.GetOrCreate("healthy")
	require.NoError(t, healthy.Advance(StatusComplete))

	s.GetOrCreate("idle")

	bad := s.BadSessions(5 * time.Minute)
	ids := make([]string, 0, len(bad))
	for _, ctx := range bad {
		ids = append(ids, ctx.SessionID)
	}
	assert.ElementsMatch(t, []string{"errored", "stale"}, ids)
}
