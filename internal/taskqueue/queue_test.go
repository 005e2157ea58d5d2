package taskqueue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	t.Run("drain returns messages in arrival order", func(t *testing.T) {
		q := New(5)

		for i := 0; i < 3; i++ {
			require.NoError(t, q.Enqueue("s1", QueuedTaskMessage{
				Content:   fmt.Sprintf("msg-%d", i),
				MessageID: fmt.Sprintf("m%d", i),
			}))
		}
		require.Equal(t, 3, q.Len("s1"))

		msgs := q.Drain("s1")
		require.Len(t, msgs, 3)
		assert.Equal(t, "msg-0", msgs[0].Content)
		assert.Equal(t, "msg-2", msgs[2].Content)
		assert.False(t, msgs[0].Timestamp.IsZero())

		assert.Equal(t, 0, q.Len("s1"))
		assert.Empty(t, q.Drain("s1"))
	})

	t.Run("cap rejects overflow", func(t *testing.T) {
		q := New(2)

		require.NoError(t, q.Enqueue("s1", QueuedTaskMessage{Content: "a"}))
		require.NoError(t, q.Enqueue("s1", QueuedTaskMessage{Content: "b"}))
		assert.ErrorIs(t, q.Enqueue("s1", QueuedTaskMessage{Content: "c"}), ErrQueueFull)

		// Other sessions have their own budget.
		require.NoError(t, q.Enqueue("s2", QueuedTaskMessage{Content: "a"}))
	})

	t.Run("zero capacity falls back to the default", func(t *testing.T) {
		q := New(0)
		for i := 0; i < DefaultCap; i++ {
			require.NoError(t, q.Enqueue("s1", QueuedTaskMessage{Content: "x"}))
		}
		assert.ErrorIs(t, q.Enqueue("s1", QueuedTaskMessage{Content: "x"}), ErrQueueFull)
	})

	t.Run("discard drops without replay", func(t *testing.T) {
		q := New(5)
		require.NoError(t, q.Enqueue("s1", QueuedTaskMessage{Content: "a"}))

		q.Discard("s1")
		assert.Equal(t, 0, q.Len("s1"))
		q.Discard("s1")
	})
}
