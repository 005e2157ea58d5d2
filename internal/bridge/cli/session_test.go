package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgekit/bridgekit/internal/bridge/backend"
	"github.com/bridgekit/bridgekit/internal/common/config"
	"github.com/bridgekit/bridgekit/internal/common/logger"
)

// shSession builds a session whose backend runs a shell script, speaking
// the custom backend's line protocol on stdout.
func shSession(t *testing.T, script string) *Session {
	t.Helper()

	cfg := &config.BackendsConfig{CustomCommand: []string{"/bin/sh", "-c", script}}
	b, err := backend.New(backend.NameCustom, cfg)
	require.NoError(t, err)

	runCfg := backend.SessionConfigFrom(cfg, "s1", "", "")
	return NewSession("s1", b, runCfg, logger.Default())
}

func collect(t *testing.T, msgs <-chan StreamMessage) []StreamMessage {
	t.Helper()

	var out []StreamMessage
	timeout := time.After(10 * time.Second)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-timeout:
			t.Fatal("stream did not close in time")
		}
	}
}

func TestStreamMessages(t *testing.T) {
	t.Run("full protocol turn", func(t *testing.T) {
		s := shSession(t, `
echo '{"type":"init","session_id":"be-1"}'
echo '{"type":"message","content":"working on it"}'
echo '{"type":"result","content":"all done"}'`)

		msgs, err := s.StreamMessages(context.Background(), "hello")
		require.NoError(t, err)

		out := collect(t, msgs)
		require.Len(t, out, 3)
		assert.Equal(t, StreamInit, out[0].Type)
		assert.Equal(t, "be-1", out[0].SessionID)
		assert.Equal(t, StreamText, out[1].Type)
		assert.Equal(t, "working on it", out[1].Text)
		assert.Equal(t, StreamResult, out[2].Type)
		assert.Equal(t, "all done", out[2].Result.Content)

		assert.Equal(t, "be-1", s.BackendSessionID())
	})

	t.Run("crlf lines are tolerated", func(t *testing.T) {
		s := shSession(t, `printf '{"type":"result","content":"ok"}\r\n'`)

		msgs, err := s.StreamMessages(context.Background(), "x")
		require.NoError(t, err)

		out := collect(t, msgs)
		require.Len(t, out, 1)
		assert.Equal(t, "ok", out[0].Result.Content)
	})

	t.Run("clean exit without a result synthesizes one", func(t *testing.T) {
		s := shSession(t, `echo 'line one'; echo 'line two'`)

		msgs, err := s.StreamMessages(context.Background(), "x")
		require.NoError(t, err)

		out := collect(t, msgs)
		require.Len(t, out, 3)
		assert.Equal(t, StreamText, out[0].Type)
		assert.Equal(t, StreamText, out[1].Type)
		assert.Equal(t, StreamResult, out[2].Type)
		assert.Empty(t, out[2].Result.Content)
	})

	t.Run("non-zero exit surfaces stderr tail", func(t *testing.T) {
		s := shSession(t, `echo 'credentials expired' >&2; exit 3`)

		msgs, err := s.StreamMessages(context.Background(), "x")
		require.NoError(t, err)

		out := collect(t, msgs)
		require.NotEmpty(t, out)
		last := out[len(out)-1]
		require.Equal(t, StreamError, last.Type)

		var exitErr *ProcessExitError
		require.True(t, errors.As(last.Err, &exitErr))
		assert.Equal(t, 3, exitErr.ExitCode)
		assert.Contains(t, exitErr.StderrTail, "credentials expired")
	})

	t.Run("context cancellation kills the process", func(t *testing.T) {
		s := shSession(t, `sleep 30`)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		msgs, err := s.StreamMessages(ctx, "x")
		require.NoError(t, err)

		start := time.Now()
		out := collect(t, msgs)
		assert.Less(t, time.Since(start), 5*time.Second)

		require.NotEmpty(t, out)
		assert.Equal(t, StreamError, out[len(out)-1].Type)
	})

	t.Run("one turn at a time", func(t *testing.T) {
		s := shSession(t, `sleep 2; echo '{"type":"result","content":"done"}'`)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		msgs, err := s.StreamMessages(ctx, "x")
		require.NoError(t, err)

		_, err = s.StreamMessages(ctx, "y")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "in progress")

		cancel()
		collect(t, msgs)
	})

	t.Run("closed session refuses new turns", func(t *testing.T) {
		s := shSession(t, `echo '{"type":"result","content":"x"}'`)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err := s.StreamMessages(context.Background(), "x")
		require.Error(t, err)
	})
}

func TestTailBuffer(t *testing.T) {
	buf := &tailBuffer{limit: 8}

	_, err := buf.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", buf.Tail())
}
