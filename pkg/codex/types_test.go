package codex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("session configured", func(t *testing.T) {
		ev, err := Parse([]byte(`{"id":"0","msg":{"type":"session_configured","session_id":"thr-1","model":"gpt-5"}}`))
		require.NoError(t, err)
		assert.Equal(t, MsgSessionConfigured, ev.Msg.Type)
		assert.Equal(t, "thr-1", ev.Msg.SessionID)
	})

	t.Run("token count", func(t *testing.T) {
		ev, err := Parse([]byte(`{"msg":{"type":"token_count","info":{"total_token_usage":{"total_tokens":1234},"model_context_window":272000}}}`))
		require.NoError(t, err)
		require.NotNil(t, ev.Msg.Info)
		assert.Equal(t, int64(1234), ev.Msg.Info.TotalTokenUsage.TotalTokens)
		assert.Equal(t, int64(272000), *ev.Msg.Info.ModelContextWindow)
	})

	t.Run("non-json line errors", func(t *testing.T) {
		_, err := Parse([]byte("reading prompt from stdin..."))
		assert.Error(t, err)
	})
}

func TestCommandInput(t *testing.T) {
	msg := EventMsg{
		Type:    MsgExecCommandBegin,
		Command: []string{"ls", "-la"},
		Cwd:     "/srv",
	}
	input := msg.CommandInput()
	assert.Equal(t, []string{"ls", "-la"}, input["command"])
	assert.Equal(t, "/srv", input["cwd"])

	bare := EventMsg{Type: MsgExecCommandBegin, Command: []string{"pwd"}}
	assert.NotContains(t, bare.CommandInput(), "cwd")
}
