// Package codex holds the JSON event types emitted by codex exec --json.
// Each stdout line is one Event; the msg.type field selects the payload.
package codex

import "encoding/json"

// Event msg types.
const (
	MsgSessionConfigured = "session_configured"
	MsgAgentMessage      = "agent_message"
	MsgAgentReasoning    = "agent_reasoning"
	MsgExecCommandBegin  = "exec_command_begin"
	MsgExecCommandEnd    = "exec_command_end"
	MsgTokenCount        = "token_count"
	MsgTaskComplete      = "task_complete"
	MsgError             = "error"
)

// Event is one stdout line from codex exec.
type Event struct {
	ID  string   `json:"id,omitempty"`
	Msg EventMsg `json:"msg"`
}

// EventMsg is the typed payload of an event.
type EventMsg struct {
	Type string `json:"type"`

	// session_configured
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// agent_message, error
	Message string `json:"message,omitempty"`

	// agent_reasoning
	Text string `json:"text,omitempty"`

	// exec_command_begin / exec_command_end
	CallID           string   `json:"call_id,omitempty"`
	Command          []string `json:"command,omitempty"`
	Cwd              string   `json:"cwd,omitempty"`
	ExitCode         *int     `json:"exit_code,omitempty"`
	AggregatedOutput string   `json:"aggregated_output,omitempty"`

	// token_count
	Info *TokenUsageInfo `json:"info,omitempty"`

	// task_complete
	LastAgentMessage string `json:"last_agent_message,omitempty"`
}

// TokenUsageInfo carries token accounting from token_count events.
type TokenUsageInfo struct {
	TotalTokenUsage    *TokenUsage `json:"total_token_usage,omitempty"`
	LastTokenUsage     *TokenUsage `json:"last_token_usage,omitempty"`
	ModelContextWindow *int64      `json:"model_context_window,omitempty"`
}

// TokenUsage is one token-count snapshot.
type TokenUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	TotalTokens       int64 `json:"total_tokens"`
}

// CommandInput renders an exec command's argv as a tool input map.
func (m *EventMsg) CommandInput() map[string]any {
	input := map[string]any{"command": m.Command}
	if m.Cwd != "" {
		input["cwd"] = m.Cwd
	}
	return input
}

// Parse decodes one stdout line. A nil event with nil error means the line
// was not JSON and should be skipped.
func Parse(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
