// Package claudecode holds the stream-json wire types emitted by the Claude
// CLI in one-shot print mode (-p --output-format stream-json).
package claudecode

import "encoding/json"

// Message types on stdout.
const (
	// MessageTypeSystem is the initial system message carrying the session id.
	MessageTypeSystem = "system"
	// MessageTypeAssistant carries text, thinking and tool_use blocks.
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool_result blocks echoed back into the turn.
	MessageTypeUser = "user"
	// MessageTypeResult is the terminal message of a turn.
	MessageTypeResult = "result"
)

// Message subtypes.
const (
	SubtypeSuccess = "success"
	SubtypeInit    = "init"

	// SubtypeCompactBoundary marks a system message emitted after the CLI
	// compacted its own conversation history.
	SubtypeCompactBoundary = "compact_boundary"
)

// CLIMessage is one stdout line. The type field determines which other
// fields are populated.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// System messages.
	SessionID string `json:"session_id,omitempty"`

	// Assistant and user messages.
	Message *AssistantMessage `json:"message,omitempty"`

	// Result messages. Result is a string on success and sometimes an
	// object; keep it raw and decode on demand.
	Result            json.RawMessage            `json:"result,omitempty"`
	IsError           bool                       `json:"is_error,omitempty"`
	NumTurns          int                        `json:"num_turns,omitempty"`
	DurationMS        int64                      `json:"duration_ms,omitempty"`
	TotalInputTokens  int64                      `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64                      `json:"total_output_tokens,omitempty"`
	ModelUsage        map[string]ModelUsageStats `json:"model_usage,omitempty"`
}

// AssistantMessage is the content container of assistant and user messages.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one block inside a message. The type field selects the
// populated fields: text, thinking, tool_use or tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ModelUsageStats is the per-model entry of a result's model_usage map.
type ModelUsageStats struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// ResultText returns the result field as plain text, whether it arrived as
// a JSON string or as an object with a text field.
func (m *CLIMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// ContextWindow returns the largest context window reported in model_usage,
// or 0 when absent.
func (m *CLIMessage) ContextWindow() int64 {
	var window int64
	for _, stats := range m.ModelUsage {
		if stats.ContextWindow != nil && *stats.ContextWindow > window {
			window = *stats.ContextWindow
		}
	}
	return window
}

// UserMessage is the stdin envelope for stream-json input mode.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody holds the prompt.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}
