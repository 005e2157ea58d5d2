package backend

import (
	"encoding/json"
	"strings"
)

// promptPlaceholder marks where the user message goes in a custom argv
// template. Without it the prompt is appended as the last argument.
const promptPlaceholder = "{prompt}"

// customBackend runs an operator-supplied command. Stdout lines that decode
// as protocol JSON are mapped like other backends; everything else is
// treated as plain assistant text.
type customBackend struct {
	argv []string
}

// customMessage is the minimal protocol a custom command may speak.
type customMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (b *customBackend) Name() string { return NameCustom }

func (b *customBackend) Capabilities() Capabilities {
	return Capabilities{StreamJSON: true}
}

func (b *customBackend) BuildArgv(cfg SessionConfig, _, prompt string) []string {
	template := cfg.Argv
	if len(template) == 0 {
		template = b.argv
	}

	argv := make([]string, 0, len(template)+1)
	replaced := false
	for _, arg := range template {
		if arg == promptPlaceholder {
			argv = append(argv, prompt)
			replaced = true
			continue
		}
		argv = append(argv, arg)
	}
	if !replaced {
		argv = append(argv, prompt)
	}
	return argv
}

func (b *customBackend) BuildEnv(cfg SessionConfig, base []string) []string {
	return append(filterEnv(base), sessionEnv(cfg)...)
}

// FormatInput returns false: the prompt travels through the argv template.
func (b *customBackend) FormatInput(string) ([]byte, bool) {
	return nil, false
}

func (b *customBackend) ParseLine(line []byte) *ParsedMessage {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, "{") {
		var msg customMessage
		if err := json.Unmarshal([]byte(trimmed), &msg); err == nil && msg.Type != "" {
			switch msg.Type {
			case "init":
				return &ParsedMessage{Kind: KindInit, BackendSessionID: msg.SessionID, raw: &msg}
			case "message":
				return &ParsedMessage{Kind: KindAssistant, raw: &msg}
			case "result":
				return &ParsedMessage{Kind: KindResult, raw: &msg}
			case "error":
				return &ParsedMessage{Kind: KindResult, IsError: true, raw: &msg}
			}
		}
	}

	// Non-protocol output is assistant text.
	return &ParsedMessage{Kind: KindAssistant, raw: &customMessage{Type: "message", Content: trimmed}}
}

func (b *customBackend) IsComplete(msg *ParsedMessage) bool {
	return msg != nil && msg.Kind == KindResult
}

func (b *customBackend) ExtractContent(msg *ParsedMessage) string {
	if msg == nil {
		return ""
	}
	m, _ := msg.raw.(*customMessage)
	if m == nil {
		return ""
	}
	if m.Type == "error" {
		return m.Error
	}
	return m.Content
}

func (b *customBackend) ExtractToolUses(*ParsedMessage) []ToolUse       { return nil }
func (b *customBackend) ExtractToolResults(*ParsedMessage) []ToolResult { return nil }
func (b *customBackend) ExtractThinking(*ParsedMessage) string          { return "" }
func (b *customBackend) ExtractUsage(*ParsedMessage) *ContextUsage      { return nil }

// CheckCredentials always succeeds: the operator owns the command's auth.
func (b *customBackend) CheckCredentials(bool) error {
	return nil
}
