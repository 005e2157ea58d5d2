package backend

import (
	"encoding/json"
	"strings"
)

// geminiBackend drives the Gemini CLI. The prompt is a positional argument
// and stdin is closed immediately; stdout is stream-json.
type geminiBackend struct {
	binary string
}

// geminiMessage is one stream-json stdout line.
type geminiMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// thought
	Text string `json:"text,omitempty"`

	// tool_call / tool_result
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Output string         `json:"output,omitempty"`
	Failed bool           `json:"failed,omitempty"`

	// result / error
	Response string       `json:"response,omitempty"`
	Error    string       `json:"error,omitempty"`
	Stats    *geminiStats `json:"stats,omitempty"`
}

type geminiStats struct {
	TotalTokens   int64 `json:"total_tokens"`
	ContextWindow int64 `json:"context_window"`
}

func (b *geminiBackend) Name() string { return NameGemini }

func (b *geminiBackend) Capabilities() Capabilities {
	return Capabilities{Resume: true, StreamJSON: true, Tools: true, Thinking: true}
}

func (b *geminiBackend) BuildArgv(cfg SessionConfig, resumeID, prompt string) []string {
	bin := b.binary
	if cfg.BinaryPath != "" {
		bin = cfg.BinaryPath
	}

	argv := []string{bin, "--output-format", "stream-json"}
	if resumeID != "" {
		argv = append(argv, "--resume", resumeID)
	}
	if cfg.Model != "" {
		argv = append(argv, "--model", cfg.Model)
	}
	if cfg.SkipPermissions {
		argv = append(argv, "--approval-mode", "yolo")
	}
	if len(cfg.MountDirs) > 0 {
		argv = append(argv, "--include-directories", strings.Join(cfg.MountDirs, ","))
	}
	argv = append(argv, prompt)
	return argv
}

func (b *geminiBackend) BuildEnv(cfg SessionConfig, base []string) []string {
	env := filterEnv(base, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	return append(env, sessionEnv(cfg)...)
}

// FormatInput returns false: the prompt travels as a positional argument.
func (b *geminiBackend) FormatInput(string) ([]byte, bool) {
	return nil, false
}

func (b *geminiBackend) ParseLine(line []byte) *ParsedMessage {
	var msg geminiMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil
	}

	switch msg.Type {
	case "init":
		if msg.SessionID == "" {
			return nil
		}
		return &ParsedMessage{Kind: KindInit, BackendSessionID: msg.SessionID, raw: &msg}
	case "message":
		if msg.Role != "assistant" {
			return nil
		}
		return &ParsedMessage{Kind: KindAssistant, raw: &msg}
	case "thought":
		return &ParsedMessage{Kind: KindAssistant, raw: &msg}
	case "tool_call":
		return &ParsedMessage{Kind: KindAssistant, raw: &msg}
	case "tool_result":
		return &ParsedMessage{Kind: KindToolEcho, raw: &msg}
	case "result":
		return &ParsedMessage{Kind: KindResult, raw: &msg}
	case "error":
		return &ParsedMessage{Kind: KindResult, IsError: true, raw: &msg}
	default:
		return nil
	}
}

func (b *geminiBackend) IsComplete(msg *ParsedMessage) bool {
	return msg != nil && msg.Kind == KindResult
}

func (b *geminiBackend) ExtractContent(msg *ParsedMessage) string {
	m := geminiRaw(msg)
	if m == nil {
		return ""
	}
	switch m.Type {
	case "message":
		return m.Content
	case "result":
		return m.Response
	case "error":
		return m.Error
	}
	return ""
}

func (b *geminiBackend) ExtractToolUses(msg *ParsedMessage) []ToolUse {
	m := geminiRaw(msg)
	if m == nil || m.Type != "tool_call" {
		return nil
	}
	return []ToolUse{{ID: m.ID, Name: m.Name, Input: m.Args}}
}

func (b *geminiBackend) ExtractToolResults(msg *ParsedMessage) []ToolResult {
	m := geminiRaw(msg)
	if m == nil || m.Type != "tool_result" {
		return nil
	}
	return []ToolResult{{ToolUseID: m.ID, Output: m.Output, IsError: m.Failed}}
}

func (b *geminiBackend) ExtractThinking(msg *ParsedMessage) string {
	m := geminiRaw(msg)
	if m == nil || m.Type != "thought" {
		return ""
	}
	return m.Text
}

func (b *geminiBackend) ExtractUsage(msg *ParsedMessage) *ContextUsage {
	m := geminiRaw(msg)
	if m == nil || m.Stats == nil || m.Stats.ContextWindow == 0 {
		return nil
	}
	return &ContextUsage{
		Used:    m.Stats.TotalTokens,
		Total:   m.Stats.ContextWindow,
		Percent: float64(m.Stats.TotalTokens) / float64(m.Stats.ContextWindow) * 100,
	}
}

func (b *geminiBackend) CheckCredentials(containerMode bool) error {
	if envAny("GEMINI_API_KEY", "GOOGLE_API_KEY") || homeFileExists(".gemini/settings.json") {
		return nil
	}
	return missingCredentials(NameGemini, "no GEMINI_API_KEY/GOOGLE_API_KEY and no ~/.gemini/settings.json", containerMode)
}

func geminiRaw(msg *ParsedMessage) *geminiMessage {
	if msg == nil {
		return nil
	}
	m, _ := msg.raw.(*geminiMessage)
	return m
}
