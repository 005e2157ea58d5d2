package backend

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/bridgekit/bridgekit/pkg/claudecode"
)

// claudeContextWindow is assumed when the CLI does not report one.
const claudeContextWindow = 200_000

// claudeBackend drives the Claude CLI in one-shot print mode with
// stream-json on both stdin and stdout.
type claudeBackend struct {
	binary string
}

func (b *claudeBackend) Name() string { return NameClaude }

func (b *claudeBackend) Capabilities() Capabilities {
	return Capabilities{Resume: true, StreamJSON: true, Tools: true, Thinking: true}
}

func (b *claudeBackend) BuildArgv(cfg SessionConfig, resumeID, _ string) []string {
	bin := b.binary
	if cfg.BinaryPath != "" {
		bin = cfg.BinaryPath
	}

	argv := []string{
		bin, "-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if resumeID != "" {
		argv = append(argv, "--resume", resumeID)
	}
	if cfg.Model != "" {
		argv = append(argv, "--model", cfg.Model)
	}
	if cfg.SystemPrompt != "" {
		argv = append(argv, "--append-system-prompt", cfg.SystemPrompt)
	}
	if len(cfg.AllowedTools) > 0 {
		argv = append(argv, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	// The CLI refuses the skip flag when running as root.
	if cfg.SkipPermissions && os.Geteuid() != 0 {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	for _, dir := range cfg.MountDirs {
		argv = append(argv, "--add-dir", dir)
	}
	return argv
}

func (b *claudeBackend) BuildEnv(cfg SessionConfig, base []string) []string {
	return append(filterEnv(base), sessionEnv(cfg)...)
}

func (b *claudeBackend) FormatInput(content string) ([]byte, bool) {
	msg := claudecode.UserMessage{
		Type:    "user",
		Message: claudecode.UserMessageBody{Role: "user", Content: content},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	return append(data, '\n'), true
}

func (b *claudeBackend) ParseLine(line []byte) *ParsedMessage {
	var msg claudecode.CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil
	}

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.Subtype == claudecode.SubtypeCompactBoundary {
			return &ParsedMessage{Kind: KindCompaction, raw: &msg}
		}
		if msg.SessionID == "" {
			return nil
		}
		return &ParsedMessage{Kind: KindInit, BackendSessionID: msg.SessionID, raw: &msg}
	case claudecode.MessageTypeAssistant:
		return &ParsedMessage{Kind: KindAssistant, raw: &msg}
	case claudecode.MessageTypeUser:
		return &ParsedMessage{Kind: KindToolEcho, raw: &msg}
	case claudecode.MessageTypeResult:
		return &ParsedMessage{Kind: KindResult, IsError: msg.IsError, raw: &msg}
	default:
		return nil
	}
}

func (b *claudeBackend) IsComplete(msg *ParsedMessage) bool {
	return msg != nil && msg.Kind == KindResult
}

func (b *claudeBackend) ExtractContent(msg *ParsedMessage) string {
	m := claudeRaw(msg)
	if m == nil {
		return ""
	}
	if m.Type == claudecode.MessageTypeResult {
		return m.ResultText()
	}
	if m.Message == nil {
		return ""
	}
	var parts []string
	for _, block := range m.Message.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (b *claudeBackend) ExtractToolUses(msg *ParsedMessage) []ToolUse {
	m := claudeRaw(msg)
	if m == nil || m.Message == nil {
		return nil
	}
	var uses []ToolUse
	for _, block := range m.Message.Content {
		if block.Type == "tool_use" {
			uses = append(uses, ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	return uses
}

func (b *claudeBackend) ExtractToolResults(msg *ParsedMessage) []ToolResult {
	m := claudeRaw(msg)
	if m == nil || m.Message == nil {
		return nil
	}
	var results []ToolResult
	for _, block := range m.Message.Content {
		if block.Type == "tool_result" {
			results = append(results, ToolResult{
				ToolUseID: block.ToolUseID,
				Output:    block.Content,
				IsError:   block.IsError,
			})
		}
	}
	return results
}

func (b *claudeBackend) ExtractThinking(msg *ParsedMessage) string {
	m := claudeRaw(msg)
	if m == nil || m.Message == nil {
		return ""
	}
	var parts []string
	for _, block := range m.Message.Content {
		if block.Type == "thinking" && block.Thinking != "" {
			parts = append(parts, block.Thinking)
		}
	}
	return strings.Join(parts, "\n")
}

func (b *claudeBackend) ExtractUsage(msg *ParsedMessage) *ContextUsage {
	m := claudeRaw(msg)
	if m == nil || m.Type != claudecode.MessageTypeResult {
		return nil
	}
	used := m.TotalInputTokens + m.TotalOutputTokens
	if used == 0 {
		return nil
	}
	total := m.ContextWindow()
	if total == 0 {
		total = claudeContextWindow
	}
	return &ContextUsage{
		Used:    used,
		Total:   total,
		Percent: float64(used) / float64(total) * 100,
	}
}

func (b *claudeBackend) CheckCredentials(containerMode bool) error {
	if homeFileExists(".claude/.credentials.json") {
		return nil
	}
	return missingCredentials(NameClaude, "no OAuth credentials at ~/.claude/.credentials.json", containerMode)
}

func claudeRaw(msg *ParsedMessage) *claudecode.CLIMessage {
	if msg == nil {
		return nil
	}
	m, _ := msg.raw.(*claudecode.CLIMessage)
	return m
}
