// Package backend describes the supported CLI coding agents. Each descriptor
// knows how to build the command line and environment for a one-shot run, how
// to format stdin input, and how to decode the agent's stdout stream into the
// bridge's normalized message shapes.
package backend

import (
	"fmt"

	"github.com/bridgekit/bridgekit/internal/common/config"
)

// Backend names.
const (
	NameClaude = "claude"
	NameGemini = "gemini"
	NameCodex  = "codex"
	NameOllama = "ollama"
	NameCustom = "custom"
)

// Capabilities declares what a backend supports.
type Capabilities struct {
	// Resume means the backend can continue a prior conversation when given
	// its own session id.
	Resume bool

	// StreamJSON means stdout is line-oriented JSON rather than plain text.
	StreamJSON bool

	// Tools means the backend reports tool invocations.
	Tools bool

	// Thinking means the backend emits reasoning traces.
	Thinking bool
}

// SessionConfig is the per-run configuration handed to a descriptor.
type SessionConfig struct {
	SessionID string
	TaskID    string
	UserID    string

	Model        string
	WorkDir      string
	SystemPrompt string

	AllowedTools    []string
	SkipPermissions bool
	MountDirs       []string

	// BinaryPath overrides the backend's default command.
	BinaryPath string

	// Argv is the command template for the custom backend.
	Argv []string
}

// Kind classifies a parsed stdout line.
type Kind string

const (
	KindInit       Kind = "init"       // carries the backend's own session id
	KindAssistant  Kind = "assistant"  // text, thinking, tool_use
	KindToolEcho   Kind = "tool_echo"  // tool results echoed into the turn
	KindProgress   Kind = "progress"   // intermediate tool/command progress
	KindCompaction Kind = "compaction" // the backend compacted its own history
	KindResult     Kind = "result"     // terminal message of the turn
	KindError      Kind = "error"
)

// ParsedMessage is one normalized stdout line. The backend-specific decoded
// form rides along unexported; extractors on the same descriptor read it back.
type ParsedMessage struct {
	Kind Kind

	// BackendSessionID is set on init messages.
	BackendSessionID string

	// IsError marks result messages that report failure.
	IsError bool

	raw any
}

// ToolUse is one tool invocation extracted from a message.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is one tool outcome extracted from a message.
type ToolResult struct {
	ToolUseID string
	Output    string
	IsError   bool
}

// ContextUsage reports context window consumption from a terminal message.
type ContextUsage struct {
	Used    int64
	Total   int64
	Percent float64
}

// Backend is a CLI agent descriptor. Implementations are stateless; all
// per-run state lives in SessionConfig and the parsed messages.
type Backend interface {
	Name() string
	Capabilities() Capabilities

	// BuildArgv builds the full command line. resumeID is the backend's own
	// session id from a prior turn, empty on the first turn. prompt is used
	// only by backends that take the message as a positional argument.
	BuildArgv(cfg SessionConfig, resumeID, prompt string) []string

	// BuildEnv builds the child environment from a filtered base.
	BuildEnv(cfg SessionConfig, base []string) []string

	// FormatInput renders the message for stdin. ok is false when the
	// backend takes the prompt positionally and stdin closes immediately.
	FormatInput(content string) (data []byte, ok bool)

	// ParseLine decodes one stdout line. nil means the line is not part of
	// the protocol and is skipped silently.
	ParseLine(line []byte) *ParsedMessage

	// IsComplete reports whether the message terminates the turn.
	IsComplete(msg *ParsedMessage) bool

	ExtractContent(msg *ParsedMessage) string
	ExtractToolUses(msg *ParsedMessage) []ToolUse
	ExtractToolResults(msg *ParsedMessage) []ToolResult
	ExtractThinking(msg *ParsedMessage) string
	ExtractUsage(msg *ParsedMessage) *ContextUsage

	// CheckCredentials verifies the backend can authenticate. In container
	// mode missing credentials are an error; otherwise a warning-level
	// condition reported as CredentialsWarning.
	CheckCredentials(containerMode bool) error
}

// New returns the descriptor for a backend name, failing fast on unknown
// names.
func New(name string, cfg *config.BackendsConfig) (Backend, error) {
	switch name {
	case NameClaude:
		return &claudeBackend{binary: binaryFor(cfg, NameClaude, "claude")}, nil
	case NameGemini:
		return &geminiBackend{binary: binaryFor(cfg, NameGemini, "gemini")}, nil
	case NameCodex:
		return &codexBackend{binary: binaryFor(cfg, NameCodex, "codex")}, nil
	case NameOllama:
		return &ollamaBackend{binary: binaryFor(cfg, NameOllama, "ollama")}, nil
	case NameCustom:
		if len(cfg.CustomCommand) == 0 {
			return nil, fmt.Errorf("custom backend requires backends.customCommand")
		}
		return &customBackend{argv: cfg.CustomCommand}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// SessionConfigFrom builds a run config from the bridge configuration.
func SessionConfigFrom(cfg *config.BackendsConfig, sessionID, taskID, userID string) SessionConfig {
	return SessionConfig{
		SessionID:       sessionID,
		TaskID:          taskID,
		UserID:          userID,
		Model:           cfg.Model,
		WorkDir:         cfg.WorkDir,
		AllowedTools:    append([]string(nil), cfg.AllowedTools...),
		SkipPermissions: cfg.SkipPermissions,
		MountDirs:       append([]string(nil), cfg.MountDirs...),
		Argv:            append([]string(nil), cfg.CustomCommand...),
	}
}

func binaryFor(cfg *config.BackendsConfig, name, fallback string) string {
	if cfg != nil && cfg.BinaryPaths != nil {
		if p, ok := cfg.BinaryPaths[name]; ok && p != "" {
			return p
		}
	}
	return fallback
}
