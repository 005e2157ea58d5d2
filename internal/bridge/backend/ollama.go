package backend

import "strings"

// ollamaBackend drives a local ollama model. Output is plain text, one
// fragment per line; the turn ends when the process exits.
type ollamaBackend struct {
	binary string
}

func (b *ollamaBackend) Name() string { return NameOllama }

func (b *ollamaBackend) Capabilities() Capabilities {
	return Capabilities{}
}

func (b *ollamaBackend) BuildArgv(cfg SessionConfig, _, prompt string) []string {
	bin := b.binary
	if cfg.BinaryPath != "" {
		bin = cfg.BinaryPath
	}

	model := cfg.Model
	if model == "" {
		model = "llama3"
	}
	return []string{bin, "run", model, prompt}
}

func (b *ollamaBackend) BuildEnv(cfg SessionConfig, base []string) []string {
	env := filterEnv(base, "OLLAMA_HOST")
	return append(env, sessionEnv(cfg)...)
}

// FormatInput returns false: the prompt travels as a positional argument.
func (b *ollamaBackend) FormatInput(string) ([]byte, bool) {
	return nil, false
}

func (b *ollamaBackend) ParseLine(line []byte) *ParsedMessage {
	text := strings.TrimRight(string(line), "\r\n")
	if text == "" {
		return nil
	}
	return &ParsedMessage{Kind: KindAssistant, raw: text}
}

// IsComplete always returns false; the turn ends at process exit.
func (b *ollamaBackend) IsComplete(*ParsedMessage) bool {
	return false
}

func (b *ollamaBackend) ExtractContent(msg *ParsedMessage) string {
	if msg == nil {
		return ""
	}
	text, _ := msg.raw.(string)
	return text
}

func (b *ollamaBackend) ExtractToolUses(*ParsedMessage) []ToolUse       { return nil }
func (b *ollamaBackend) ExtractToolResults(*ParsedMessage) []ToolResult { return nil }
func (b *ollamaBackend) ExtractThinking(*ParsedMessage) string          { return "" }
func (b *ollamaBackend) ExtractUsage(*ParsedMessage) *ContextUsage      { return nil }

// CheckCredentials always succeeds: ollama is local and unauthenticated.
func (b *ollamaBackend) CheckCredentials(bool) error {
	return nil
}
