package backend

import (
	"github.com/bridgekit/bridgekit/pkg/codex"
)

// codexBackend drives codex exec in JSON mode. The prompt is positional and
// each stdout line is one codex.Event.
type codexBackend struct {
	binary string
}

func (b *codexBackend) Name() string { return NameCodex }

func (b *codexBackend) Capabilities() Capabilities {
	return Capabilities{Resume: true, StreamJSON: true, Tools: true, Thinking: true}
}

func (b *codexBackend) BuildArgv(cfg SessionConfig, resumeID, prompt string) []string {
	bin := b.binary
	if cfg.BinaryPath != "" {
		bin = cfg.BinaryPath
	}

	argv := []string{bin, "exec", "--json"}
	if cfg.Model != "" {
		argv = append(argv, "--model", cfg.Model)
	}
	if cfg.SkipPermissions {
		argv = append(argv, "--full-auto")
	}
	if resumeID != "" {
		argv = append(argv, "resume", resumeID)
	}
	argv = append(argv, prompt)
	return argv
}

func (b *codexBackend) BuildEnv(cfg SessionConfig, base []string) []string {
	env := filterEnv(base, "OPENAI_API_KEY")
	return append(env, sessionEnv(cfg)...)
}

// FormatInput returns false: the prompt travels as a positional argument.
func (b *codexBackend) FormatInput(string) ([]byte, bool) {
	return nil, false
}

func (b *codexBackend) ParseLine(line []byte) *ParsedMessage {
	ev, err := codex.Parse(line)
	if err != nil {
		return nil
	}

	switch ev.Msg.Type {
	case codex.MsgSessionConfigured:
		if ev.Msg.SessionID == "" {
			return nil
		}
		return &ParsedMessage{Kind: KindInit, BackendSessionID: ev.Msg.SessionID, raw: ev}
	case codex.MsgAgentMessage, codex.MsgAgentReasoning, codex.MsgExecCommandBegin:
		return &ParsedMessage{Kind: KindAssistant, raw: ev}
	case codex.MsgExecCommandEnd:
		return &ParsedMessage{Kind: KindToolEcho, raw: ev}
	case codex.MsgTokenCount:
		return &ParsedMessage{Kind: KindProgress, raw: ev}
	case codex.MsgTaskComplete:
		return &ParsedMessage{Kind: KindResult, raw: ev}
	case codex.MsgError:
		return &ParsedMessage{Kind: KindResult, IsError: true, raw: ev}
	default:
		return nil
	}
}

func (b *codexBackend) IsComplete(msg *ParsedMessage) bool {
	return msg != nil && msg.Kind == KindResult
}

func (b *codexBackend) ExtractContent(msg *ParsedMessage) string {
	ev := codexRaw(msg)
	if ev == nil {
		return ""
	}
	switch ev.Msg.Type {
	case codex.MsgAgentMessage:
		return ev.Msg.Message
	case codex.MsgTaskComplete:
		return ev.Msg.LastAgentMessage
	case codex.MsgError:
		return ev.Msg.Message
	}
	return ""
}

func (b *codexBackend) ExtractToolUses(msg *ParsedMessage) []ToolUse {
	ev := codexRaw(msg)
	if ev == nil || ev.Msg.Type != codex.MsgExecCommandBegin {
		return nil
	}
	return []ToolUse{{ID: ev.Msg.CallID, Name: "exec", Input: ev.Msg.CommandInput()}}
}

func (b *codexBackend) ExtractToolResults(msg *ParsedMessage) []ToolResult {
	ev := codexRaw(msg)
	if ev == nil || ev.Msg.Type != codex.MsgExecCommandEnd {
		return nil
	}
	isError := ev.Msg.ExitCode != nil && *ev.Msg.ExitCode != 0
	return []ToolResult{{ToolUseID: ev.Msg.CallID, Output: ev.Msg.AggregatedOutput, IsError: isError}}
}

func (b *codexBackend) ExtractThinking(msg *ParsedMessage) string {
	ev := codexRaw(msg)
	if ev == nil || ev.Msg.Type != codex.MsgAgentReasoning {
		return ""
	}
	return ev.Msg.Text
}

func (b *codexBackend) ExtractUsage(msg *ParsedMessage) *ContextUsage {
	ev := codexRaw(msg)
	if ev == nil || ev.Msg.Info == nil {
		return nil
	}
	info := ev.Msg.Info
	if info.TotalTokenUsage == nil || info.ModelContextWindow == nil || *info.ModelContextWindow == 0 {
		return nil
	}
	used := info.TotalTokenUsage.TotalTokens
	total := *info.ModelContextWindow
	return &ContextUsage{
		Used:    used,
		Total:   total,
		Percent: float64(used) / float64(total) * 100,
	}
}

func (b *codexBackend) CheckCredentials(containerMode bool) error {
	if envAny("OPENAI_API_KEY") || homeFileExists(".codex/auth.json") {
		return nil
	}
	return missingCredentials(NameCodex, "no OPENAI_API_KEY and no ~/.codex/auth.json", containerMode)
}

func codexRaw(msg *ParsedMessage) *codex.Event {
	if msg == nil {
		return nil
	}
	ev, _ := msg.raw.(*codex.Event)
	return ev
}
