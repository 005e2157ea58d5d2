package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bridgekit/bridgekit/internal/bridge/cli"
	"github.com/bridgekit/bridgekit/internal/bridge/pipeline"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

// StreamResponse runs the CLI turn: it spawns the backend through the pool,
// forwards tool and thinking events to the server as they arrive, and
// buffers the assistant's final message on the session context.
type StreamResponse struct{}

// NewStreamResponse creates the stage.
func NewStreamResponse() *StreamResponse {
	return &StreamResponse{}
}

func (s *StreamResponse) Name() string { return "stream-response" }

// Timeout returns 0: the CLI turn runs under the pipeline default, which is
// the longest budget any stage gets.
func (s *StreamResponse) Timeout() time.Duration { return 0 }

func (s *StreamResponse) Execute(ctx context.Context, sctx *session.Context, deps *pipeline.Deps) error {
	if err := sctx.Advance(session.StatusStreaming); err != nil {
		return err
	}
	if sctx.CurrentMessage == nil {
		return errors.New("no current message to stream")
	}

	cliSession, err := deps.Pool.Get(sctx.SessionID)
	if err != nil {
		return err
	}

	msgs, err := cliSession.StreamMessages(ctx, sctx.CurrentMessage.Content)
	if err != nil {
		return err
	}

	var (
		fragments []string
		result    *cli.ResultData
	)
	started := time.Now()

	// All streaming chunks and the trailing response share one assistant
	// message id, so the server can coalesce them.
	responseID := uuid.New().String()

	for msg := range msgs {
		switch msg.Type {
		case cli.StreamInit:
			sctx.BackendSessionID = msg.SessionID
			sctx.AppendEvent("cli:init", map[string]any{"backendSessionId": msg.SessionID})
			s.emit(deps, wire.EventSessionActivity, wire.ThinkingPayload{
				SessionID: sctx.SessionID,
			})

		case cli.StreamText:
			fragments = append(fragments, msg.Text)
			s.emit(deps, wire.EventSessionResponse, wire.SessionResponsePayload{
				SessionID: sctx.SessionID,
				MessageID: sctx.UserMessageID,
				Message: wire.ChatMessage{
					ID:        responseID,
					Content:   msg.Text,
					Role:      "assistant",
					Streaming: true,
					CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
				},
			})

		case cli.StreamThinking:
			s.emit(deps, wire.EventSessionThinking, wire.ThinkingPayload{
				SessionID: sctx.SessionID,
				Text:      msg.Text,
			})

		case cli.StreamToolUse:
			sctx.AppendEvent("cli:tool_use", map[string]any{"tool": msg.ToolUse.Name})
			s.emit(deps, wire.EventSessionToolUse, wire.ToolUsePayload{
				SessionID: sctx.SessionID,
				ToolID:    msg.ToolUse.ID,
				Tool:      msg.ToolUse.Name,
				Input:     msg.ToolUse.Input,
				Phase:     "use",
			})

		case cli.StreamToolProgress:
			s.emit(deps, wire.EventSessionProgress, wire.ThinkingPayload{
				SessionID: sctx.SessionID,
			})

		case cli.StreamToolResult:
			s.emit(deps, wire.EventSessionToolUse, wire.ToolUsePayload{
				SessionID: sctx.SessionID,
				ToolID:    msg.ToolResult.ToolUseID,
				Tool:      "",
				Output:    msg.ToolResult.Output,
				IsError:   msg.ToolResult.IsError,
				Phase:     "result",
			})

		case cli.StreamCompaction:
			sctx.AppendEvent("cli:compacted", nil)
			s.emit(deps, wire.EventSessionCompacted, wire.CompactedPayload{
				SessionID: sctx.SessionID,
			})

		case cli.StreamResult:
			result = msg.Result

		case cli.StreamError:
			// When the stage deadline killed the child, the process-exit
			// error is a symptom; report the timeout.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &cli.TimeoutError{Phase: s.Name(), Timeout: time.Since(started)}
			}
			if ctx.Err() != nil {
				return fmt.Errorf("cli turn interrupted: %w", ctx.Err())
			}
			return msg.Err
		}
	}

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &cli.TimeoutError{Phase: s.Name(), Timeout: time.Since(started)}
		}
		return fmt.Errorf("cli turn interrupted: %w", err)
	}
	if result == nil {
		return &cli.CLIError{Op: "turn", Err: errors.New("stream ended without a result")}
	}
	if result.IsError {
		return &cli.CLIError{Op: "turn", Err: errors.New(firstNonEmpty(result.Content, "backend reported an error"))}
	}

	if result.Usage != nil {
		sctx.ContextUsage = &session.ContextUsage{
			Used:    result.Usage.Used,
			Total:   result.Usage.Total,
			Percent: result.Usage.Percent,
		}
	}

	content := result.Content
	if content == "" {
		content = strings.Join(fragments, "\n")
	}

	sctx.PushOutbound(session.Message{
		ID:        responseID,
		Content:   content,
		Role:      "assistant",
		CreatedAt: time.Now().UTC(),
	})
	sctx.AppendEvent("cli:result", map[string]any{"contentLength": len(content)})
	return nil
}

func (s *StreamResponse) emit(deps *pipeline.Deps, event string, payload any) {
	if deps.Emitter == nil {
		return
	}
	_ = deps.Emitter.Emit(event, payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
