// Package cli runs CLI agent subprocesses and decodes their stdout into a
// stream of normalized messages. One process is spawned per send; session
// continuity across sends comes from the backend's own resume id.
package cli

import "github.com/bridgekit/bridgekit/internal/bridge/backend"

// StreamType tags a StreamMessage variant.
type StreamType string

const (
	StreamInit         StreamType = "init"
	StreamText         StreamType = "text"
	StreamToolUse      StreamType = "tool_use"
	StreamToolProgress StreamType = "tool_progress"
	StreamToolResult   StreamType = "tool_result"
	StreamThinking     StreamType = "thinking"
	StreamCompaction   StreamType = "compaction"
	StreamResult       StreamType = "result"
	StreamError        StreamType = "error"
)

// StreamMessage is one event on the turn's stream. Type selects which of
// the other fields is populated.
type StreamMessage struct {
	Type StreamType

	// StreamInit
	SessionID string

	// StreamText, StreamThinking
	Text string

	// StreamToolUse, StreamToolProgress
	ToolUse *backend.ToolUse

	// StreamToolResult
	ToolResult *backend.ToolResult

	// StreamResult
	Result *ResultData

	// StreamError
	Err error
}

// ResultData is the terminal payload of a turn.
type ResultData struct {
	Content string
	Usage   *backend.ContextUsage
	IsError bool
}
