package wire

// Inbound events (server -> bridge). All payloads carry sessionId.
const (
	EventSessionMessage            = "session:message"
	EventSessionStop               = "session:stop"
	EventSessionPause              = "session:pause"
	EventSessionResume             = "session:resume"
	EventSessionHumanInputResponse = "session:human_input_response"
	EventBridgeRegisterAck         = "bridge:register_ack"
)

// Outbound events (bridge -> server).
const (
	EventSessionResponse          = "session:response"
	EventSessionToolUse           = "session:tool_use"
	EventSessionThinking          = "session:thinking"
	EventSessionActivity          = "session:activity"
	EventSessionProgress          = "session:progress"
	EventSessionContextUsage      = "session:context_usage"
	EventSessionContextInjected   = "session:context_injected"
	EventSessionCompacted         = "session:compacted"
	EventSessionError             = "session:error"
	EventSessionHalted            = "session:halted"
	EventSessionStopped           = "session:stopped"
	EventSessionHumanInputRequest = "session:human_input_request"
	EventSessionPipelineEvent     = "session:pipeline_event"
	EventSessionPipelineState     = "session:pipeline_state"
	EventMessageStatus            = "message:status"
	EventBridgeRegister           = "bridge:register"
	EventBridgeHeartbeat          = "bridge:heartbeat"
)

// Halt reasons carried by session:halted.
const (
	HaltReasonTimeout     = "timeout"
	HaltReasonCLIError    = "cli_error"
	HaltReasonProcessExit = "process_exit"
)

// Error codes used in error payloads.
const (
	ErrorCodeBadRequest   = "BAD_REQUEST"
	ErrorCodeValidation   = "VALIDATION_ERROR"
	ErrorCodeUnknownEvent = "UNKNOWN_EVENT"
	ErrorCodeInternal     = "INTERNAL_ERROR"
)

// SessionMessagePayload is the payload of session:message.
type SessionMessagePayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	MessageID string `json:"messageId,omitempty"`
	Type      string `json:"type,omitempty"`

	// Optional editing context supplied by the UI.
	EditingContext *EditingContextPayload `json:"editingContext,omitempty"`
}

// EditingContextPayload mirrors the UI's entity-editing state.
type EditingContextPayload struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId,omitempty"`
}

// ChatMessage is an assistant or user message as the server renders it.
type ChatMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	Streaming bool   `json:"streaming"`
	CreatedAt string `json:"createdAt"`
}

// SessionResponsePayload is the payload of session:response.
// MessageID is the id of the user message this turn answers, which is
// distinct from Message.ID.
type SessionResponsePayload struct {
	SessionID string      `json:"sessionId"`
	MessageID string      `json:"messageId"`
	Message   ChatMessage `json:"message"`
}

// SessionHaltedPayload is the payload of session:halted.
type SessionHaltedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	CanResume bool   `json:"canResume"`
}

// CompactedPayload is the payload of session:compacted, emitted when the
// backend reports that it compacted its own conversation history.
type CompactedPayload struct {
	SessionID string `json:"sessionId"`
}

// ContextUsagePayload is the payload of session:context_usage.
type ContextUsagePayload struct {
	SessionID string  `json:"sessionId"`
	Used      int64   `json:"used"`
	Total     int64   `json:"total"`
	Percent   float64 `json:"percent"`
}

// HeartbeatPayload is the payload of bridge:heartbeat.
type HeartbeatPayload struct {
	ActiveMessageIDs []string `json:"activeMessageIds"`
}

// RegisterPayload is the payload of bridge:register.
type RegisterPayload struct {
	BridgeID string `json:"bridgeId"`
	UID      int    `json:"uid"`
	GID      int    `json:"gid"`
}

// HumanInputResponsePayload is the payload of session:human_input_response.
type HumanInputResponsePayload struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Value     string `json:"value"`
}

// HumanInputRequestPayload is the payload of session:human_input_request.
type HumanInputRequestPayload struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Prompt    string `json:"prompt"`
}

// PipelineEventPayload is the payload of session:pipeline_event, emitted at
// pipeline and stage boundaries.
type PipelineEventPayload struct {
	SessionID  string `json:"sessionId"`
	Stage      string `json:"stage,omitempty"`
	Status     string `json:"status"` // start, complete, error
	Timestamp  string `json:"timestamp"`
	DurationMS int64  `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PipelineStatePayload is the payload of session:pipeline_state, a snapshot
// published after every stage.
type PipelineStatePayload struct {
	SessionID     string `json:"sessionId"`
	ContextStatus string `json:"contextStatus"`
	Stage         string `json:"stage"`
	QueuedEvents  int    `json:"queuedEvents"`
}

// SessionErrorPayload is the payload of session:error.
type SessionErrorPayload struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// MessageStatusPayload is the payload of message:status.
type MessageStatusPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"` // processing, completed, failed
}

// ToolUsePayload is the payload of session:tool_use.
type ToolUsePayload struct {
	SessionID string         `json:"sessionId"`
	ToolID    string         `json:"toolId,omitempty"`
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"isError,omitempty"`
	Phase     string         `json:"phase"` // use, progress, result
}

// ThinkingPayload is the payload of session:thinking and session:activity.
type ThinkingPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text,omitempty"`
}

// ContextInjectedPayload is the payload of session:context_injected.
type ContextInjectedPayload struct {
	SessionID  string `json:"sessionId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId,omitempty"`
	Mode       string `json:"mode"` // full, minimal
}
