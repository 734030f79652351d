package types

import (
	"encoding/json"
	"time"
)

// PermissionMode controls how the agent asks for tool permissions.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// SendMessageRequest is the body of POST /chat/send-message.
type SendMessageRequest struct {
	Text           string            `json:"text"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	PermissionMode PermissionMode    `json:"permissionMode,omitempty"`
	Model          string            `json:"model,omitempty"`
	ProviderEnv    map[string]string `json:"providerEnv,omitempty"`
	IsCron         bool              `json:"isCron,omitempty"`
}

// SendMessageResponse is returned by POST /chat/send-message.
type SendMessageResponse struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued,omitempty"`
	QueueID string `json:"queueId,omitempty"`
}

// SuccessResponse is the generic acknowledgement body.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// LoadSessionRequest is the body of POST /chat/load-session.
type LoadSessionRequest struct {
	SessionID SessionID `json:"sessionId"`
}

// RespondPermissionRequest is the body of POST /chat/respond-permission.
type RespondPermissionRequest struct {
	RequestID string             `json:"requestId"`
	Decision  PermissionDecision `json:"decision"`
}

// RespondQuestionRequest is the body of POST /chat/respond-question.
// Answers is null when the user cancelled.
type RespondQuestionRequest struct {
	RequestID string          `json:"requestId"`
	Answers   QuestionAnswers `json:"answers"`
}

// EventKind names a stream event variant.
type EventKind string

const (
	EventMessageDelta      EventKind = "message-delta"
	EventToolLifecycle     EventKind = "tool-lifecycle"
	EventPermissionRequest EventKind = "permission-request"
	EventAskUserQuestion   EventKind = "ask-user-question"
	EventStatus            EventKind = "status"
	EventError             EventKind = "error"
	EventLog               EventKind = "log"
	EventReplay            EventKind = "replay"
)

// Envelope wraps every event pushed on the stream.
type Envelope struct {
	Seq     uint64          `json:"seq"`
	Type    EventKind       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageDeltaPayload carries either a whole message or an increment to
// the streaming assistant message identified by MessageID.
type MessageDeltaPayload struct {
	MessageID string        `json:"messageId,omitempty"`
	Message   *Message      `json:"message,omitempty"`
	Text      string        `json:"text,omitempty"`
	Thinking  string        `json:"thinking,omitempty"`
	Block     *ContentBlock `json:"block,omitempty"`
	Complete  bool          `json:"complete,omitempty"`
}

// ToolLifecyclePayload updates a tool_use block in place.
type ToolLifecyclePayload struct {
	MessageID     string         `json:"messageId,omitempty"`
	BlockIndex    int            `json:"blockIndex"`
	IsLoading     *bool          `json:"isLoading,omitempty"`
	Result        *string        `json:"result,omitempty"`
	SubagentCalls []SubagentCall `json:"subagentCalls,omitempty"`
}

// StatusPhase is the turn phase reported by the backend.
type StatusPhase string

const (
	PhaseRunning  StatusPhase = "running"
	PhaseComplete StatusPhase = "complete"
	PhaseStopped  StatusPhase = "stopped"
	PhaseIdle     StatusPhase = "idle"
)

// Terminal reports whether the phase ends a turn.
func (p StatusPhase) Terminal() bool {
	return p == PhaseComplete || p == PhaseStopped || p == PhaseIdle
}

// CronStatusPayload reports a scheduler-side change to a cron task.
type CronStatusPayload struct {
	TaskID string         `json:"taskId"`
	Status CronTaskStatus `json:"status"`
}

// StatusPayload reports turn phase changes. SessionID is set once the
// backend has assigned the real id.
type StatusPayload struct {
	Phase        StatusPhase        `json:"phase,omitempty"`
	SystemStatus *string            `json:"systemStatus,omitempty"`
	SessionID    SessionID          `json:"sessionId,omitempty"`
	Cron         *CronStatusPayload `json:"cron,omitempty"`
}

// ErrorResponse is the body of every non-2xx worker reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Codes carried in ErrorDetail.Code.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeBusy           = "BUSY"
	CodeInternal       = "INTERNAL_ERROR"
)

// ErrorPayload reports an agent failure.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// LogPayload is a backend log line.
type LogPayload struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// ReplayPayload is the authoritative state sent first on every
// subscription and after load or reset. Prompts still waiting for an
// answer in the running turn are carried along.
type ReplayPayload struct {
	SessionID  SessionID               `json:"sessionId,omitempty"`
	Messages   []Message               `json:"messages"`
	Phase      StatusPhase             `json:"phase,omitempty"`
	Permission *PermissionRequest      `json:"permission,omitempty"`
	Question   *AskUserQuestionRequest `json:"question,omitempty"`
}
