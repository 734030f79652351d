package event

import "github.com/walkley/myagents/pkg/types"

// EventType names a bus notification.
type EventType string

const (
	SessionIDChanged    EventType = "session.id.changed"
	StatusChanged       EventType = "session.status.changed"
	MessagesChanged     EventType = "session.messages.changed"
	SystemStatusChanged EventType = "session.system_status.changed"
	AgentErrorChanged   EventType = "session.agent_error.changed"

	PermissionPending  EventType = "permission.pending"
	PermissionResolved EventType = "permission.resolved"
	QuestionPending    EventType = "question.pending"
	QuestionResolved   EventType = "question.resolved"

	QueueChanged    EventType = "queue.changed"
	CronTaskChanged EventType = "cron.task.changed"
	StreamLog       EventType = "stream.log"
)

// SessionIDChangedData is published when the tab's session id changes,
// including the pending to real upgrade.
type SessionIDChangedData struct {
	Old types.SessionID `json:"old"`
	New types.SessionID `json:"new"`
	// Reverted marks a switch undone because the backend refused the load.
	Reverted bool `json:"reverted,omitempty"`
}

// StatusChangedData is published when sessionStatus or isBusy changes.
type StatusChangedData struct {
	Old    types.SessionStatus `json:"old"`
	New    types.SessionStatus `json:"new"`
	IsBusy bool                `json:"isBusy"`
}

// MessagesChangedData is published after any change to the message list.
type MessagesChangedData struct {
	Count int `json:"count"`
}

// SystemStatusChangedData carries the auxiliary status text.
type SystemStatusChangedData struct {
	SystemStatus string `json:"systemStatus"`
}

// AgentErrorChangedData carries the last agent error, empty when cleared.
type AgentErrorChangedData struct {
	Error string `json:"error"`
}

// PermissionPendingData is published when a permission prompt appears.
type PermissionPendingData struct {
	Request types.PermissionRequest `json:"request"`
}

// PermissionResolvedData is published when a prompt is answered or cleared.
type PermissionResolvedData struct {
	RequestID string                   `json:"requestId"`
	Decision  types.PermissionDecision `json:"decision,omitempty"`
}

// QuestionPendingData is published when a question prompt appears.
type QuestionPendingData struct {
	Request types.AskUserQuestionRequest `json:"request"`
}

// QuestionResolvedData is published when a question is answered, cancelled or cleared.
type QuestionResolvedData struct {
	RequestID string                `json:"requestId"`
	Answers   types.QuestionAnswers `json:"answers,omitempty"`
}

// QueueChangedData is published after any queue mutation.
type QueueChangedData struct {
	Items []types.QueuedMessageInfo `json:"items"`
}

// CronTaskChangedData carries the tab's bound cron task, nil when cleared.
type CronTaskChangedData struct {
	Task *types.CronTask `json:"task"`
}

// StreamLogData is a backend log line.
type StreamLogData struct {
	Entry types.LogPayload `json:"entry"`
}
