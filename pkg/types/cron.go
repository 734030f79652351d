package types

import "time"

// CronTaskStatus is the scheduling state of a CronTask.
type CronTaskStatus string

const (
	CronIdle    CronTaskStatus = "idle"
	CronRunning CronTaskStatus = "running"
	CronPaused  CronTaskStatus = "paused"
	CronStopped CronTaskStatus = "stopped"
)

// CronTaskConfig holds what a task runs and when.
type CronTaskConfig struct {
	Name           string `json:"name,omitempty" yaml:"name,omitempty"`
	Schedule       string `json:"schedule" yaml:"schedule"`
	Prompt         string `json:"prompt" yaml:"prompt"`
	PermissionMode string `json:"permissionMode,omitempty" yaml:"permissionMode,omitempty"`
	Model          string `json:"model,omitempty" yaml:"model,omitempty"`
}

// CronTask is a scheduled prompt bound to one session and owned by one tab.
type CronTask struct {
	ID        string         `json:"id"`
	SessionID SessionID      `json:"sessionId"`
	Status    CronTaskStatus `json:"status"`
	Config    CronTaskConfig `json:"config"`
	TabID     string         `json:"tabId,omitempty"`

	// PendingToken is the uuid of the pending id the task was created
	// under. It lets a tab find its task again after the id upgrade.
	PendingToken string `json:"pendingToken,omitempty"`

	// Revision increases on every change.
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MatchesSession reports whether the task is bound to id, either
// directly or through the pending token it was created with.
func (t CronTask) MatchesSession(id SessionID) bool {
	if id.IsNone() {
		return false
	}
	if t.SessionID == id {
		return true
	}
	return id.IsPending() && t.PendingToken != "" && t.PendingToken == id.PendingToken()
}
