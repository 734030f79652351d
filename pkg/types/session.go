// Package types provides the shared data model for tabs, sessions and cron tasks.
package types

import (
	"strings"

	"github.com/google/uuid"
)

// PendingPrefix marks a session id minted locally before the backend has
// assigned a real one.
const PendingPrefix = "pending-"

// SessionID identifies a conversation. The zero value means no session.
type SessionID string

// NewPendingID returns a fresh locally generated placeholder id.
func NewPendingID() SessionID {
	return SessionID(PendingPrefix + uuid.NewString())
}

// IsNone reports whether the id is empty.
func (id SessionID) IsNone() bool { return id == "" }

// IsPending reports whether the id is a local placeholder.
func (id SessionID) IsPending() bool { return strings.HasPrefix(string(id), PendingPrefix) }

// IsReal reports whether the id was assigned by the backend.
func (id SessionID) IsReal() bool { return id != "" && !id.IsPending() }

// PendingToken returns the uuid part of a pending id, or "" for other ids.
func (id SessionID) PendingToken() string {
	if !id.IsPending() {
		return ""
	}
	return strings.TrimPrefix(string(id), PendingPrefix)
}

func (id SessionID) String() string { return string(id) }

// SessionStatus is the lifecycle state of a tab's session.
type SessionStatus string

const (
	StatusIdle     SessionStatus = "idle"
	StatusRunning  SessionStatus = "running"
	StatusStopping SessionStatus = "stopping"
	StatusError    SessionStatus = "error"
)

// TabSession is the per-tab view of a conversation.
type TabSession struct {
	TabID         string        `json:"tabId"`
	WorkspacePath string        `json:"workspacePath"`
	SessionID     SessionID     `json:"sessionId,omitempty"`
	Messages      []Message     `json:"messages"`
	IsBusy        bool          `json:"isBusy"`
	SessionStatus SessionStatus `json:"sessionStatus"`
	IsActive      bool          `json:"isActive"`

	// AgentError holds the last error reported by the backend, if any.
	AgentError string `json:"agentError,omitempty"`
	// SystemStatus is auxiliary status text such as "compacting".
	SystemStatus string `json:"systemStatus,omitempty"`
}

// Clone returns a deep copy safe to hand to observers.
func (t TabSession) Clone() TabSession {
	out := t
	out.Messages = CloneMessages(t.Messages)
	return out
}
