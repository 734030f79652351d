// Package session holds a tab's conversation state and applies stream
// events to it.
//
// All mutations are serialized by the store's mutex. Notifications are
// published on the tab's bus after the mutex is released, in mutation
// order, so subscribers may call back into the store.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/event"
	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/internal/transport"
	"github.com/walkley/myagents/pkg/types"
)

var (
	ErrRejected        = errors.New("backend rejected request")
	ErrMessageNotFound = errors.New("message not found")
	ErrMessageComplete = errors.New("message already complete")
	ErrBlockMismatch   = errors.New("block index does not address a tool_use block")
)

// Transport is the request side of the backend used by the store.
type Transport interface {
	SendMessage(ctx context.Context, req types.SendMessageRequest) (types.SendMessageResponse, error)
	StopResponse(ctx context.Context) error
	LoadSession(ctx context.Context, id types.SessionID) error
	ResetSession(ctx context.Context) error
}

// Options configures a Store.
type Options struct {
	TabID         string
	WorkspacePath string
	// SessionID is the initial id. A fresh pending id is used when empty.
	SessionID types.SessionID
	Transport Transport
	Bus       *event.Bus
	Logger    *zerolog.Logger
}

// LoadOptions tunes LoadSession.
type LoadOptions struct {
	// SkipLoadingReset leaves sessionStatus and systemStatus as they are,
	// for callers that restore them separately.
	SkipLoadingReset bool
}

// Store is the single source of truth for one tab's TabSession.
type Store struct {
	tabID     string
	transport Transport
	bus       *event.Bus
	log       zerolog.Logger

	mu          sync.Mutex
	state       types.TabSession
	msgVersion  uint64
	lastErr     error
	// remoteRunning is the phase last reported by the stream.
	remoteRunning bool
	reverting     bool
	pending     []event.Event
	dispatching bool
}

// New creates a store in the idle state.
func New(opts Options) *Store {
	id := opts.SessionID
	if id.IsNone() {
		id = types.NewPendingID()
	}
	log := logging.ForTab("session", opts.TabID)
	if opts.Logger != nil {
		log = *opts.Logger
	}
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus()
	}
	return &Store{
		tabID:     opts.TabID,
		transport: opts.Transport,
		bus:       bus,
		log:       log,
		state: types.TabSession{
			TabID:         opts.TabID,
			WorkspacePath: opts.WorkspacePath,
			SessionID:     id,
			Messages:      []types.Message{},
			SessionStatus: types.StatusIdle,
		},
	}
}

type summary struct {
	sessionID    types.SessionID
	status       types.SessionStatus
	busy         bool
	systemStatus string
	agentError   string
	msgVersion   uint64
	msgCount     int
}

func (s *Store) summaryLocked() summary {
	return summary{
		sessionID:    s.state.SessionID,
		status:       s.state.SessionStatus,
		busy:         s.state.IsBusy,
		systemStatus: s.state.SystemStatus,
		agentError:   s.state.AgentError,
		msgVersion:   s.msgVersion,
		msgCount:     len(s.state.Messages),
	}
}

// mutate runs fn under the lock and publishes whatever changed.
// fn must call touch when it changes the message list.
func (s *Store) mutate(fn func(st *types.TabSession) bool) bool {
	s.mu.Lock()
	before := s.summaryLocked()
	ok := fn(&s.state)
	after := s.summaryLocked()
	s.pending = append(s.pending, s.diff(before, after)...)
	s.reverting = false
	s.mu.Unlock()

	s.flush()
	return ok
}

func (s *Store) touch() { s.msgVersion++ }

// diff orders notifications so a session id change is seen before the
// status change it accompanies.
func (s *Store) diff(before, after summary) []event.Event {
	var out []event.Event
	emit := func(t event.EventType, data any) {
		out = append(out, event.Event{Type: t, TabID: s.tabID, Data: data})
	}
	if before.sessionID != after.sessionID {
		emit(event.SessionIDChanged, event.SessionIDChangedData{Old: before.sessionID, New: after.sessionID, Reverted: s.reverting})
	}
	if before.agentError != after.agentError {
		emit(event.AgentErrorChanged, event.AgentErrorChangedData{Error: after.agentError})
	}
	if before.systemStatus != after.systemStatus {
		emit(event.SystemStatusChanged, event.SystemStatusChangedData{SystemStatus: after.systemStatus})
	}
	if before.msgVersion != after.msgVersion {
		emit(event.MessagesChanged, event.MessagesChangedData{Count: after.msgCount})
	}
	if before.status != after.status || before.busy != after.busy {
		emit(event.StatusChanged, event.StatusChangedData{Old: before.status, New: after.status, IsBusy: after.busy})
	}
	return out
}

// flush publishes queued notifications. Only one goroutine dispatches at
// a time; nested or concurrent mutations are published by it in order.
func (s *Store) flush() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, ev := range batch {
			s.bus.PublishSync(ev)
		}
		s.mu.Lock()
	}
	s.dispatching = false
	s.mu.Unlock()
}

// Bus returns the bus notifications are published on.
func (s *Store) Bus() *event.Bus { return s.bus }

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() types.TabSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// SessionID returns the current session id.
func (s *Store) SessionID() types.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SessionID
}

// Status returns the current session status.
func (s *Store) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SessionStatus
}

// IsBusy reports whether a turn is in flight.
func (s *Store) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsBusy
}

// LastError returns the most recent transport failure.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SetActive marks the tab as foreground or background.
func (s *Store) SetActive(active bool) {
	s.mutate(func(st *types.TabSession) bool {
		st.IsActive = active
		return true
	})
}

func (s *Store) recordErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// SendMessage starts a turn. The user message is not appended here; it
// arrives as an echo on the stream so the display matches what the
// backend stored.
func (s *Store) SendMessage(ctx context.Context, req types.SendMessageRequest) bool {
	ok := s.mutate(func(st *types.TabSession) bool {
		if st.IsBusy || st.SessionStatus == types.StatusRunning || st.SessionStatus == types.StatusStopping {
			return false
		}
		if st.SessionID.IsNone() {
			st.SessionID = types.NewPendingID()
		}
		st.IsBusy = true
		st.SessionStatus = types.StatusRunning
		st.AgentError = ""
		return true
	})
	if !ok {
		s.log.Warn().Msg("send refused while a turn is in flight")
		return false
	}

	resp, err := s.transport.SendMessage(ctx, req)
	if err == nil && !resp.Success {
		err = ErrRejected
	}
	if err != nil {
		s.log.Error().Err(err).Msg("send message failed")
		s.recordErr(err)
		s.mutate(func(st *types.TabSession) bool {
			if transport.IsBusy(err) && s.remoteRunning {
				// Another turn owns the worker; its own status events end it.
				return true
			}
			st.IsBusy = false
			if st.SessionStatus == types.StatusRunning {
				st.SessionStatus = types.StatusIdle
			}
			return true
		})
		return false
	}
	if resp.Queued {
		s.log.Warn().Str("queueId", resp.QueueID).Msg("backend queued message; treating as accepted")
	}
	return true
}

// StopResponse asks the backend to interrupt the running turn. The
// store stays in stopping until the backend confirms with a status event.
func (s *Store) StopResponse(ctx context.Context) bool {
	ok := s.mutate(func(st *types.TabSession) bool {
		if st.SessionStatus != types.StatusRunning {
			return false
		}
		st.SessionStatus = types.StatusStopping
		return true
	})
	if !ok {
		return false
	}

	if err := s.transport.StopResponse(ctx); err != nil {
		s.log.Error().Err(err).Msg("stop response failed")
		s.recordErr(err)
		s.mutate(func(st *types.TabSession) bool {
			st.IsBusy = false
			if st.SessionStatus == types.StatusStopping {
				st.SessionStatus = types.StatusIdle
			}
			return true
		})
		return false
	}
	return true
}

// LoadSession switches the tab to another session. The message list is
// cleared immediately; the backend's replay event fills it. When the
// backend refuses the load the previous session is put back.
func (s *Store) LoadSession(ctx context.Context, id types.SessionID, opts LoadOptions) bool {
	if id.IsNone() {
		return false
	}
	var prev types.TabSession
	ok := s.mutate(func(st *types.TabSession) bool {
		if st.IsBusy {
			return false
		}
		prev = st.Clone()
		st.SessionID = id
		st.Messages = []types.Message{}
		s.touch()
		st.AgentError = ""
		if !opts.SkipLoadingReset {
			st.SessionStatus = types.StatusIdle
			st.SystemStatus = ""
		}
		return true
	})
	if !ok {
		s.log.Warn().Str("sessionId", id.String()).Msg("load refused while busy")
		return false
	}

	if err := s.transport.LoadSession(ctx, id); err != nil {
		s.log.Error().Err(err).Str("sessionId", id.String()).Msg("load session failed")
		s.recordErr(err)
		s.revertLoad(id, prev)
		return false
	}
	return true
}

func (s *Store) revertLoad(id types.SessionID, prev types.TabSession) {
	s.mutate(func(st *types.TabSession) bool {
		if st.SessionID != id {
			return false
		}
		st.SessionID = prev.SessionID
		st.Messages = prev.Messages
		s.touch()
		st.IsBusy = false
		st.SessionStatus = prev.SessionStatus
		st.SystemStatus = prev.SystemStatus
		st.AgentError = prev.AgentError
		s.remoteRunning = false
		s.reverting = true
		return true
	})
}

// ResetSession starts a fresh conversation under a new pending id. The
// local state is left untouched when the backend cannot be reached.
func (s *Store) ResetSession(ctx context.Context) bool {
	if err := s.transport.ResetSession(ctx); err != nil {
		s.log.Error().Err(err).Msg("reset session failed")
		s.recordErr(err)
		return false
	}
	s.mutate(func(st *types.TabSession) bool {
		st.SessionID = types.NewPendingID()
		st.Messages = []types.Message{}
		s.touch()
		st.IsBusy = false
		st.SessionStatus = types.StatusIdle
		st.AgentError = ""
		st.SystemStatus = ""
		s.remoteRunning = false
		return true
	})
	return true
}

// RestoreRunning marks the tab busy for a turn it did not start, such as
// a cron execution it just took over. It does nothing once the tab has
// left session id.
func (s *Store) RestoreRunning(id types.SessionID) {
	s.mutate(func(st *types.TabSession) bool {
		if st.SessionID != id {
			return false
		}
		st.IsBusy = true
		if st.SessionStatus != types.StatusStopping {
			st.SessionStatus = types.StatusRunning
		}
		return true
	})
}

// AppendSystemError adds a synthetic assistant message describing a
// local failure.
func (s *Store) AppendSystemError(text string) {
	s.mutate(func(st *types.TabSession) bool {
		st.Messages = append(st.Messages, types.Message{
			ID:        ulid.Make().String(),
			Role:      types.RoleAssistant,
			Content:   types.Content{Blocks: []types.ContentBlock{{Type: types.BlockText, Text: text}}},
			Timestamp: now(),
			Metadata:  map[string]any{"synthetic": true, "error": true},
		})
		s.touch()
		return true
	})
}
