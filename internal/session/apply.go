package session

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/walkley/myagents/pkg/types"
)

var now = time.Now

// ApplyMessageDelta merges a message-delta event into the message list.
// Whole messages are upserted by id. Increments grow the streaming
// assistant message, creating it on first use.
func (s *Store) ApplyMessageDelta(p types.MessageDeltaPayload) error {
	var err error
	s.mutate(func(st *types.TabSession) bool {
		var changed bool
		changed, err = applyDelta(st, p)
		if changed {
			s.touch()
		}
		return err == nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("messageId", p.MessageID).Msg("dropping message delta")
	}
	return err
}

func applyDelta(st *types.TabSession, p types.MessageDeltaPayload) (bool, error) {
	if p.Message != nil {
		msg := p.Message.Clone()
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now()
		}
		if p.Complete {
			finishMessage(&msg)
		}
		if i := indexOf(st.Messages, msg.ID); i >= 0 {
			if !st.Messages[i].Streaming {
				return false, nil
			}
			st.Messages[i] = msg
			return true, nil
		}
		st.Messages = append(st.Messages, msg)
		return true, nil
	}

	grows := p.Text != "" || p.Thinking != "" || p.Block != nil
	if !grows && !p.Complete {
		return false, nil
	}

	i, err := streamingTarget(st, p.MessageID, grows)
	if err != nil || i < 0 {
		return false, err
	}
	m := &st.Messages[i]

	if p.Thinking != "" {
		appendThinking(m, p.Thinking)
	}
	if p.Text != "" {
		appendText(m, p.Text)
	}
	if p.Block != nil {
		closeThinking(m)
		m.Content.Blocks = append(m.Content.Blocks, p.Block.Clone())
	}
	if p.Complete {
		finishMessage(m)
	}
	return true, nil
}

// streamingTarget finds the message an increment applies to. It returns
// -1 without error when there is nothing to complete.
func streamingTarget(st *types.TabSession, id string, create bool) (int, error) {
	if id != "" {
		if i := indexOf(st.Messages, id); i >= 0 {
			if !st.Messages[i].Streaming {
				return -1, fmt.Errorf("%w: %s", ErrMessageComplete, id)
			}
			return i, nil
		}
	} else if n := len(st.Messages); n > 0 {
		last := st.Messages[n-1]
		if last.Role == types.RoleAssistant && last.Streaming {
			return n - 1, nil
		}
	}
	if !create {
		return -1, nil
	}
	if id == "" {
		id = ulid.Make().String()
	}
	st.Messages = append(st.Messages, types.Message{
		ID:        id,
		Role:      types.RoleAssistant,
		Content:   types.Content{Blocks: []types.ContentBlock{}},
		Timestamp: now(),
		Streaming: true,
	})
	return len(st.Messages) - 1, nil
}

func appendThinking(m *types.Message, delta string) {
	blocks := m.Content.Blocks
	if n := len(blocks); n > 0 && blocks[n-1].Type == types.BlockThinking && !blocks[n-1].IsComplete {
		blocks[n-1].Thinking += delta
		return
	}
	m.Content.Blocks = append(blocks, types.ContentBlock{Type: types.BlockThinking, Thinking: delta})
}

func appendText(m *types.Message, delta string) {
	blocks := m.Content.Blocks
	if n := len(blocks); n > 0 && blocks[n-1].Type == types.BlockText {
		blocks[n-1].Text += delta
		return
	}
	closeThinking(m)
	m.Content.Blocks = append(m.Content.Blocks, types.ContentBlock{Type: types.BlockText, Text: delta})
}

func closeThinking(m *types.Message) {
	if n := len(m.Content.Blocks); n > 0 && m.Content.Blocks[n-1].Type == types.BlockThinking {
		m.Content.Blocks[n-1].IsComplete = true
	}
}

// finishMessage closes a message. Tools still loading will not get a
// result any more.
func finishMessage(m *types.Message) {
	m.Streaming = false
	for i := range m.Content.Blocks {
		b := &m.Content.Blocks[i]
		switch {
		case b.Type == types.BlockThinking:
			b.IsComplete = true
		case b.Type == types.BlockToolUse && b.Tool != nil:
			b.Tool.IsLoading = false
			for j := range b.Tool.SubagentCalls {
				b.Tool.SubagentCalls[j].IsLoading = false
			}
		}
	}
}

// finishStreaming completes every message still marked streaming.
func finishStreaming(st *types.TabSession) bool {
	changed := false
	for i := range st.Messages {
		if st.Messages[i].Streaming {
			finishMessage(&st.Messages[i])
			changed = true
		}
	}
	return changed
}

func indexOf(msgs []types.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// ApplyToolLifecycle updates a tool_use block in place.
func (s *Store) ApplyToolLifecycle(p types.ToolLifecyclePayload) error {
	var err error
	s.mutate(func(st *types.TabSession) bool {
		err = applyTool(st, p)
		if err == nil {
			s.touch()
		}
		return err == nil
	})
	if err != nil {
		s.log.Warn().Err(err).Int("blockIndex", p.BlockIndex).Msg("dropping tool lifecycle event")
	}
	return err
}

func applyTool(st *types.TabSession, p types.ToolLifecyclePayload) error {
	i := indexOf(st.Messages, p.MessageID)
	if p.MessageID == "" {
		for j := len(st.Messages) - 1; j >= 0; j-- {
			if st.Messages[j].Role == types.RoleAssistant {
				i = j
				break
			}
		}
	}
	if i < 0 {
		return ErrMessageNotFound
	}
	m := &st.Messages[i]
	if !m.Streaming {
		return ErrMessageComplete
	}
	if p.BlockIndex < 0 || p.BlockIndex >= len(m.Content.Blocks) {
		return fmt.Errorf("%w: index %d of %d", ErrBlockMismatch, p.BlockIndex, len(m.Content.Blocks))
	}
	b := &m.Content.Blocks[p.BlockIndex]
	if b.Type != types.BlockToolUse || b.Tool == nil {
		return fmt.Errorf("%w: index %d is %s", ErrBlockMismatch, p.BlockIndex, b.Type)
	}

	if p.IsLoading != nil {
		b.Tool.IsLoading = *p.IsLoading
	}
	if p.Result != nil {
		r := *p.Result
		b.Tool.Result = &r
	}
	for _, call := range p.SubagentCalls {
		mergeSubagent(b.Tool, call)
	}
	return nil
}

func mergeSubagent(t *types.ToolUse, call types.SubagentCall) {
	for i := range t.SubagentCalls {
		if t.SubagentCalls[i].ID == call.ID {
			t.SubagentCalls[i] = call
			return
		}
	}
	t.SubagentCalls = append(t.SubagentCalls, call)
}

// ApplyStatus handles a status event. A real session id on the event
// upgrades a pending id; systemStatus is tracked without touching
// sessionStatus.
func (s *Store) ApplyStatus(p types.StatusPayload) {
	s.mutate(func(st *types.TabSession) bool {
		if p.SessionID.IsReal() && p.SessionID != st.SessionID {
			if st.SessionID.IsReal() {
				s.log.Warn().
					Str("current", st.SessionID.String()).
					Str("reported", p.SessionID.String()).
					Msg("ignoring session id for a different session")
			} else {
				st.SessionID = p.SessionID
			}
		}
		if p.SystemStatus != nil {
			st.SystemStatus = *p.SystemStatus
		}

		switch p.Phase {
		case types.PhaseRunning:
			s.remoteRunning = true
			st.IsBusy = true
			if st.SessionStatus != types.StatusStopping {
				st.SessionStatus = types.StatusRunning
			}
		case types.PhaseComplete, types.PhaseStopped, types.PhaseIdle:
			s.remoteRunning = false
			st.IsBusy = false
			if st.SessionStatus != types.StatusError {
				st.SessionStatus = types.StatusIdle
			}
			if finishStreaming(st) {
				s.touch()
			}
		}
		return true
	})
}

// ApplyError records an agent failure and ends the turn.
func (s *Store) ApplyError(p types.ErrorPayload) {
	s.mutate(func(st *types.TabSession) bool {
		st.AgentError = p.Message
		st.SessionStatus = types.StatusError
		st.IsBusy = false
		s.remoteRunning = false
		if finishStreaming(st) {
			s.touch()
		}
		return true
	})
}

// ApplyReplay replaces the message list with the backend's canonical one.
func (s *Store) ApplyReplay(p types.ReplayPayload) {
	s.mutate(func(st *types.TabSession) bool {
		msgs := types.CloneMessages(p.Messages)
		if msgs == nil {
			msgs = []types.Message{}
		}
		st.Messages = msgs
		s.touch()
		if p.SessionID.IsReal() {
			st.SessionID = p.SessionID
		}

		s.remoteRunning = p.Phase == types.PhaseRunning
		switch p.Phase {
		case types.PhaseRunning:
			st.IsBusy = true
			if st.SessionStatus != types.StatusStopping {
				st.SessionStatus = types.StatusRunning
			}
		default:
			st.IsBusy = false
			if st.SessionStatus == types.StatusRunning || st.SessionStatus == types.StatusStopping {
				st.SessionStatus = types.StatusIdle
			}
		}
		return true
	})
}

// MarkDisconnected moves the tab to the error state after the stream
// could not be re-established.
func (s *Store) MarkDisconnected(err error) {
	msg := "stream disconnected"
	if err != nil {
		msg = fmt.Sprintf("stream disconnected: %v", err)
	}
	s.ApplyError(types.ErrorPayload{Message: msg, Code: "STREAM_DISCONNECTED"})
}
