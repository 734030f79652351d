package sidecar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/internal/permission"
	"github.com/walkley/myagents/pkg/types"
)

// ErrBusy is returned when a turn is already running.
var ErrBusy = errors.New("a turn is already running")

// Worker hosts one session and runs its turns. Events are published on
// every tab stream attached to it.
type Worker struct {
	id      string
	base    context.Context
	archive *Archive
	checker *permission.Checker
	agent   *Agent
	log     zerolog.Logger

	mu           sync.Mutex
	sessionID    types.SessionID
	messages     []types.Message
	running      bool
	cron         bool
	cancelTurn   context.CancelFunc
	done         chan struct{}
	systemStatus string
	permission   *types.PermissionRequest
	question     *types.AskUserQuestionRequest
	listeners    map[string]*tabStream
	lastActive   time.Time
}

func newWorker(base context.Context, archive *Archive, checker *permission.Checker, agent *Agent) *Worker {
	id := "w_" + ulid.Make().String()
	return &Worker{
		id:         id,
		base:       base,
		archive:    archive,
		checker:    checker,
		agent:      agent,
		log:        logging.For("worker").With().Str("worker", id).Logger(),
		sessionID:  types.NewPendingID(),
		listeners:  make(map[string]*tabStream),
		lastActive: time.Now(),
	}
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// SessionID returns the hosted session.
func (w *Worker) SessionID() types.SessionID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// Running reports whether a turn is in flight.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Messages returns a copy of the canonical message list.
func (w *Worker) Messages() []types.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return types.CloneMessages(w.messages)
}

func (w *Worker) emitLocked(kind types.EventKind, payload any) {
	for _, s := range w.listeners {
		s.publish(kind, payload)
	}
}

func (w *Worker) replayLocked() types.ReplayPayload {
	p := types.ReplayPayload{Messages: types.CloneMessages(w.messages), Phase: types.PhaseIdle}
	if p.Messages == nil {
		p.Messages = []types.Message{}
	}
	if w.sessionID.IsReal() {
		p.SessionID = w.sessionID
	}
	if w.running {
		p.Phase = types.PhaseRunning
		p.Permission = w.permission
		p.Question = w.question
	}
	return p
}

// attach binds a tab stream. With announce set the tab receives a replay
// of the hosted session.
func (w *Worker) attach(s *tabStream, announce bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners[s.tabID] = s
	if announce {
		s.publish(types.EventReplay, w.replayLocked())
	}
}

// detach unbinds a tab and reports how many remain.
func (w *Worker) detach(tabID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.listeners, tabID)
	w.lastActive = time.Now()
	return len(w.listeners)
}

func (w *Worker) listenerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

// subscribe opens a subscription on s while holding the worker lock so
// the initial replay and the following events line up.
func (w *Worker) subscribe(s *tabStream, lastSeq uint64) ([]types.Envelope, <-chan types.Envelope, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return s.subscribe(lastSeq, w.replayLocked)
}

// Send starts a turn for req.
func (w *Worker) Send(req types.SendMessageRequest) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(w.base)
	done := make(chan struct{})
	w.running = true
	w.cron = req.IsCron
	w.cancelTurn = cancel
	w.done = done
	w.lastActive = time.Now()

	user := types.Message{
		ID:          ulid.Make().String(),
		Role:        types.RoleUser,
		Content:     types.TextContent(req.Text),
		Timestamp:   time.Now(),
		Attachments: req.Attachments,
	}
	if req.IsCron {
		user.Metadata = map[string]any{"cron": true}
	}
	w.messages = append(w.messages, user)
	w.emitLocked(types.EventStatus, types.StatusPayload{Phase: types.PhaseRunning})
	w.emitLocked(types.EventMessageDelta, types.MessageDeltaPayload{Message: &user})
	w.mu.Unlock()

	w.log.Info().Str("sessionId", w.SessionID().String()).Bool("cron", req.IsCron).Msg("turn started")
	go w.runTurn(ctx, done, req)
	return nil
}

func (w *Worker) runTurn(ctx context.Context, done chan struct{}, req types.SendMessageRequest) {
	defer close(done)
	t := &turn{w: w, messageID: ulid.Make().String()}
	err := w.agent.Run(ctx, t, req)
	w.finish(ctx, err)
}

func (w *Worker) finish(ctx context.Context, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.running = false
	w.cron = false
	w.cancelTurn = nil
	w.lastActive = time.Now()
	for i := range w.messages {
		if w.messages[i].Streaming {
			w.messages[i].Streaming = false
			closeBlocks(&w.messages[i])
			w.emitLocked(types.EventMessageDelta, types.MessageDeltaPayload{MessageID: w.messages[i].ID, Complete: true})
		}
	}

	stopped := ctx.Err() != nil
	if err != nil && !stopped {
		w.log.Warn().Err(err).Msg("turn failed")
		w.emitLocked(types.EventError, types.ErrorPayload{Message: err.Error(), Code: "AGENT_ERROR"})
		return
	}

	if !w.sessionID.IsReal() {
		old := w.sessionID
		w.sessionID = types.SessionID("sess_" + ulid.Make().String())
		w.checker.MoveApprovals(old, w.sessionID)
	}
	if w.archive != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.archive.Save(saveCtx, w.sessionID, w.messages); err != nil {
			w.log.Error().Err(err).Msg("failed to save session")
		}
		cancel()
	}

	phase := types.PhaseComplete
	if stopped {
		phase = types.PhaseStopped
	}
	w.emitLocked(types.EventStatus, types.StatusPayload{Phase: phase, SessionID: w.sessionID})
}

// Stop interrupts the running turn. It reports whether one was running.
func (w *Worker) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running || w.cancelTurn == nil {
		return false
	}
	w.cancelTurn()
	return true
}

func (w *Worker) stopAndWait() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancelTurn()
	done := w.done
	w.mu.Unlock()
	<-done
}

// Load replaces the hosted session.
func (w *Worker) Load(id types.SessionID, msgs []types.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrBusy
	}
	w.sessionID = id
	w.messages = types.CloneMessages(msgs)
	w.emitLocked(types.EventReplay, w.replayLocked())
	return nil
}

// Reset stops any turn and starts a fresh session.
func (w *Worker) Reset() {
	w.stopAndWait()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checker.ClearSession(w.sessionID)
	w.sessionID = types.NewPendingID()
	w.messages = nil
	w.systemStatus = ""
	w.emitLocked(types.EventReplay, w.replayLocked())
}

// turn is the agent's handle on the message it is producing.
type turn struct {
	w         *Worker
	messageID string
}

// assistantLocked returns the streaming assistant message of the turn,
// creating it on first use.
func (t *turn) assistantLocked() *types.Message {
	w := t.w
	for i := len(w.messages) - 1; i >= 0; i-- {
		if w.messages[i].ID == t.messageID {
			return &w.messages[i]
		}
	}
	w.messages = append(w.messages, types.Message{
		ID:        t.messageID,
		Role:      types.RoleAssistant,
		Content:   types.Content{Blocks: []types.ContentBlock{}},
		Timestamp: time.Now(),
		Streaming: true,
	})
	return &w.messages[len(w.messages)-1]
}

func (t *turn) text(delta string) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	m := t.assistantLocked()
	blocks := m.Content.Blocks
	if n := len(blocks); n > 0 && blocks[n-1].Type == types.BlockText {
		blocks[n-1].Text += delta
	} else {
		closeThinking(m)
		m.Content.Blocks = append(m.Content.Blocks, types.ContentBlock{Type: types.BlockText, Text: delta})
	}
	t.w.emitLocked(types.EventMessageDelta, types.MessageDeltaPayload{MessageID: t.messageID, Text: delta})
}

func (t *turn) thinking(delta string) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	m := t.assistantLocked()
	blocks := m.Content.Blocks
	if n := len(blocks); n > 0 && blocks[n-1].Type == types.BlockThinking && !blocks[n-1].IsComplete {
		blocks[n-1].Thinking += delta
	} else {
		m.Content.Blocks = append(m.Content.Blocks, types.ContentBlock{Type: types.BlockThinking, Thinking: delta})
	}
	t.w.emitLocked(types.EventMessageDelta, types.MessageDeltaPayload{MessageID: t.messageID, Thinking: delta})
}

// toolUse appends a loading tool_use block and returns its index.
func (t *turn) toolUse(tool types.ToolUse) int {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	m := t.assistantLocked()
	closeThinking(m)
	tool.IsLoading = true
	block := types.ContentBlock{Type: types.BlockToolUse, Tool: &tool}
	m.Content.Blocks = append(m.Content.Blocks, block)
	t.w.emitLocked(types.EventMessageDelta, types.MessageDeltaPayload{MessageID: t.messageID, Block: &block})
	return len(m.Content.Blocks) - 1
}

func (t *turn) toolResult(index int, result string) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	m := t.assistantLocked()
	if index < 0 || index >= len(m.Content.Blocks) || m.Content.Blocks[index].Tool == nil {
		return
	}
	tool := m.Content.Blocks[index].Tool
	tool.IsLoading = false
	tool.Result = &result
	loading := false
	t.w.emitLocked(types.EventToolLifecycle, types.ToolLifecyclePayload{
		MessageID:  t.messageID,
		BlockIndex: index,
		IsLoading:  &loading,
		Result:     &result,
	})
}

func (t *turn) systemStatus(status string) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.w.systemStatus = status
	t.w.emitLocked(types.EventStatus, types.StatusPayload{SystemStatus: &status})
}

func (t *turn) logf(level, format string, args ...any) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.w.emitLocked(types.EventLog, types.LogPayload{Level: level, Message: fmt.Sprintf(format, args...), Time: time.Now()})
}

// askPermission blocks until the prompt is answered. While it waits the
// prompt is part of every replay.
func (t *turn) askPermission(ctx context.Context, req types.PermissionRequest) error {
	sessionID := t.w.SessionID()
	defer func() {
		t.w.mu.Lock()
		t.w.permission = nil
		t.w.mu.Unlock()
	}()
	return t.w.checker.Ask(ctx, sessionID, req, func(r types.PermissionRequest) {
		t.w.mu.Lock()
		defer t.w.mu.Unlock()
		t.w.permission = &r
		t.w.emitLocked(types.EventPermissionRequest, r)
	})
}

func (t *turn) askQuestion(ctx context.Context, req types.AskUserQuestionRequest) (types.QuestionAnswers, error) {
	req.AssignIDs()
	defer func() {
		t.w.mu.Lock()
		t.w.question = nil
		t.w.mu.Unlock()
	}()
	return t.w.checker.AskQuestion(ctx, req, func(r types.AskUserQuestionRequest) {
		t.w.mu.Lock()
		defer t.w.mu.Unlock()
		t.w.question = &r
		t.w.emitLocked(types.EventAskUserQuestion, r)
	})
}

func closeThinking(m *types.Message) {
	if n := len(m.Content.Blocks); n > 0 && m.Content.Blocks[n-1].Type == types.BlockThinking {
		m.Content.Blocks[n-1].IsComplete = true
	}
}

// closeBlocks settles a message whose turn is over. A tool with no
// result by then never gets one.
func closeBlocks(m *types.Message) {
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
