// Package tab assembles one conversation tab: its session store, event
// router, prompt gate, message queue and cron coordinator, all talking
// to the tab's own backend worker.
package tab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/cron"
	"github.com/walkley/myagents/internal/event"
	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/internal/permission"
	"github.com/walkley/myagents/internal/queue"
	"github.com/walkley/myagents/internal/session"
	"github.com/walkley/myagents/internal/stream"
	"github.com/walkley/myagents/internal/transport"
	"github.com/walkley/myagents/pkg/types"
)

var (
	ErrSendFailed = errors.New("message could not be sent")
	ErrNoRegistry = errors.New("tab has no cron registry")
	ErrClosed     = errors.New("tab is closed")
)

// Backend is everything a tab needs from its worker.
type Backend interface {
	session.Transport
	permission.Responder
	Subscribe(ctx context.Context, lastSeq uint64) (transport.Subscription, error)
}

// Options configures a Tab.
type Options struct {
	TabID         string
	WorkspacePath string
	// SessionID is the session to open. A new pending session is
	// started when empty.
	SessionID types.SessionID
	Backend   Backend
	// Registry is optional; without it cron operations fail.
	Registry    cron.Registry
	Reconnect   stream.ReconnectPolicy
	LogCapacity int
}

// SubmitResult tells the caller whether a message went out or waits in
// the queue.
type SubmitResult struct {
	Queued bool
	Item   types.QueuedMessageInfo
}

// Tab is one open conversation.
type Tab struct {
	id      string
	backend Backend
	log     zerolog.Logger

	bus    *event.Bus
	store  *session.Store
	gate   *permission.Gate
	queue  *queue.Manager
	cron   *cron.Coordinator
	router *stream.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// drainCh wakes the drain loop; one pending signal is enough.
	drainCh chan struct{}

	// submitMu serializes sends so a submit and a queue drain never race
	// for the idle slot.
	submitMu sync.Mutex
	closed   bool

	errMu     sync.Mutex
	routerErr error

	unsubscribe func()
}

// Open builds the tab and starts consuming its event stream. When opts
// names an existing session it is loaded from the backend.
func Open(ctx context.Context, opts Options) (*Tab, error) {
	if opts.TabID == "" {
		return nil, errors.New("tab id is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("tab backend is required")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	bus := event.NewBus()
	t := &Tab{
		id:      opts.TabID,
		backend: opts.Backend,
		log:     logging.ForTab("tab", opts.TabID),
		bus:     bus,
		ctx:     runCtx,
		cancel:  cancel,
		drainCh: make(chan struct{}, 1),
	}

	initial := opts.SessionID
	if initial.IsReal() {
		// Start pending and switch below so the load goes through the
		// same path as a user-initiated switch.
		initial = ""
	}
	t.store = session.New(session.Options{
		TabID:         opts.TabID,
		WorkspacePath: opts.WorkspacePath,
		SessionID:     initial,
		Transport:     opts.Backend,
		Bus:           bus,
	})
	t.gate = permission.NewGate(opts.TabID, opts.Backend, bus)
	t.queue = queue.NewManager(opts.TabID, t.store, bus)

	var cronSink stream.CronSink
	if opts.Registry != nil {
		t.cron = cron.NewCoordinator(runCtx, opts.TabID, opts.Registry, t.store, bus)
		cronSink = t.cron
	}

	t.router = stream.NewRouter(stream.Options{
		TabID: opts.TabID,
		Dial: func(ctx context.Context, lastSeq uint64) (stream.Source, error) {
			sub, err := opts.Backend.Subscribe(ctx, lastSeq)
			if err != nil {
				return nil, err
			}
			return sub, nil
		},
		Store:       t.store,
		Gate:        t.gate,
		Cron:        cronSink,
		Bus:         bus,
		Policy:      opts.Reconnect,
		LogCapacity: opts.LogCapacity,
	})

	t.unsubscribe = bus.Subscribe(event.StatusChanged, func(e event.Event) {
		data, ok := e.Data.(event.StatusChangedData)
		if !ok || data.IsBusy || data.New != types.StatusIdle {
			return
		}
		t.requestDrain()
	})

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.drainCh:
				t.drain()
			}
		}
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.router.Run(runCtx); err != nil {
			t.errMu.Lock()
			t.routerErr = err
			t.errMu.Unlock()
			t.log.Error().Err(err).Msg("event stream stopped")
		}
	}()

	if t.cron != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.cron.Watch(runCtx); err != nil {
				t.log.Warn().Err(err).Msg("cron registry watch failed")
			}
		}()
	}

	if opts.SessionID.IsReal() {
		if !t.SwitchSession(ctx, opts.SessionID) {
			err := t.store.LastError()
			t.Close()
			return nil, fmt.Errorf("open session %s: %w", opts.SessionID, err)
		}
	}

	t.log.Info().Str("sessionId", t.store.SessionID().String()).Msg("tab opened")
	return t, nil
}

// ID returns the tab id.
func (t *Tab) ID() string { return t.id }

// Bus returns the tab's notification bus.
func (t *Tab) Bus() *event.Bus { return t.bus }

// Snapshot returns a copy of the tab's session state.
func (t *Tab) Snapshot() types.TabSession { return t.store.Snapshot() }

// SessionID returns the current session id.
func (t *Tab) SessionID() types.SessionID { return t.store.SessionID() }

// Logs returns buffered backend log lines.
func (t *Tab) Logs() []types.LogPayload { return t.router.Logs() }

// Connected reports whether the event stream is open.
func (t *Tab) Connected() bool { return t.router.Connected() }

// StreamErr returns why the event stream stopped, if it did.
func (t *Tab) StreamErr() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.routerErr
}

// Queue returns the queued messages in send order.
func (t *Tab) Queue() []types.QueuedMessageInfo { return t.queue.Items() }

// PendingPermission returns the outstanding permission prompt.
func (t *Tab) PendingPermission() *types.PermissionRequest { return t.gate.PendingPermission() }

// PendingQuestion returns the outstanding question.
func (t *Tab) PendingQuestion() *types.AskUserQuestionRequest { return t.gate.PendingQuestion() }

// CronTask returns the cron task shown in this tab.
func (t *Tab) CronTask() *types.CronTask {
	if t.cron == nil {
		return nil
	}
	return t.cron.Task()
}

// SetActive marks the tab as the foreground tab.
func (t *Tab) SetActive(active bool) { t.store.SetActive(active) }

func (t *Tab) canSendLocked() bool {
	if t.store.IsBusy() {
		return false
	}
	switch t.store.Status() {
	case types.StatusRunning, types.StatusStopping:
		return false
	}
	return true
}

// Submit sends req now when the tab is idle and nothing is queued ahead
// of it; otherwise the message is queued and sent when the current turn
// ends.
func (t *Tab) Submit(ctx context.Context, req types.SendMessageRequest) (SubmitResult, error) {
	t.submitMu.Lock()
	defer t.submitMu.Unlock()
	if t.closed {
		return SubmitResult{}, ErrClosed
	}

	if !t.canSendLocked() || t.queue.Len() > 0 {
		info := t.queue.EnqueueRequest(req)
		t.log.Debug().Str("queueId", info.QueueID).Msg("message queued")
		if t.canSendLocked() {
			// Idle with a backlog, e.g. after an error: flush from the head.
			t.drainLocked(ctx)
		}
		return SubmitResult{Queued: true, Item: info}, nil
	}

	if t.store.SendMessage(ctx, req) {
		return SubmitResult{}, nil
	}
	err := t.store.LastError()
	if !t.canSendLocked() || transport.IsBusy(err) {
		// A turn started underneath us, such as a cron run.
		info := t.queue.EnqueueRequest(req)
		t.retryIfIdleLocked()
		return SubmitResult{Queued: true, Item: info}, nil
	}
	t.store.AppendSystemError(sendErrorText(err))
	return SubmitResult{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
}

func sendErrorText(err error) string {
	if err == nil {
		return "Failed to send message."
	}
	return fmt.Sprintf("Failed to send message: %v", err)
}

// busyRetryDelay spaces out sends the worker refused as busy when no
// status event is coming to trigger the next attempt.
var busyRetryDelay = 500 * time.Millisecond

func (t *Tab) requestDrain() {
	select {
	case t.drainCh <- struct{}{}:
	default:
	}
}

// retryIfIdleLocked schedules a drain when the tab looks idle even
// though the worker is busy, e.g. the other turn ended before our send
// was refused.
func (t *Tab) retryIfIdleLocked() {
	if t.canSendLocked() {
		time.AfterFunc(busyRetryDelay, t.requestDrain)
	}
}

func (t *Tab) drain() {
	t.submitMu.Lock()
	defer t.submitMu.Unlock()
	if t.closed {
		return
	}
	t.drainLocked(t.ctx)
}

// drainLocked sends the next queued message if the tab is idle.
func (t *Tab) drainLocked(ctx context.Context) {
	if !t.canSendLocked() {
		return
	}
	item, ok := t.queue.DequeueNext()
	if !ok {
		return
	}
	t.log.Debug().Str("queueId", item.QueueID).Msg("sending queued message")
	if t.store.SendMessage(ctx, item.Request) {
		return
	}
	err := t.store.LastError()
	if !t.canSendLocked() || transport.IsBusy(err) {
		t.queue.Requeue(item)
		t.retryIfIdleLocked()
		return
	}
	t.store.AppendSystemError(sendErrorText(err))
}

// Stop interrupts the running turn.
func (t *Tab) Stop(ctx context.Context) bool {
	return t.store.StopResponse(ctx)
}

// Reset starts a fresh session, dropping prompts and queued messages.
func (t *Tab) Reset(ctx context.Context) bool {
	t.submitMu.Lock()
	defer t.submitMu.Unlock()
	if !t.store.ResetSession(ctx) {
		return false
	}
	t.gate.Clear()
	t.queue.Clear()
	return true
}

// SwitchSession loads another session into the tab. Prompts and queued
// messages of the previous session are dropped.
func (t *Tab) SwitchSession(ctx context.Context, id types.SessionID) bool {
	t.submitMu.Lock()
	defer t.submitMu.Unlock()
	if t.store.IsBusy() {
		return false
	}
	t.gate.Clear()
	t.queue.Clear()
	return t.store.LoadSession(ctx, id, session.LoadOptions{})
}

// CancelQueued removes a queued message and returns its text.
func (t *Tab) CancelQueued(queueID string) (string, bool) {
	return t.queue.Cancel(queueID)
}

// ForceQueued moves a queued message to the front. It is sent right
// away when the tab is idle; while a turn is running the call fails.
func (t *Tab) ForceQueued(ctx context.Context, queueID string) bool {
	if !t.queue.ForceExecute(queueID) {
		return false
	}
	t.submitMu.Lock()
	defer t.submitMu.Unlock()
	t.drainLocked(ctx)
	return true
}

// RespondPermission answers the outstanding permission prompt.
func (t *Tab) RespondPermission(ctx context.Context, requestID string, decision types.PermissionDecision) bool {
	return t.gate.ResolvePermission(ctx, requestID, decision)
}

// RespondQuestion answers the outstanding question. Nil answers cancel it.
func (t *Tab) RespondQuestion(ctx context.Context, requestID string, answers types.QuestionAnswers) bool {
	return t.gate.ResolveQuestion(ctx, requestID, answers)
}

// CreateCronTask schedules a prompt against the tab's session.
func (t *Tab) CreateCronTask(ctx context.Context, cfg types.CronTaskConfig) (types.CronTask, error) {
	if t.cron == nil {
		return types.CronTask{}, ErrNoRegistry
	}
	return t.cron.CreateTask(ctx, cfg)
}

// StopCronTask stops the tab's cron task. The conversation stream keeps
// running.
func (t *Tab) StopCronTask(ctx context.Context) (types.CronTask, error) {
	if t.cron == nil {
		return types.CronTask{}, ErrNoRegistry
	}
	return t.cron.StopTask(ctx)
}

// Close stops the stream and releases the tab. Waiting for background
// work is bounded by a short grace period.
func (t *Tab) Close() error {
	t.submitMu.Lock()
	if t.closed {
		t.submitMu.Unlock()
		return nil
	}
	t.closed = true
	t.submitMu.Unlock()

	t.cancel()
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	if t.cron != nil {
		t.cron.Close()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		t.gate.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.log.Warn().Msg("timed out waiting for tab goroutines")
	}
	t.log.Info().Msg("tab closed")
	return t.bus.Close()
}
