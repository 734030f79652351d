package tab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walkley/myagents/internal/cron"
	"github.com/walkley/myagents/internal/transport"
	"github.com/walkley/myagents/pkg/types"
)

// fakeBackend pushes envelopes scripted by the test onto a single
// in-memory stream.
type fakeBackend struct {
	mu      sync.Mutex
	seq     uint64
	events  chan types.Envelope
	sent    []types.SendMessageRequest
	loaded  []types.SessionID
	resets  int
	stops   int
	perms   []types.PermissionDecision
	sendErr error
	loadErr error
	onSend  func(b *fakeBackend, req types.SendMessageRequest)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan types.Envelope, 256)}
}

func (b *fakeBackend) push(kind types.EventKind, payload any) {
	data, _ := json.Marshal(payload)
	b.mu.Lock()
	b.seq++
	env := types.Envelope{Seq: b.seq, Type: kind, Payload: data}
	b.mu.Unlock()
	b.events <- env
}

func (b *fakeBackend) SendMessage(ctx context.Context, req types.SendMessageRequest) (types.SendMessageResponse, error) {
	b.mu.Lock()
	b.sent = append(b.sent, req)
	err, hook := b.sendErr, b.onSend
	b.mu.Unlock()
	if hook != nil {
		hook(b, req)
	}
	if err != nil {
		return types.SendMessageResponse{}, err
	}
	return types.SendMessageResponse{Success: true}, nil
}

func (b *fakeBackend) StopResponse(ctx context.Context) error {
	b.mu.Lock()
	b.stops++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) LoadSession(ctx context.Context, id types.SessionID) error {
	b.mu.Lock()
	b.loaded = append(b.loaded, id)
	err := b.loadErr
	b.mu.Unlock()
	return err
}

func (b *fakeBackend) ResetSession(ctx context.Context) error {
	b.mu.Lock()
	b.resets++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) RespondPermission(ctx context.Context, requestID string, decision types.PermissionDecision) error {
	b.mu.Lock()
	b.perms = append(b.perms, decision)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) RespondQuestion(ctx context.Context, requestID string, answers types.QuestionAnswers) error {
	return nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, lastSeq uint64) (transport.Subscription, error) {
	return &fakeSub{events: b.events}, nil
}

func (b *fakeBackend) sentTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, r := range b.sent {
		out[i] = r.Text
	}
	return out
}

type fakeSub struct {
	events chan types.Envelope
}

func (s *fakeSub) Next(ctx context.Context) (types.Envelope, error) {
	select {
	case env := <-s.events:
		return env, nil
	case <-ctx.Done():
		return types.Envelope{}, ctx.Err()
	}
}

func (s *fakeSub) Close() error { return nil }

// respond plays a full turn for req: running, user echo, streamed
// answer, completion.
func respond(sessionID types.SessionID, reply string) func(*fakeBackend, types.SendMessageRequest) {
	return func(b *fakeBackend, req types.SendMessageRequest) {
		b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseRunning})
		b.push(types.EventMessageDelta, types.MessageDeltaPayload{Message: &types.Message{
			ID: "u-" + req.Text, Role: types.RoleUser, Content: types.TextContent(req.Text),
		}})
		b.push(types.EventMessageDelta, types.MessageDeltaPayload{MessageID: "a-" + req.Text, Text: reply})
		b.push(types.EventMessageDelta, types.MessageDeltaPayload{MessageID: "a-" + req.Text, Complete: true})
		b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseComplete, SessionID: sessionID})
	}
}

func openTab(t *testing.T, b *fakeBackend, reg cron.Registry) *Tab {
	t.Helper()
	tb, err := Open(context.Background(), Options{TabID: "tab-1", WorkspacePath: "/work", Backend: b, Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { tb.Close() })
	return tb
}

func waitIdle(t *testing.T, tb *Tab, messages int) types.TabSession {
	t.Helper()
	var snap types.TabSession
	require.Eventually(t, func() bool {
		snap = tb.Snapshot()
		return !snap.IsBusy && snap.SessionStatus == types.StatusIdle && len(snap.Messages) == messages
	}, 3*time.Second, 10*time.Millisecond)
	return snap
}

func TestTab_Hello(t *testing.T) {
	b := newFakeBackend()
	b.onSend = respond("sess_1", "Hi there")
	tb := openTab(t, b, nil)
	assert.True(t, tb.SessionID().IsPending())

	res, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "hello"})
	require.NoError(t, err)
	assert.False(t, res.Queued)

	snap := waitIdle(t, tb, 2)
	assert.Equal(t, types.SessionID("sess_1"), snap.SessionID)
	assert.Equal(t, types.RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "hello", snap.Messages[0].Content.PlainText())
	assert.Equal(t, types.RoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, "Hi there", snap.Messages[1].Content.PlainText())
	assert.False(t, snap.Messages[1].Streaming)
}

func TestTab_QueuedMessageSentAfterTurn(t *testing.T) {
	b := newFakeBackend()
	tb := openTab(t, b, nil)

	// The first turn stays open until the test finishes it.
	b.onSend = func(b *fakeBackend, req types.SendMessageRequest) {
		b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseRunning})
	}
	_, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "first"})
	require.NoError(t, err)

	res, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "second"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.Item.QueueID)
	assert.Len(t, tb.Queue(), 1)
	assert.Equal(t, []string{"first"}, b.sentTexts())

	b.mu.Lock()
	b.onSend = respond("sess_1", "done")
	b.mu.Unlock()
	b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseComplete})

	require.Eventually(t, func() bool {
		return len(b.sentTexts()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, b.sentTexts())
	assert.Empty(t, tb.Queue())
	waitIdle(t, tb, 2)
}

func TestTab_SendFailureAppendsSyntheticError(t *testing.T) {
	b := newFakeBackend()
	b.sendErr = errors.New("connection refused")
	tb := openTab(t, b, nil)

	_, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "hello"})
	assert.ErrorIs(t, err, ErrSendFailed)

	snap := tb.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, true, snap.Messages[0].Metadata["synthetic"])
	assert.Contains(t, snap.Messages[0].Content.PlainText(), "connection refused")
	assert.False(t, snap.IsBusy)
	assert.Equal(t, types.StatusIdle, snap.SessionStatus)

	// The tab stays usable.
	b.mu.Lock()
	b.sendErr = nil
	b.onSend = respond("sess_1", "ok")
	b.mu.Unlock()
	_, err = tb.Submit(context.Background(), types.SendMessageRequest{Text: "again"})
	require.NoError(t, err)
	waitIdle(t, tb, 3)
}

func TestTab_PermissionRoundTrip(t *testing.T) {
	b := newFakeBackend()
	tb := openTab(t, b, nil)

	b.push(types.EventPermissionRequest, types.PermissionRequest{RequestID: "perm-1", ToolName: "bash", Title: "Run ls"})
	require.Eventually(t, func() bool { return tb.PendingPermission() != nil }, 2*time.Second, 10*time.Millisecond)

	assert.False(t, tb.RespondPermission(context.Background(), "perm-stale", types.DecisionAllowOnce))
	assert.True(t, tb.RespondPermission(context.Background(), "perm-1", types.DecisionAllowOnce))
	assert.Nil(t, tb.PendingPermission())
	assert.False(t, tb.RespondPermission(context.Background(), "perm-1", types.DecisionAllowOnce))

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.perms) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTab_ForceQueued(t *testing.T) {
	b := newFakeBackend()
	tb := openTab(t, b, nil)
	b.onSend = func(b *fakeBackend, req types.SendMessageRequest) {
		b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseRunning})
	}
	_, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "first"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tb.Snapshot().SessionStatus == types.StatusRunning }, 2*time.Second, 10*time.Millisecond)

	_, err = tb.Submit(context.Background(), types.SendMessageRequest{Text: "second"})
	require.NoError(t, err)
	third, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "third"})
	require.NoError(t, err)

	assert.False(t, tb.ForceQueued(context.Background(), third.Item.QueueID), "refused while running")

	require.True(t, tb.Stop(context.Background()))
	assert.Equal(t, types.StatusStopping, tb.Snapshot().SessionStatus)
	assert.True(t, tb.ForceQueued(context.Background(), third.Item.QueueID))
	assert.Equal(t, "third", tb.Queue()[0].Text)

	b.mu.Lock()
	b.onSend = respond("sess_1", "ok")
	b.mu.Unlock()
	b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseStopped})

	require.Eventually(t, func() bool { return len(b.sentTexts()) == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "third", "second"}, b.sentTexts())
}

func TestTab_CancelQueued(t *testing.T) {
	b := newFakeBackend()
	tb := openTab(t, b, nil)
	b.onSend = func(b *fakeBackend, req types.SendMessageRequest) {
		b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseRunning})
	}
	_, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "first"})
	require.NoError(t, err)
	res, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "draft"})
	require.NoError(t, err)

	text, ok := tb.CancelQueued(res.Item.QueueID)
	assert.True(t, ok)
	assert.Equal(t, "draft", text)
	assert.Empty(t, tb.Queue())
	_, ok = tb.CancelQueued(res.Item.QueueID)
	assert.False(t, ok)
}

func TestTab_ResetClearsQueueAndPrompts(t *testing.T) {
	b := newFakeBackend()
	tb := openTab(t, b, nil)
	b.onSend = respond("sess_1", "hi")
	_, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "hello"})
	require.NoError(t, err)
	waitIdle(t, tb, 2)

	b.push(types.EventAskUserQuestion, types.AskUserQuestionRequest{RequestID: "q-1"})
	require.Eventually(t, func() bool { return tb.PendingQuestion() != nil }, 2*time.Second, 10*time.Millisecond)

	require.True(t, tb.Reset(context.Background()))
	snap := tb.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.True(t, snap.SessionID.IsPending())
	assert.Nil(t, tb.PendingQuestion())
	assert.Empty(t, tb.Queue())
	b.mu.Lock()
	assert.Equal(t, 1, b.resets)
	b.mu.Unlock()
}

func TestTab_OpenExistingSessionLoadsIt(t *testing.T) {
	b := newFakeBackend()
	tb, err := Open(context.Background(), Options{TabID: "tab-1", SessionID: "sess_old", Backend: b})
	require.NoError(t, err)
	defer tb.Close()

	assert.Equal(t, types.SessionID("sess_old"), tb.SessionID())
	b.mu.Lock()
	assert.Equal(t, []types.SessionID{"sess_old"}, b.loaded)
	b.mu.Unlock()
}

func TestTab_CronWithoutRegistry(t *testing.T) {
	tb := openTab(t, newFakeBackend(), nil)
	_, err := tb.CreateCronTask(context.Background(), types.CronTaskConfig{Schedule: "@hourly", Prompt: "x"})
	assert.ErrorIs(t, err, ErrNoRegistry)
	assert.Nil(t, tb.CronTask())
}

func TestTab_CronTaskFollowsUpgrade(t *testing.T) {
	reg := cron.NewMemoryRegistry()
	defer reg.Close()
	b := newFakeBackend()
	tb := openTab(t, b, reg)

	task, err := tb.CreateCronTask(context.Background(), types.CronTaskConfig{Schedule: "@every 1h", Prompt: "digest"})
	require.NoError(t, err)
	assert.True(t, task.SessionID.IsPending())

	b.onSend = respond("sess_real", "ok")
	_, err = tb.Submit(context.Background(), types.SendMessageRequest{Text: "hello"})
	require.NoError(t, err)
	waitIdle(t, tb, 2)

	// Notifications are delivered after the state change is visible.
	require.Eventually(t, func() bool {
		got, err := reg.GetCronTask(context.Background(), task.ID)
		return err == nil && got.SessionID == "sess_real"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		cur := tb.CronTask()
		return cur != nil && cur.SessionID == "sess_real"
	}, 2*time.Second, 10*time.Millisecond)

	stopped, err := tb.StopCronTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.CronStopped, stopped.Status)
	assert.True(t, tb.Connected())
}

func TestTab_FailedLoadLeavesRunningTaskWithOwner(t *testing.T) {
	ctx := context.Background()
	reg := cron.NewMemoryRegistry()
	defer reg.Close()
	task, err := reg.CreateCronTask(ctx, types.CronTask{
		SessionID: "sess_cron", TabID: "tab-other",
		Config: types.CronTaskConfig{Schedule: "@every 1h", Prompt: "digest"},
	})
	require.NoError(t, err)
	require.Equal(t, types.CronRunning, task.Status)

	b := newFakeBackend()
	b.loadErr = errors.New("session not found")
	tb := openTab(t, b, reg)
	before := tb.SessionID()

	assert.False(t, tb.SwitchSession(ctx, "sess_cron"))

	snap := tb.Snapshot()
	assert.Equal(t, before, snap.SessionID)
	assert.False(t, snap.IsBusy)
	assert.Equal(t, types.StatusIdle, snap.SessionStatus)
	assert.Nil(t, tb.CronTask())
	require.Eventually(t, func() bool {
		got, err := reg.GetCronTask(ctx, task.ID)
		return err == nil && got.TabID == "tab-other"
	}, 2*time.Second, 10*time.Millisecond)

	// The tab can still start turns.
	b.onSend = respond("sess_1", "ok")
	_, err = tb.Submit(ctx, types.SendMessageRequest{Text: "hello"})
	require.NoError(t, err)
	waitIdle(t, tb, 2)
}

func TestTab_SubmitAfterClose(t *testing.T) {
	tb, err := Open(context.Background(), Options{TabID: "tab-1", Backend: newFakeBackend()})
	require.NoError(t, err)
	require.NoError(t, tb.Close())
	_, err = tb.Submit(context.Background(), types.SendMessageRequest{Text: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTab_StoppedTurnDropsPrompt(t *testing.T) {
	b := newFakeBackend()
	tb := openTab(t, b, nil)
	asks := func(requestID string) func(*fakeBackend, types.SendMessageRequest) {
		return func(b *fakeBackend, req types.SendMessageRequest) {
			b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseRunning})
			b.push(types.EventPermissionRequest, types.PermissionRequest{RequestID: requestID, ToolName: "bash", Title: "Run ls"})
		}
	}

	b.onSend = asks("perm-1")
	_, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "/tool bash ls"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tb.PendingPermission() != nil }, 2*time.Second, 10*time.Millisecond)

	require.True(t, tb.Stop(context.Background()))
	b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseStopped})
	require.Eventually(t, func() bool {
		snap := tb.Snapshot()
		return !snap.IsBusy && snap.SessionStatus == types.StatusIdle
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, tb.PendingPermission())

	b.mu.Lock()
	b.onSend = asks("perm-2")
	b.mu.Unlock()
	_, err = tb.Submit(context.Background(), types.SendMessageRequest{Text: "/tool bash pwd"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p := tb.PendingPermission()
		return p != nil && p.RequestID == "perm-2"
	}, 2*time.Second, 10*time.Millisecond)
}

// settle waits for the router to take every pushed event.
func (b *fakeBackend) settle() {
	for len(b.events) > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
}

var errWorkerBusy = &transport.StatusError{StatusCode: 409, Code: types.CodeBusy, Message: "a turn is already running"}

func TestTab_BusyWorkerKeepsCronTurnAndQueuesMessage(t *testing.T) {
	b := newFakeBackend()
	tb := openTab(t, b, nil)
	b.onSend = func(b *fakeBackend, req types.SendMessageRequest) {
		// A cron run grabbed the worker just before our send.
		b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseRunning})
		b.settle()
	}
	b.sendErr = errWorkerBusy

	res, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Len(t, tb.Queue(), 1)
	snap := tb.Snapshot()
	assert.True(t, snap.IsBusy)
	assert.Equal(t, types.StatusRunning, snap.SessionStatus)
	assert.Empty(t, snap.Messages, "no synthetic error")

	b.mu.Lock()
	b.sendErr = nil
	b.onSend = respond("sess_1", "hi")
	b.mu.Unlock()
	b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseComplete})

	waitIdle(t, tb, 2)
	assert.Equal(t, []string{"hello", "hello"}, b.sentTexts())
	assert.Empty(t, tb.Queue())
}

func TestTab_BusyWorkerRetriesWhenIdle(t *testing.T) {
	old := busyRetryDelay
	busyRetryDelay = 20 * time.Millisecond
	t.Cleanup(func() { busyRetryDelay = old })

	b := newFakeBackend()
	tb := openTab(t, b, nil)
	b.onSend = func(b *fakeBackend, req types.SendMessageRequest) {
		b.mu.Lock()
		b.sendErr = nil
		b.onSend = respond("sess_1", "hi")
		b.mu.Unlock()
	}
	b.sendErr = errWorkerBusy

	res, err := tb.Submit(context.Background(), types.SendMessageRequest{Text: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Queued)

	waitIdle(t, tb, 2)
	assert.Equal(t, []string{"hello", "hello"}, b.sentTexts())
}

func TestTab_CloseWhileTurnsEnd(t *testing.T) {
	for i := 0; i < 20; i++ {
		b := newFakeBackend()
		tb, err := Open(context.Background(), Options{TabID: "tab-1", Backend: b})
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 10; j++ {
				b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseRunning})
				b.push(types.EventStatus, types.StatusPayload{Phase: types.PhaseComplete})
			}
		}()
		time.Sleep(time.Millisecond)
		require.NoError(t, tb.Close())
		<-done

		_, err = tb.Submit(context.Background(), types.SendMessageRequest{Text: "late"})
		assert.ErrorIs(t, err, ErrClosed)
	}
}
