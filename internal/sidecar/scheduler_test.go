package sidecar

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walkley/myagents/internal/cron"
	"github.com/walkley/myagents/pkg/types"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []types.CronTask
	err  error
}

func (r *recordingRunner) RunCron(ctx context.Context, task types.CronTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, task)
	return r.err
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type notifications struct {
	mu    sync.Mutex
	tasks []types.CronTask
}

func (n *notifications) record(t types.CronTask) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, t)
}

func (n *notifications) statuses() []types.CronTaskStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.CronTaskStatus
	for _, t := range n.tasks {
		out = append(out, t.Status)
	}
	return out
}

func startScheduler(t *testing.T, reg cron.Registry, runner Runner, notify func(types.CronTask)) *Scheduler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(reg, runner, notify)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})
	return s
}

func TestScheduler_FollowsRegistry(t *testing.T) {
	ctx := context.Background()
	reg := cron.NewMemoryRegistry()
	defer reg.Close()

	existing, err := reg.CreateCronTask(ctx, types.CronTask{SessionID: "sess_1", TabID: "tab-1",
		Config: types.CronTaskConfig{Schedule: "@every 1h", Prompt: "old"}})
	require.NoError(t, err)

	notes := &notifications{}
	s := startScheduler(t, reg, &recordingRunner{}, notes.record)
	assert.True(t, s.Scheduled(existing.ID))

	created, err := reg.CreateCronTask(ctx, types.CronTask{SessionID: "sess_2", TabID: "tab-2",
		Config: types.CronTaskConfig{Schedule: "@every 1h", Prompt: "new"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Scheduled(created.ID) }, 2*time.Second, 10*time.Millisecond)

	_, err = reg.SetCronTaskStatus(ctx, created.ID, types.CronPaused)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !s.Scheduled(created.ID) }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(notes.statuses()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []types.CronTaskStatus{types.CronRunning, types.CronRunning, types.CronPaused}, notes.statuses())
}

func TestScheduler_RunNow(t *testing.T) {
	ctx := context.Background()
	reg := cron.NewMemoryRegistry()
	defer reg.Close()
	runner := &recordingRunner{}
	s := startScheduler(t, reg, runner, nil)

	task, err := reg.CreateCronTask(ctx, types.CronTask{SessionID: "sess_1", TabID: "tab-1",
		Config: types.CronTaskConfig{Schedule: "@every 1h", Prompt: "digest"}})
	require.NoError(t, err)

	require.NoError(t, s.RunNow(ctx, task.ID))
	require.Equal(t, 1, runner.count())
	assert.Equal(t, "digest", runner.runs[0].Config.Prompt)

	runner.err = ErrBusy
	assert.ErrorIs(t, s.RunNow(ctx, task.ID), ErrBusy)

	_, err = reg.SetCronTaskStatus(ctx, task.ID, types.CronStopped)
	require.NoError(t, err)
	assert.Error(t, s.RunNow(ctx, task.ID))
	assert.Error(t, s.RunNow(ctx, "cron_missing"))
}

func TestScheduler_Ticks(t *testing.T) {
	reg := cron.NewMemoryRegistry()
	defer reg.Close()
	runner := &recordingRunner{}
	startScheduler(t, reg, runner, nil)

	_, err := reg.CreateCronTask(context.Background(), types.CronTask{SessionID: "sess_1", TabID: "tab-1",
		Config: types.CronTaskConfig{Schedule: "every 1s", Prompt: "tick"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runner.count() >= 1 }, 5*time.Second, 50*time.Millisecond)
}
