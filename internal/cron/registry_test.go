package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walkley/myagents/internal/storage"
	"github.com/walkley/myagents/pkg/types"
)

var testConfig = types.CronTaskConfig{Name: "digest", Schedule: "@every 1m", Prompt: "summarize"}

func registries(t *testing.T) map[string]Registry {
	t.Helper()
	mem := NewMemoryRegistry()
	file := NewFileRegistry(storage.NewWithFs(afero.NewMemMapFs(), "/data"))
	t.Cleanup(func() {
		mem.Close()
		file.Close()
	})
	return map[string]Registry{"memory": mem, "file": file}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pending := types.NewPendingID()

			task, err := reg.CreateCronTask(ctx, types.CronTask{SessionID: pending, TabID: "tab-1", Config: testConfig})
			require.NoError(t, err)
			assert.Contains(t, task.ID, "cron_")
			assert.Equal(t, types.CronRunning, task.Status)
			assert.Equal(t, pending.PendingToken(), task.PendingToken)
			assert.Equal(t, int64(1), task.Revision)

			got, err := reg.GetCronTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, task.ID, got.ID)
			assert.Equal(t, "tab-1", got.TabID)

			_, err = reg.GetCronTask(ctx, "cron_missing")
			assert.ErrorIs(t, err, ErrTaskNotFound)
		})
	}
}

func TestRegistry_CreateValidatesConfig(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			_, err := reg.CreateCronTask(context.Background(), types.CronTask{
				SessionID: "sess_1",
				Config:    types.CronTaskConfig{Schedule: "not a schedule", Prompt: "x"},
			})
			assert.Error(t, err)

			_, err = reg.CreateCronTask(context.Background(), types.CronTask{
				SessionID: "sess_1",
				Config:    types.CronTaskConfig{Schedule: "@hourly"},
			})
			assert.Error(t, err)
		})
	}
}

func TestRegistry_SessionLookupFollowsUpgrade(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pending := types.NewPendingID()
			task, err := reg.CreateCronTask(ctx, types.CronTask{SessionID: pending, TabID: "tab-1", Config: testConfig})
			require.NoError(t, err)

			found, err := reg.GetSessionCronTask(ctx, pending)
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, task.ID, found.ID)

			updated, err := reg.UpdateCronTaskSessionID(ctx, task.ID, "sess_real")
			require.NoError(t, err)
			assert.Equal(t, types.SessionID("sess_real"), updated.SessionID)
			assert.Equal(t, int64(2), updated.Revision)

			// Both the real id and the old pending id resolve to the task.
			for _, id := range []types.SessionID{"sess_real", pending} {
				found, err = reg.GetSessionCronTask(ctx, id)
				require.NoError(t, err)
				require.NotNil(t, found, id)
				assert.Equal(t, task.ID, found.ID)
			}

			found, err = reg.GetSessionCronTask(ctx, "sess_other")
			require.NoError(t, err)
			assert.Nil(t, found)
		})
	}
}

func TestRegistry_UpdateSessionIDIdempotent(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task, err := reg.CreateCronTask(ctx, types.CronTask{SessionID: types.NewPendingID(), Config: testConfig})
			require.NoError(t, err)

			first, err := reg.UpdateCronTaskSessionID(ctx, task.ID, "sess_a")
			require.NoError(t, err)
			again, err := reg.UpdateCronTaskSessionID(ctx, task.ID, "sess_a")
			require.NoError(t, err)
			assert.Equal(t, first.Revision, again.Revision)

			_, err = reg.UpdateCronTaskSessionID(ctx, task.ID, "sess_b")
			assert.ErrorIs(t, err, ErrSessionBound)

			_, err = reg.UpdateCronTaskSessionID(ctx, task.ID, types.NewPendingID())
			assert.Error(t, err)
		})
	}
}

func TestRegistry_StatusTransitions(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task, err := reg.CreateCronTask(ctx, types.CronTask{SessionID: "sess_1", Config: testConfig})
			require.NoError(t, err)

			paused, err := reg.SetCronTaskStatus(ctx, task.ID, types.CronPaused)
			require.NoError(t, err)
			assert.Equal(t, types.CronPaused, paused.Status)

			stopped, err := reg.SetCronTaskStatus(ctx, task.ID, types.CronStopped)
			require.NoError(t, err)
			assert.Equal(t, types.CronStopped, stopped.Status)

			_, err = reg.SetCronTaskStatus(ctx, task.ID, types.CronRunning)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			_, err = reg.SetCronTaskStatus(ctx, task.ID, "bogus")
			assert.ErrorIs(t, err, ErrInvalidTransition)

			// Stopped tasks are not offered to tabs opening the session.
			found, err := reg.GetSessionCronTask(ctx, "sess_1")
			require.NoError(t, err)
			assert.Nil(t, found)
		})
	}
}

func TestRegistry_UpdateTabBumpsRevision(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task, err := reg.CreateCronTask(ctx, types.CronTask{SessionID: "sess_1", TabID: "tab-1", Config: testConfig})
			require.NoError(t, err)

			moved, err := reg.UpdateCronTaskTab(ctx, task.ID, "tab-2")
			require.NoError(t, err)
			assert.Equal(t, "tab-2", moved.TabID)
			assert.Equal(t, task.Revision+1, moved.Revision)
			assert.Equal(t, types.CronRunning, moved.Status)

			same, err := reg.UpdateCronTaskTab(ctx, task.ID, "tab-2")
			require.NoError(t, err)
			assert.Equal(t, moved.Revision, same.Revision)

			_, err = reg.UpdateCronTaskTab(ctx, "cron_missing", "tab-2")
			assert.ErrorIs(t, err, ErrTaskNotFound)
		})
	}
}

func TestRegistry_ListSortedByCreation(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []string
			for i := 0; i < 3; i++ {
				task, err := reg.CreateCronTask(ctx, types.CronTask{SessionID: "sess_1", Config: testConfig})
				require.NoError(t, err)
				ids = append(ids, task.ID)
				time.Sleep(2 * time.Millisecond)
			}
			tasks, err := reg.ListCronTasks(ctx)
			require.NoError(t, err)
			require.Len(t, tasks, 3)
			for i, task := range tasks {
				assert.Equal(t, ids[i], task.ID)
			}
		})
	}
}

func TestRegistry_WatchDeliversChanges(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			updates, err := reg.Watch(ctx)
			require.NoError(t, err)

			task, err := reg.CreateCronTask(ctx, types.CronTask{SessionID: "sess_1", TabID: "tab-1", Config: testConfig})
			require.NoError(t, err)
			_, err = reg.UpdateCronTaskTab(ctx, task.ID, "tab-2")
			require.NoError(t, err)

			var got []types.CronTask
			timeout := time.After(2 * time.Second)
			for len(got) < 2 {
				select {
				case u := <-updates:
					got = append(got, u)
				case <-timeout:
					t.Fatalf("got %d updates, want 2", len(got))
				}
			}
			assert.Equal(t, "tab-1", got[0].TabID)
			assert.Equal(t, "tab-2", got[1].TabID)
			assert.Equal(t, int64(2), got[1].Revision)
		})
	}
}

func TestFileRegistry_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := NewFileRegistry(storage.New(dir))
	b := NewFileRegistry(storage.New(dir))
	defer a.Close()
	defer b.Close()

	task, err := a.CreateCronTask(ctx, types.CronTask{SessionID: "sess_1", TabID: "tab-1", Config: testConfig})
	require.NoError(t, err)

	got, err := b.GetCronTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "tab-1", got.TabID)
	assert.Equal(t, filepath.Join(dir, "cron", "tasks.json"), a.Path())

	_, err = b.UpdateCronTaskTab(ctx, task.ID, "tab-2")
	require.NoError(t, err)
	got, err = a.GetCronTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "tab-2", got.TabID)
}

func TestFileRegistry_WatcherSeesOtherProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()

	writer := NewFileRegistry(storage.New(dir))
	reader := NewFileRegistry(storage.New(dir))
	defer writer.Close()
	defer reader.Close()

	task, err := writer.CreateCronTask(ctx, types.CronTask{SessionID: "sess_1", TabID: "tab-1", Config: testConfig})
	require.NoError(t, err)

	require.NoError(t, reader.StartWatching(ctx))
	updates, err := reader.Watch(ctx)
	require.NoError(t, err)

	_, err = writer.UpdateCronTaskTab(ctx, task.ID, "tab-2")
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, task.ID, u.ID)
		assert.Equal(t, "tab-2", u.TabID)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}
