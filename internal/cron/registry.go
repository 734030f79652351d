// Package cron binds scheduled prompts to sessions and moves their
// ownership between tabs.
//
// A CronTask has exactly one owning tab at a time, recorded in a single
// tabId field. Ownership moves by rewriting that field; the scheduler
// driving the task is never restarted.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/walkley/myagents/pkg/types"
)

var (
	ErrTaskNotFound      = errors.New("cron task not found")
	ErrSessionBound      = errors.New("cron task already bound to a real session")
	ErrOwnershipConflict = errors.New("cron task ownership changed concurrently")
	ErrNoTask            = errors.New("no cron task bound to this tab")
	ErrInvalidTransition = errors.New("invalid cron task status")
)

// Registry is the shared store of cron tasks.
type Registry interface {
	CreateCronTask(ctx context.Context, task types.CronTask) (types.CronTask, error)
	GetCronTask(ctx context.Context, taskID string) (types.CronTask, error)
	// GetSessionCronTask returns the live task bound to sessionID, or nil.
	// A pending id also matches the task created under it.
	GetSessionCronTask(ctx context.Context, sessionID types.SessionID) (*types.CronTask, error)
	ListCronTasks(ctx context.Context) ([]types.CronTask, error)
	UpdateCronTaskTab(ctx context.Context, taskID, tabID string) (types.CronTask, error)
	// UpdateCronTaskSessionID rebinds a task from its pending id to a real
	// one. Repeating the call with the same id is a no-op.
	UpdateCronTaskSessionID(ctx context.Context, taskID string, sessionID types.SessionID) (types.CronTask, error)
	SetCronTaskStatus(ctx context.Context, taskID string, status types.CronTaskStatus) (types.CronTask, error)
	// Watch streams tasks as they change until ctx is done.
	Watch(ctx context.Context) (<-chan types.CronTask, error)
}

func newTask(in types.CronTask, now time.Time) (types.CronTask, error) {
	if err := ValidateConfig(in.Config); err != nil {
		return types.CronTask{}, err
	}
	t := in
	if t.ID == "" {
		t.ID = "cron_" + ulid.Make().String()
	}
	if t.Status == "" {
		t.Status = types.CronRunning
	}
	if t.PendingToken == "" {
		t.PendingToken = t.SessionID.PendingToken()
	}
	t.Revision = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	return t, nil
}

type mutation func(t *types.CronTask) (changed bool, err error)

func setTab(tabID string) mutation {
	return func(t *types.CronTask) (bool, error) {
		if t.TabID == tabID {
			return false, nil
		}
		t.TabID = tabID
		return true, nil
	}
}

func setSessionID(id types.SessionID) mutation {
	return func(t *types.CronTask) (bool, error) {
		if t.SessionID == id {
			return false, nil
		}
		if !id.IsReal() {
			return false, fmt.Errorf("cannot bind cron task to non-real session id %q", id)
		}
		if t.SessionID.IsReal() {
			return false, fmt.Errorf("%w: %s", ErrSessionBound, t.SessionID)
		}
		if t.PendingToken == "" {
			t.PendingToken = t.SessionID.PendingToken()
		}
		t.SessionID = id
		return true, nil
	}
}

func setStatus(status types.CronTaskStatus) mutation {
	return func(t *types.CronTask) (bool, error) {
		switch status {
		case types.CronIdle, types.CronRunning, types.CronPaused, types.CronStopped:
		default:
			return false, fmt.Errorf("%w: %q", ErrInvalidTransition, status)
		}
		if t.Status == types.CronStopped && status != types.CronStopped {
			return false, fmt.Errorf("%w: task is stopped", ErrInvalidTransition)
		}
		if t.Status == status {
			return false, nil
		}
		t.Status = status
		return true, nil
	}
}

// applyMutation runs m on the task with the given id and bumps its
// revision when it changed.
func applyMutation(tasks []types.CronTask, taskID string, m mutation, now time.Time) (types.CronTask, bool, error) {
	for i := range tasks {
		if tasks[i].ID != taskID {
			continue
		}
		changed, err := m(&tasks[i])
		if err != nil {
			return types.CronTask{}, false, err
		}
		if changed {
			tasks[i].Revision++
			tasks[i].UpdatedAt = now
		}
		return tasks[i], changed, nil
	}
	return types.CronTask{}, false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// findSessionTask picks the most recently updated non-stopped task bound to id.
func findSessionTask(tasks []types.CronTask, id types.SessionID) *types.CronTask {
	var best *types.CronTask
	for i := range tasks {
		t := tasks[i]
		if t.Status == types.CronStopped || !t.MatchesSession(id) {
			continue
		}
		if best == nil || t.UpdatedAt.After(best.UpdatedAt) {
			best = &t
		}
	}
	return best
}

func sortTasks(tasks []types.CronTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
