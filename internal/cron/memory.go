package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/walkley/myagents/pkg/types"
)

// MemoryRegistry keeps tasks in process memory.
type MemoryRegistry struct {
	mu     sync.Mutex
	tasks  []types.CronTask
	notify *notifier
	now    func() time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{notify: newNotifier(), now: time.Now}
}

func (r *MemoryRegistry) CreateCronTask(ctx context.Context, task types.CronTask) (types.CronTask, error) {
	t, err := newTask(task, r.now())
	if err != nil {
		return types.CronTask{}, err
	}
	r.mu.Lock()
	for _, existing := range r.tasks {
		if existing.ID == t.ID {
			r.mu.Unlock()
			return types.CronTask{}, fmt.Errorf("cron task %s already exists", t.ID)
		}
	}
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()

	r.notify.publish(t)
	return t, nil
}

func (r *MemoryRegistry) GetCronTask(ctx context.Context, taskID string) (types.CronTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ID == taskID {
			return t, nil
		}
	}
	return types.CronTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

func (r *MemoryRegistry) GetSessionCronTask(ctx context.Context, sessionID types.SessionID) (*types.CronTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return findSessionTask(r.tasks, sessionID), nil
}

func (r *MemoryRegistry) ListCronTasks(ctx context.Context) ([]types.CronTask, error) {
	r.mu.Lock()
	out := append([]types.CronTask(nil), r.tasks...)
	r.mu.Unlock()
	sortTasks(out)
	return out, nil
}

func (r *MemoryRegistry) UpdateCronTaskTab(ctx context.Context, taskID, tabID string) (types.CronTask, error) {
	return r.update(taskID, setTab(tabID))
}

func (r *MemoryRegistry) UpdateCronTaskSessionID(ctx context.Context, taskID string, sessionID types.SessionID) (types.CronTask, error) {
	return r.update(taskID, setSessionID(sessionID))
}

func (r *MemoryRegistry) SetCronTaskStatus(ctx context.Context, taskID string, status types.CronTaskStatus) (types.CronTask, error) {
	return r.update(taskID, setStatus(status))
}

func (r *MemoryRegistry) update(taskID string, m mutation) (types.CronTask, error) {
	r.mu.Lock()
	t, changed, err := applyMutation(r.tasks, taskID, m, r.now())
	r.mu.Unlock()
	if err != nil {
		return types.CronTask{}, err
	}
	if changed {
		r.notify.publish(t)
	}
	return t, nil
}

func (r *MemoryRegistry) Watch(ctx context.Context) (<-chan types.CronTask, error) {
	return r.notify.watch(ctx)
}

// Close stops all watchers.
func (r *MemoryRegistry) Close() error {
	return r.notify.close()
}
