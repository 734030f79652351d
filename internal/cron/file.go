package cron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/internal/storage"
	"github.com/walkley/myagents/pkg/types"
)

const fileVersion = 1

var tasksKey = []string{"cron", "tasks"}

type taskFile struct {
	Version int              `json:"version"`
	Tasks   []types.CronTask `json:"tasks"`
}

// FileRegistry persists tasks in one JSON document so several processes
// can share them. Writes are serialized with a file lock; changes made by
// other processes are picked up by an fsnotify watcher.
type FileRegistry struct {
	store  *storage.Storage
	notify *notifier
	log    zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]int64

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileRegistry creates a registry on top of store.
func NewFileRegistry(store *storage.Storage) *FileRegistry {
	return &FileRegistry{
		store:  store,
		notify: newNotifier(),
		log:    logging.For("cron"),
		now:    time.Now,
		seen:   make(map[string]int64),
	}
}

// Path returns the backing file.
func (r *FileRegistry) Path() string { return r.store.FilePath(tasksKey) }

func (r *FileRegistry) load(ctx context.Context) ([]types.CronTask, error) {
	var doc taskFile
	if err := r.store.Get(ctx, tasksKey, &doc); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Tasks, nil
}

func (r *FileRegistry) CreateCronTask(ctx context.Context, task types.CronTask) (types.CronTask, error) {
	t, err := newTask(task, r.now())
	if err != nil {
		return types.CronTask{}, err
	}
	var doc taskFile
	err = r.store.Update(ctx, tasksKey, &doc, func(bool) error {
		for _, existing := range doc.Tasks {
			if existing.ID == t.ID {
				return fmt.Errorf("cron task %s already exists", t.ID)
			}
		}
		doc.Version = fileVersion
		doc.Tasks = append(doc.Tasks, t)
		return nil
	})
	if err != nil {
		return types.CronTask{}, err
	}
	r.published(t)
	return t, nil
}

func (r *FileRegistry) GetCronTask(ctx context.Context, taskID string) (types.CronTask, error) {
	tasks, err := r.load(ctx)
	if err != nil {
		return types.CronTask{}, err
	}
	for _, t := range tasks {
		if t.ID == taskID {
			return t, nil
		}
	}
	return types.CronTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

func (r *FileRegistry) GetSessionCronTask(ctx context.Context, sessionID types.SessionID) (*types.CronTask, error) {
	tasks, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return findSessionTask(tasks, sessionID), nil
}

func (r *FileRegistry) ListCronTasks(ctx context.Context) ([]types.CronTask, error) {
	tasks, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

func (r *FileRegistry) UpdateCronTaskTab(ctx context.Context, taskID, tabID string) (types.CronTask, error) {
	return r.update(ctx, taskID, setTab(tabID))
}

func (r *FileRegistry) UpdateCronTaskSessionID(ctx context.Context, taskID string, sessionID types.SessionID) (types.CronTask, error) {
	return r.update(ctx, taskID, setSessionID(sessionID))
}

func (r *FileRegistry) SetCronTaskStatus(ctx context.Context, taskID string, status types.CronTaskStatus) (types.CronTask, error) {
	return r.update(ctx, taskID, setStatus(status))
}

var errUnchanged = errors.New("unchanged")

func (r *FileRegistry) update(ctx context.Context, taskID string, m mutation) (types.CronTask, error) {
	var (
		doc     taskFile
		out     types.CronTask
		changed bool
	)
	err := r.store.Update(ctx, tasksKey, &doc, func(bool) error {
		var err error
		out, changed, err = applyMutation(doc.Tasks, taskID, m, r.now())
		if err != nil {
			return err
		}
		if !changed {
			return errUnchanged
		}
		doc.Version = fileVersion
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return out, nil
	}
	if err != nil {
		return types.CronTask{}, err
	}
	r.published(out)
	return out, nil
}

// published records the revision so the file watcher does not announce
// the same change twice.
func (r *FileRegistry) published(t types.CronTask) {
	r.mu.Lock()
	if r.seen[t.ID] >= t.Revision {
		r.mu.Unlock()
		return
	}
	r.seen[t.ID] = t.Revision
	r.mu.Unlock()
	r.notify.publish(t)
}

func (r *FileRegistry) Watch(ctx context.Context) (<-chan types.CronTask, error) {
	return r.notify.watch(ctx)
}

// StartWatching follows changes written by other processes. It is a
// no-op for registries not backed by the OS filesystem.
func (r *FileRegistry) StartWatching(ctx context.Context) error {
	if !r.store.OSBacked() {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.Path())
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.Close()
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	// Prime revisions so existing tasks are not reported as changes.
	if tasks, err := r.load(ctx); err == nil {
		r.mu.Lock()
		for _, t := range tasks {
			if t.Revision > r.seen[t.ID] {
				r.seen[t.ID] = t.Revision
			}
		}
		r.mu.Unlock()
	}

	r.watcher = w
	r.done = make(chan struct{})
	go r.run(ctx)
	return nil
}

func (r *FileRegistry) run(ctx context.Context) {
	defer close(r.done)
	target := r.Path()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.rescan(ctx)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error().Err(err).Msg("cron registry watcher error")
		}
	}
}

func (r *FileRegistry) rescan(ctx context.Context) {
	tasks, err := r.load(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to reload cron registry")
		return
	}
	for _, t := range tasks {
		r.published(t)
	}
}

// Close stops the watcher and all Watch channels.
func (r *FileRegistry) Close() error {
	if r.watcher != nil {
		r.watcher.Close()
		<-r.done
	}
	return r.notify.close()
}
