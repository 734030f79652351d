package cron

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/event"
	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/pkg/types"
)

// SessionStore is the part of the tab's session state the coordinator drives.
type SessionStore interface {
	SessionID() types.SessionID
	RestoreRunning(id types.SessionID)
	ResetSession(ctx context.Context) bool
}

type takeover struct {
	taskID  string
	from    string
	session types.SessionID
}

// Coordinator keeps one tab's view of its cron task in step with the
// tab's session id. It syncs the pending to real id upgrade to the
// registry, clears the tab's cron display when the tab moves to another
// session, and takes ownership of a running task when the tab opens the
// task's session.
type Coordinator struct {
	ctx      context.Context
	tabID    string
	registry Registry
	store    SessionStore
	bus      *event.Bus
	log      zerolog.Logger

	mu         sync.Mutex
	task       *types.CronTask
	lastSynced types.SessionID
	// takeover remembers the last task taken from another tab so a
	// reverted switch can hand it back.
	takeover *takeover

	unsubscribe func()
}

// NewCoordinator subscribes to the tab's session id changes. ctx bounds
// registry calls made from notifications.
func NewCoordinator(ctx context.Context, tabID string, registry Registry, store SessionStore, bus *event.Bus) *Coordinator {
	c := &Coordinator{
		ctx:      ctx,
		tabID:    tabID,
		registry: registry,
		store:    store,
		bus:      bus,
		log:      logging.ForTab("cron", tabID),
	}
	if bus != nil {
		c.unsubscribe = bus.Subscribe(event.SessionIDChanged, func(e event.Event) {
			data, ok := e.Data.(event.SessionIDChangedData)
			if !ok {
				return
			}
			handle := c.OnSessionChanged
			if data.Reverted {
				handle = c.OnSessionReverted
			}
			if err := handle(c.ctx, data.Old, data.New); err != nil {
				c.log.Error().Err(err).
					Str("old", data.Old.String()).
					Str("new", data.New.String()).
					Msg("cron session sync failed")
			}
		})
	}
	return c
}

// Close stops listening for session changes.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Task returns the task shown in this tab, if any.
func (c *Coordinator) Task() *types.CronTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task == nil {
		return nil
	}
	t := *c.task
	return &t
}

// setTaskLocked replaces the display state and reports whether it changed.
func (c *Coordinator) setTaskLocked(t *types.CronTask) bool {
	if c.task == nil && t == nil {
		return false
	}
	if c.task != nil && t != nil && *c.task == *t {
		return false
	}
	if t == nil {
		c.task = nil
	} else {
		cp := *t
		c.task = &cp
	}
	return true
}

func (c *Coordinator) publish(t *types.CronTask) {
	if c.bus == nil {
		return
	}
	c.bus.PublishSync(event.Event{Type: event.CronTaskChanged, TabID: c.tabID, Data: event.CronTaskChangedData{Task: t}})
}

// CreateTask schedules cfg against the tab's current session and makes
// this tab its owner.
func (c *Coordinator) CreateTask(ctx context.Context, cfg types.CronTaskConfig) (types.CronTask, error) {
	sid := c.store.SessionID()
	if sid.IsNone() {
		return types.CronTask{}, errors.New("tab has no session")
	}
	task, err := c.registry.CreateCronTask(ctx, types.CronTask{
		SessionID: sid,
		TabID:     c.tabID,
		Config:    cfg,
		Status:    types.CronRunning,
	})
	if err != nil {
		return types.CronTask{}, err
	}

	c.mu.Lock()
	changed := c.setTaskLocked(&task)
	c.lastSynced = ""
	c.mu.Unlock()
	if changed {
		c.publish(&task)
	}
	c.log.Info().Str("taskId", task.ID).Str("sessionId", sid.String()).Msg("cron task created")
	return task, nil
}

// StopTask stops the tab's task. The tab's stream is left alone.
func (c *Coordinator) StopTask(ctx context.Context) (types.CronTask, error) {
	current := c.Task()
	if current == nil {
		return types.CronTask{}, ErrNoTask
	}
	task, err := c.registry.SetCronTaskStatus(ctx, current.ID, types.CronStopped)
	if err != nil {
		return types.CronTask{}, err
	}
	c.apply(task)
	return task, nil
}

// OnSessionChanged reacts to the tab's session id moving from old to new.
func (c *Coordinator) OnSessionChanged(ctx context.Context, old, new types.SessionID) error {
	var (
		display   *types.CronTask
		notify    bool
		restore   bool
		conflict  bool
		resultErr error
	)

	c.mu.Lock()
	if old.IsPending() && new.IsReal() {
		notify, resultErr = c.syncUpgradeLocked(ctx, old, new)
		display = c.task
	}
	if c.task == nil || !c.task.MatchesSession(new) {
		if c.setTaskLocked(nil) {
			notify = true
		}
		if !new.IsNone() {
			var changed bool
			changed, restore, conflict, resultErr = c.discoverLocked(ctx, new)
			notify = notify || changed
		}
		display = c.task
	}
	if display != nil {
		cp := *display
		display = &cp
	}
	c.mu.Unlock()

	if notify {
		c.publish(display)
	}
	if conflict {
		c.log.Warn().Str("sessionId", new.String()).Msg("lost cron ownership race; resetting session")
		c.store.ResetSession(ctx)
		return ErrOwnershipConflict
	}
	if restore {
		c.store.RestoreRunning(new)
	}
	return resultErr
}

// OnSessionReverted handles a switch from old to new being undone. A
// task taken over for old goes back to the tab that had it.
func (c *Coordinator) OnSessionReverted(ctx context.Context, old, new types.SessionID) error {
	c.mu.Lock()
	back := c.takeover
	if back != nil && back.session == old {
		c.takeover = nil
	} else {
		back = nil
	}
	c.mu.Unlock()

	var handErr error
	if back != nil {
		if _, err := c.registry.UpdateCronTaskTab(ctx, back.taskID, back.from); err != nil {
			handErr = err
		} else {
			c.log.Info().Str("taskId", back.taskID).Str("to", back.from).Msg("returned cron task after failed load")
		}
	}
	return errors.Join(handErr, c.OnSessionChanged(ctx, old, new))
}

// syncUpgradeLocked writes the real id to the task created under the
// pending one. The lastSynced marker keeps a second observation of the
// same upgrade from issuing another write.
func (c *Coordinator) syncUpgradeLocked(ctx context.Context, old, new types.SessionID) (bool, error) {
	task := c.task
	if task == nil {
		found, err := c.registry.GetSessionCronTask(ctx, old)
		if err != nil {
			return false, err
		}
		if found == nil || found.TabID != c.tabID {
			return false, nil
		}
		task = found
	}
	if !task.MatchesSession(old) || task.SessionID == new {
		return false, nil
	}
	if c.lastSynced == new {
		return false, nil
	}

	c.lastSynced = new
	updated, err := c.registry.UpdateCronTaskSessionID(ctx, task.ID, new)
	if err != nil {
		c.lastSynced = ""
		return false, err
	}
	c.log.Info().Str("taskId", updated.ID).Str("sessionId", new.String()).Msg("cron task bound to real session")
	return c.setTaskLocked(&updated), nil
}

// discoverLocked looks up a task for the tab's new session and takes
// ownership of it when it is running elsewhere.
func (c *Coordinator) discoverLocked(ctx context.Context, sid types.SessionID) (changed, restore, conflict bool, err error) {
	found, err := c.registry.GetSessionCronTask(ctx, sid)
	if err != nil || found == nil {
		return false, false, false, err
	}
	if found.Status != types.CronRunning {
		return c.setTaskLocked(found), false, false, nil
	}

	if found.TabID != c.tabID {
		from := found.TabID
		if _, err := c.registry.UpdateCronTaskTab(ctx, found.ID, c.tabID); err != nil {
			return false, false, false, err
		}
		check, err := c.registry.GetCronTask(ctx, found.ID)
		if err != nil {
			return false, false, false, err
		}
		if check.TabID != c.tabID {
			return false, false, true, nil
		}
		found = &check
		c.takeover = &takeover{taskID: found.ID, from: from, session: sid}
		c.log.Info().Str("taskId", found.ID).Str("from", from).Msg("took over cron task")
	}
	return c.setTaskLocked(found), true, false, nil
}

// ApplyCronStatus records a status change reported on the stream.
func (c *Coordinator) ApplyCronStatus(p types.CronStatusPayload) {
	c.mu.Lock()
	if c.task == nil || c.task.ID != p.TaskID || c.task.Status == p.Status {
		c.mu.Unlock()
		return
	}
	t := *c.task
	t.Status = p.Status
	c.task = &t
	c.mu.Unlock()
	c.publish(&t)
}

// HandleRegistryUpdate applies a change observed in the registry. When
// another tab has taken the task, the display state is cleared.
func (c *Coordinator) HandleRegistryUpdate(task types.CronTask) {
	c.apply(task)
}

func (c *Coordinator) apply(task types.CronTask) {
	c.mu.Lock()
	if c.task == nil || c.task.ID != task.ID || task.Revision < c.task.Revision {
		c.mu.Unlock()
		return
	}
	var next *types.CronTask
	if task.TabID == "" || task.TabID == c.tabID {
		next = &task
	}
	changed := c.setTaskLocked(next)
	var display *types.CronTask
	if c.task != nil {
		cp := *c.task
		display = &cp
	}
	c.mu.Unlock()
	if changed {
		if display == nil {
			c.log.Info().Str("taskId", task.ID).Str("owner", task.TabID).Msg("cron task moved to another tab")
		}
		c.publish(display)
	}
}

// Watch applies registry changes until ctx is done.
func (c *Coordinator) Watch(ctx context.Context) error {
	updates, err := c.registry.Watch(ctx)
	if err != nil {
		return err
	}
	for task := range updates {
		c.apply(task)
	}
	return nil
}
