package sidecar

import (
	"context"
	"errors"
	"fmt"
	"sync"

	robcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/cron"
	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/pkg/types"
)

// Runner starts a cron turn.
type Runner interface {
	RunCron(ctx context.Context, task types.CronTask) error
}

// Scheduler fires running cron tasks from a registry. It follows the
// registry, so tasks created, stopped or handed over by any tab are picked
// up without a restart.
type Scheduler struct {
	registry cron.Registry
	runner   Runner
	notify   func(types.CronTask)
	log      zerolog.Logger

	c       *robcron.Cron
	ctx     context.Context
	mu      sync.Mutex
	entries map[string]robcron.EntryID
	done    chan struct{}
}

// NewScheduler creates a scheduler. notify, if set, is called whenever a
// task is scheduled or unscheduled.
func NewScheduler(registry cron.Registry, runner Runner, notify func(types.CronTask)) *Scheduler {
	return &Scheduler{
		registry: registry,
		runner:   runner,
		notify:   notify,
		log:      logging.For("scheduler"),
		c:        robcron.New(),
		entries:  make(map[string]robcron.EntryID),
		done:     make(chan struct{}),
	}
}

// Start schedules the running tasks and follows registry changes until
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	updates, err := s.registry.Watch(ctx)
	if err != nil {
		return err
	}
	tasks, err := s.registry.ListCronTasks(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	for _, t := range tasks {
		s.sync(t)
	}
	s.c.Start()

	go func() {
		defer close(s.done)
		for t := range updates {
			s.sync(t)
		}
		<-s.c.Stop().Done()
	}()
	return nil
}

// Wait blocks until the scheduler has stopped.
func (s *Scheduler) Wait() { <-s.done }

// Scheduled reports whether a task has a live schedule.
func (s *Scheduler) Scheduled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}

func (s *Scheduler) sync(task types.CronTask) {
	s.mu.Lock()
	id, scheduled := s.entries[task.ID]
	want := task.Status == types.CronRunning
	switch {
	case want && !scheduled:
		sched, err := cron.ParseSchedule(task.Config.Schedule)
		if err != nil {
			s.mu.Unlock()
			s.log.Warn().Err(err).Str("taskId", task.ID).Msg("skipping task with invalid schedule")
			return
		}
		taskID := task.ID
		s.entries[task.ID] = s.c.Schedule(sched, robcron.FuncJob(func() { s.fire(taskID) }))
		s.log.Info().Str("taskId", task.ID).Str("schedule", task.Config.Schedule).Msg("task scheduled")
	case !want && scheduled:
		s.c.Remove(id)
		delete(s.entries, task.ID)
		s.log.Info().Str("taskId", task.ID).Str("status", string(task.Status)).Msg("task unscheduled")
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(task)
	}
}

func (s *Scheduler) fire(taskID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := s.RunNow(ctx, taskID); err != nil {
		s.log.Warn().Err(err).Str("taskId", taskID).Msg("cron tick skipped")
	}
}

// RunNow runs a task immediately. Tasks that are not running are refused.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	task, err := s.registry.GetCronTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.CronRunning {
		return fmt.Errorf("task %s is %s", taskID, task.Status)
	}
	err = s.runner.RunCron(ctx, task)
	if errors.Is(err, ErrBusy) {
		return err
	}
	if err != nil {
		return fmt.Errorf("run task %s: %w", taskID, err)
	}
	s.log.Info().Str("taskId", taskID).Str("sessionId", task.SessionID.String()).Str("tabId", task.TabID).Msg("cron turn started")
	return nil
}
