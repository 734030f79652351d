package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"

	"github.com/walkley/myagents/pkg/types"
)

var parser = robcron.NewParser(robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow | robcron.Descriptor)

// ParseSchedule accepts standard five-field cron expressions,
// descriptors such as "@hourly" or "@every 10m", and the shorthand
// "every 10m".
func ParseSchedule(expr string) (robcron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("schedule is required")
	}
	if rest, ok := strings.CutPrefix(expr, "every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("parse every: %w", err)
		}
		if d < time.Second {
			return nil, errors.New("every must be at least 1s")
		}
		return robcron.Every(d), nil
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expr: %w", err)
	}
	return s, nil
}

// ValidateConfig checks that a task can be scheduled.
func ValidateConfig(cfg types.CronTaskConfig) error {
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		return errors.New("prompt is required")
	}
	return nil
}

// NextRun returns the first activation after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	s, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}
