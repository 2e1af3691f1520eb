package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/pulse/internal/engine"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/pkg/schema"
)

// Schedule run statuses recorded on store.Schedule.LastRunStatus.
const (
	RunStatusStarted = "started"
	RunStatusError   = "error"
)

// scheduleClaimTTL is how long a fire claim keeps other instances off a slot.
const scheduleClaimTTL = 10 * time.Minute

// SyncSchedules mirrors schedule-triggered workflows into store schedules,
// one per workflow keyed by the workflow ID. A schedule keeps its next run
// unless its cron expression or timezone changed. Schedules whose workflow is
// gone or no longer schedule-triggered are deleted.
func (s *Scheduler) SyncSchedules(ctx context.Context) error {
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{TriggerType: schema.TriggerSchedule})
	if err != nil {
		return fmt.Errorf("list schedule workflows: %w", err)
	}
	existing, err := s.store.ListSchedules(ctx, store.ScheduleFilter{})
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	byID := make(map[string]*store.Schedule, len(existing))
	for _, sc := range existing {
		byID[sc.ID] = sc
	}

	now := s.now().UTC()
	keep := make(map[string]bool, len(workflows))
	for _, wf := range workflows {
		tc, err := wf.Definition.DecodeTriggerConfig()
		if err != nil || tc.Cron == "" {
			s.logger.Warn("skipping schedule workflow without a usable cron",
				slog.String("workflow_id", wf.ID))
			continue
		}

		sched := &store.Schedule{
			ID:             wf.ID,
			WorkflowID:     wf.ID,
			CronExpression: tc.Cron,
			Timezone:       tc.Timezone,
			Enabled:        wf.Enabled,
		}
		if prev, ok := byID[wf.ID]; ok && prev.CronExpression == tc.Cron && prev.Timezone == tc.Timezone && prev.NextRunAt != nil {
			sched.NextRunAt = prev.NextRunAt
		} else {
			next, err := s.CalculateNextRun(tc.Cron, tc.Timezone, now)
			if err != nil {
				s.logger.Warn("skipping schedule workflow with an invalid cron",
					slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
				continue
			}
			sched.NextRunAt = &next
		}

		if err := s.store.UpsertSchedule(ctx, sched); err != nil {
			return fmt.Errorf("upsert schedule %q: %w", wf.ID, err)
		}
		keep[wf.ID] = true
	}

	for id := range byID {
		if keep[id] {
			continue
		}
		if err := s.store.DeleteSchedule(ctx, id); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return fmt.Errorf("delete schedule %q: %w", id, err)
		}
	}
	return nil
}

// RunDueSchedules starts an execution for every enabled schedule whose next
// run is at or before now. A schedule that missed several slots fires once;
// its next run is computed from now.
func (s *Scheduler) RunDueSchedules(ctx context.Context, now time.Time) error {
	enabled := true
	scheds, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	for _, sc := range scheds {
		if sc.NextRunAt != nil && sc.NextRunAt.After(now) {
			continue
		}
		if err := s.fire(ctx, sc, now); err != nil {
			s.logger.Error("failed to run schedule",
				slog.String("schedule_id", sc.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sc *store.Schedule, now time.Time) error {
	slot := now
	if sc.NextRunAt != nil {
		slot = *sc.NextRunAt
	}

	// One claim per slot keeps concurrent schedulers from double firing.
	claimKey := fmt.Sprintf("schedule:%s:%d", sc.ID, slot.Unix())
	if _, err := s.leases.Acquire(ctx, claimKey, s.owner, scheduleClaimTTL); err != nil {
		if engine.IsContention(err) {
			return nil
		}
		return err
	}

	next, err := s.CalculateNextRun(sc.CronExpression, sc.Timezone, now)
	if err != nil {
		disabled := false
		if uerr := s.store.UpdateSchedule(ctx, sc.ID, store.ScheduleUpdate{
			Enabled:       &disabled,
			LastRunAt:     &now,
			LastRunStatus: RunStatusError,
		}); uerr != nil {
			s.logger.Error("failed to disable schedule",
				slog.String("schedule_id", sc.ID),
				slog.String("cron", sc.CronExpression),
				slog.String("error", uerr.Error()))
		}
		return err
	}

	status := RunStatusStarted
	exec, err := s.runner.Start(ctx, engine.StartRequest{
		WorkflowID: sc.WorkflowID,
		TriggerData: map[string]any{
			"schedule_id":  sc.ID,
			"scheduled_at": slot.UTC().Format(time.RFC3339),
			"fired_at":     now.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		status = RunStatusError
		s.logger.Error("scheduled workflow failed to start",
			slog.String("schedule_id", sc.ID),
			slog.String("workflow_id", sc.WorkflowID),
			slog.String("error", err.Error()))
	} else {
		s.logger.Info("scheduled workflow started",
			slog.String("schedule_id", sc.ID),
			slog.String("execution_id", exec.ID))
	}

	return s.store.UpdateSchedule(ctx, sc.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// CalculateNextRun returns the first activation of cronExpr strictly after
// from, evaluated in timezone (UTC when empty), as UTC.
func (s *Scheduler) CalculateNextRun(cronExpr, timezone string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	loc := time.UTC
	if timezone != "" {
		if loc, err = time.LoadLocation(timezone); err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
	}
	return schedule.Next(from.In(loc)).UTC(), nil
}
