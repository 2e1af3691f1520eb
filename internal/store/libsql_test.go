package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pulse/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// eachStore runs fn against both Store implementations.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var pe *schema.PulseError
	require.True(t, errors.As(err, &pe), "expected *schema.PulseError, got %T", err)
	assert.Equal(t, code, pe.Code)
}

func testWorkflow(id string) *Workflow {
	return &Workflow{
		ID:          id,
		Name:        "attendance outreach",
		TriggerType: schema.TriggerMetricThreshold,
		Enabled:     true,
		Definition: schema.WorkflowDefinition{
			ID:          id,
			TriggerType: schema.TriggerMetricThreshold,
			Nodes: []schema.NodeDefinition{
				{ID: "notify", Type: schema.NodeTypeAction, Config: json.RawMessage(`{"action":"noop"}`)},
			},
		},
	}
}

func testExecution(workflowID string) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:            uuid.New().String(),
		WorkflowID:    workflowID,
		Status:        schema.ExecutionPending,
		CurrentNodeID: "notify",
		Context:       map[string]any{"trigger": map[string]any{"student": "ava"}},
		TriggerData:   map[string]any{"student": "ava"},
		EntityID:      "student-1",
		RuleID:        "low-attendance",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// --- Workflows ---

func TestWorkflowCRUD(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := testWorkflow("wf-1")
		require.NoError(t, s.SaveWorkflow(ctx, wf))

		got, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "attendance outreach", got.Name)
		assert.Equal(t, 1, got.Version)
		assert.Equal(t, schema.TriggerMetricThreshold, got.TriggerType)
		require.Len(t, got.Definition.Nodes, 1)
		assert.JSONEq(t, `{"action":"noop"}`, string(got.Definition.Nodes[0].Config))

		wf.Version = 2
		wf.Name = "renamed"
		require.NoError(t, s.SaveWorkflow(ctx, wf))
		got, err = s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, "renamed", got.Name)

		require.NoError(t, s.DeleteWorkflow(ctx, "wf-1"))
		_, err = s.GetWorkflow(ctx, "wf-1")
		requireCode(t, err, schema.ErrCodeNotFound)
		requireCode(t, s.DeleteWorkflow(ctx, "wf-1"), schema.ErrCodeNotFound)
	})
}

func TestGetWorkflowVersion(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := testWorkflow("wf-v")
		require.NoError(t, s.SaveWorkflow(ctx, wf))

		wf.Version = 2
		wf.Definition.Nodes[0].Config = json.RawMessage(`{"action":"content.sms"}`)
		require.NoError(t, s.SaveWorkflow(ctx, wf))
		require.NoError(t, s.DeleteWorkflow(ctx, "wf-v"))

		v1, err := s.GetWorkflowVersion(ctx, "wf-v", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, v1.Version)
		assert.JSONEq(t, `{"action":"noop"}`, string(v1.Definition.Nodes[0].Config))

		v2, err := s.GetWorkflowVersion(ctx, "wf-v", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, v2.Version)
		assert.JSONEq(t, `{"action":"content.sms"}`, string(v2.Definition.Nodes[0].Config))

		_, err = s.GetWorkflowVersion(ctx, "wf-v", 3)
		requireCode(t, err, schema.ErrCodeNotFound)
	})
}

func TestListWorkflows(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := testWorkflow("a")
		b := testWorkflow("b")
		b.TriggerType = schema.TriggerSchedule
		c := testWorkflow("c")
		c.Enabled = false
		for _, wf := range []*Workflow{c, a, b} {
			require.NoError(t, s.SaveWorkflow(ctx, wf))
		}

		all, err := s.ListWorkflows(ctx, WorkflowFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a", all[0].ID)

		enabled := true
		got, err := s.ListWorkflows(ctx, WorkflowFilter{Enabled: &enabled, TriggerType: schema.TriggerSchedule})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "b", got[0].ID)
	})
}

// --- Executions ---

func TestExecutionRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := testExecution("wf-1")
		resumeAt := time.Date(2026, 3, 2, 9, 0, 0, 123456789, time.UTC)
		exec.ResumeAt = &resumeAt
		exec.ResumeData = &ResumeData{Token: "tok", NodeID: "wait", Event: "reply"}
		exec.NodeResults = map[string]*NodeResult{
			"notify": {NodeID: "notify", Status: schema.NodeResultCompleted, Output: map[string]any{"sent": true}, Attempt: 1},
		}
		require.NoError(t, s.CreateExecution(ctx, exec))
		assert.Equal(t, int64(1), exec.Version)

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, exec.WorkflowID, got.WorkflowID)
		assert.Equal(t, schema.ExecutionPending, got.Status)
		assert.Equal(t, "notify", got.CurrentNodeID)
		assert.Equal(t, map[string]any{"trigger": map[string]any{"student": "ava"}}, got.Context)
		assert.Equal(t, map[string]any{"student": "ava"}, got.TriggerData)
		require.NotNil(t, got.ResumeAt)
		assert.True(t, resumeAt.Equal(*got.ResumeAt))
		assert.Equal(t, exec.ResumeData, got.ResumeData)
		assert.Equal(t, "student-1", got.EntityID)
		assert.Equal(t, "low-attendance", got.RuleID)
		require.Contains(t, got.NodeResults, "notify")
		assert.Equal(t, map[string]any{"sent": true}, got.NodeResults["notify"].Output)
		assert.Nil(t, got.StartedAt)

		requireCode(t, s.CreateExecution(ctx, exec), schema.ErrCodeConflict)

		_, err = s.GetExecution(ctx, "missing")
		requireCode(t, err, schema.ErrCodeNotFound)
	})
}

func TestUpdateExecution_OptimisticVersion(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := testExecution("wf-1")
		require.NoError(t, s.CreateExecution(ctx, exec))

		stale, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)

		exec.Status = schema.ExecutionRunning
		exec.StepCount = 1
		exec.Context["notify"] = "sent"
		require.NoError(t, s.UpdateExecution(ctx, exec))
		assert.Equal(t, int64(2), exec.Version)

		stale.Status = schema.ExecutionCancelled
		requireCode(t, s.UpdateExecution(ctx, stale), schema.ErrCodeConflict)

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.ExecutionRunning, got.Status)
		assert.Equal(t, 1, got.StepCount)
		assert.Equal(t, "sent", got.Context["notify"])
		assert.Equal(t, int64(2), got.Version)

		ghost := testExecution("wf-1")
		requireCode(t, s.UpdateExecution(ctx, ghost), schema.ErrCodeNotFound)
	})
}

func TestListExecutions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)

		for i, st := range []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionCompleted, schema.ExecutionFailed} {
			e := testExecution("wf-1")
			e.Status = st
			e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			e.UpdatedAt = e.CreatedAt
			if i == 2 {
				e.WorkflowID = "wf-2"
				e.EntityID = "student-2"
			}
			require.NoError(t, s.CreateExecution(ctx, e))
		}

		all, err := s.ListExecutions(ctx, ExecutionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, schema.ExecutionFailed, all[0].Status, "newest first")

		got, err := s.ListExecutions(ctx, ExecutionFilter{Statuses: []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionCompleted}})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.ListExecutions(ctx, ExecutionFilter{EntityID: "student-2"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "wf-2", got[0].WorkflowID)

		got, err = s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-1", Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, schema.ExecutionPending, got[0].Status)
	})
}

func TestListDueExecutions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		past := now.Add(-time.Minute)
		future := now.Add(time.Hour)

		mk := func(id string, st schema.ExecutionStatus, resumeAt *time.Time) {
			e := testExecution("wf-1")
			e.ID = id
			e.Status = st
			e.ResumeAt = resumeAt
			require.NoError(t, s.CreateExecution(ctx, e))
		}
		mk("pending", schema.ExecutionPending, nil)
		mk("running", schema.ExecutionRunning, nil)
		mk("waiting-due", schema.ExecutionWaiting, &past)
		mk("waiting-later", schema.ExecutionWaiting, &future)
		mk("waiting-event", schema.ExecutionWaiting, nil)
		mk("done", schema.ExecutionCompleted, nil)

		due, err := s.ListDueExecutions(ctx, now, 0)
		require.NoError(t, err)
		var ids []string
		for _, e := range due {
			ids = append(ids, e.ID)
		}
		assert.ElementsMatch(t, []string{"pending", "running", "waiting-due"}, ids)

		limited, err := s.ListDueExecutions(ctx, now, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

// --- Events ---

func TestAppendAndGetEvents(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, et := range []string{schema.EventExecutionStarted, schema.EventNodeCompleted, schema.EventExecutionCompleted} {
			e := &Event{ExecutionID: "exec-1", NodeID: "n1", Type: et, Payload: json.RawMessage(`{"i":1}`)}
			require.NoError(t, s.AppendEvent(ctx, e))
			assert.Equal(t, int64(i+1), e.Sequence)
			assert.False(t, e.Timestamp.IsZero())
		}
		require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "exec-2", Type: schema.EventExecutionStarted}))

		events, err := s.GetEvents(ctx, "exec-1", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
		assert.JSONEq(t, `{"i":1}`, string(events[1].Payload))

		since, err := s.GetEvents(ctx, "exec-1", 2)
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.Equal(t, int64(3), since[0].Sequence)

		started, err := s.GetEventsByType(ctx, schema.EventExecutionStarted, EventFilter{})
		require.NoError(t, err)
		assert.Len(t, started, 2)

		scoped, err := s.GetEventsByType(ctx, schema.EventExecutionStarted, EventFilter{ExecutionID: "exec-2"})
		require.NoError(t, err)
		require.Len(t, scoped, 1)
		assert.Nil(t, scoped[0].Payload)
	})
}

// --- Rules and cooldown ---

func TestRuleCRUD(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := &RuleRecord{ID: "r1", EntityType: "student", Definition: json.RawMessage(`{"id":"r1"}`), Enabled: true}
		require.NoError(t, s.SaveRule(ctx, r))
		require.NoError(t, s.SaveRule(ctx, &RuleRecord{ID: "r2", EntityType: "class", Definition: json.RawMessage(`{}`)}))

		got, err := s.GetRule(ctx, "r1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"r1"}`, string(got.Definition))
		assert.True(t, got.Enabled)

		students, err := s.ListRules(ctx, RuleFilter{EntityType: "student"})
		require.NoError(t, err)
		require.Len(t, students, 1)

		enabled := true
		active, err := s.ListRules(ctx, RuleFilter{Enabled: &enabled})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "r1", active[0].ID)

		now := time.Now().UTC()
		ok, err := s.ClaimRuleFire(ctx, "r1", "student-1", now, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.DeleteRule(ctx, "r1"))
		last, err := s.GetLastFired(ctx, "r1", "student-1")
		require.NoError(t, err)
		assert.Nil(t, last, "deleting a rule clears its fire history")
		requireCode(t, s.DeleteRule(ctx, "r1"), schema.ErrCodeNotFound)
	})
}

func TestClaimRuleFire_Cooldown(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
		cooldown := time.Hour

		last, err := s.GetLastFired(ctx, "r1", "e1")
		require.NoError(t, err)
		assert.Nil(t, last)

		ok, err := s.ClaimRuleFire(ctx, "r1", "e1", t0, cooldown)
		require.NoError(t, err)
		assert.True(t, ok, "first fire is always clear")

		ok, err = s.ClaimRuleFire(ctx, "r1", "e1", t0.Add(30*time.Minute), cooldown)
		require.NoError(t, err)
		assert.False(t, ok, "inside the window")

		ok, err = s.ClaimRuleFire(ctx, "r1", "e2", t0.Add(30*time.Minute), cooldown)
		require.NoError(t, err)
		assert.True(t, ok, "cooldown is per entity")

		ok, err = s.ClaimRuleFire(ctx, "r1", "e1", t0.Add(cooldown), cooldown)
		require.NoError(t, err)
		assert.True(t, ok, "window boundary is clear")

		last, err = s.GetLastFired(ctx, "r1", "e1")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.True(t, t0.Add(cooldown).Equal(*last))
	})
}

func TestReleaseRuleFire(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
		t1 := t0.Add(3 * time.Hour)
		cooldown := 2 * time.Hour

		ok, err := s.ClaimRuleFire(ctx, "r1", "e1", t0, cooldown)
		require.NoError(t, err)
		require.True(t, ok)
		released, err := s.ReleaseRuleFire(ctx, "r1", "e1", t0, nil)
		require.NoError(t, err)
		assert.True(t, released)
		last, err := s.GetLastFired(ctx, "r1", "e1")
		require.NoError(t, err)
		assert.Nil(t, last, "a released first fire leaves no record")

		ok, err = s.ClaimRuleFire(ctx, "r1", "e1", t0.Add(time.Minute), cooldown)
		require.NoError(t, err)
		assert.True(t, ok, "the entity can fire again right away")

		prev := t0.Add(time.Minute)
		ok, err = s.ClaimRuleFire(ctx, "r1", "e1", t1, cooldown)
		require.NoError(t, err)
		require.True(t, ok)
		released, err = s.ReleaseRuleFire(ctx, "r1", "e1", t1, &prev)
		require.NoError(t, err)
		assert.True(t, released)
		last, err = s.GetLastFired(ctx, "r1", "e1")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.True(t, prev.Equal(*last))

		// A stale release does not touch a newer fire.
		released, err = s.ReleaseRuleFire(ctx, "r1", "e1", t1, nil)
		require.NoError(t, err)
		assert.False(t, released)
		last, err = s.GetLastFired(ctx, "r1", "e1")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.True(t, prev.Equal(*last))
	})
}

func TestClaimRuleFire_Concurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ClaimRuleFire(ctx, "r1", "e1", now, time.Hour)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

// --- Schedules ---

func TestScheduleLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		next := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
		sched := &Schedule{ID: "s1", WorkflowID: "weekly", CronExpression: "0 7 * * MON", Enabled: true, NextRunAt: &next}
		require.NoError(t, s.UpsertSchedule(ctx, sched))
		require.NoError(t, s.UpsertSchedule(ctx, &Schedule{ID: "s2", WorkflowID: "other", CronExpression: "@daily"}))

		ran := next
		following := next.Add(7 * 24 * time.Hour)
		require.NoError(t, s.UpdateSchedule(ctx, "s1", ScheduleUpdate{LastRunAt: &ran, NextRunAt: &following, LastRunStatus: "started"}))

		got, err := s.GetSchedule(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "0 7 * * MON", got.CronExpression)
		require.NotNil(t, got.LastRunAt)
		assert.True(t, ran.Equal(*got.LastRunAt))
		require.NotNil(t, got.NextRunAt)
		assert.True(t, following.Equal(*got.NextRunAt))
		assert.Equal(t, "started", got.LastRunStatus)

		enabled := true
		active, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "s1", active[0].ID)

		requireCode(t, s.UpdateSchedule(ctx, "missing", ScheduleUpdate{LastRunStatus: "x"}), schema.ErrCodeNotFound)
		require.NoError(t, s.DeleteSchedule(ctx, "s2"))
		_, err = s.GetSchedule(ctx, "s2")
		requireCode(t, err, schema.ErrCodeNotFound)
	})
}

// --- LibSQL specifics ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Migrate was already called in newTestStore; calling again should be a no-op.
	require.NoError(t, s.Migrate(context.Background()))
}

func TestLibSQL_TimestampsAreNanos(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := testExecution("wf-1")
	require.NoError(t, s.CreateExecution(ctx, exec))

	var createdAt int64
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT created_at FROM executions WHERE id = ?`, exec.ID).Scan(&createdAt))
	assert.Equal(t, exec.CreatedAt.UnixNano(), createdAt)
}
