package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendis/pulse/pkg/schema"
)

// MemoryStore is a Store kept entirely in process memory. Records are cloned
// through JSON on the way in and out so callers see the same value shapes
// (float64 numbers, fresh maps) they would get from LibSQLStore.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*Workflow
	versions   map[versionKey]*Workflow
	executions map[string]*Execution
	events     map[string][]*Event
	nextEvent  int64
	rules      map[string]*RuleRecord
	fires      map[fireKey]time.Time
	schedules  map[string]*Schedule
}

type fireKey struct {
	ruleID, entityID string
}

type versionKey struct {
	id      string
	version int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*Workflow),
		versions:   make(map[versionKey]*Workflow),
		executions: make(map[string]*Execution),
		events:     make(map[string][]*Event),
		rules:      make(map[string]*RuleRecord),
		fires:      make(map[fireKey]time.Time),
		schedules:  make(map[string]*Schedule),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Workflows ---

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wf.Version <= 0 {
		wf.Version = 1
	}
	if prev, ok := m.workflows[wf.ID]; ok {
		wf.CreatedAt = prev.CreatedAt
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = time.Now().UTC()

	cp, err := clone(wf)
	if err != nil {
		return err
	}
	m.workflows[wf.ID] = cp

	snap, err := clone(wf)
	if err != nil {
		return err
	}
	snap.Enabled = false
	snap.CreatedAt = snap.UpdatedAt
	m.versions[versionKey{wf.ID, wf.Version}] = snap
	return nil
}

func (m *MemoryStore) GetWorkflowVersion(_ context.Context, id string, version int) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.versions[versionKey{id, version}]
	if !ok {
		return nil, storeNotFound("workflow version", fmt.Sprintf("%s@%d", id, version))
	}
	return clone(wf)
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return clone(wf)
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Workflow
	for _, wf := range m.workflows {
		if filter.TriggerType != "" && wf.TriggerType != filter.TriggerType {
			continue
		}
		if filter.Enabled != nil && wf.Enabled != *filter.Enabled {
			continue
		}
		cp, err := clone(wf)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(m.workflows, id)
	return nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	if exec.Version <= 0 {
		exec.Version = 1
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)

	cp, err := cloneExecution(exec)
	if err != nil {
		return err
	}
	m.executions[exec.ID] = cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return cloneExecution(exec)
}

func (m *MemoryStore) UpdateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.executions[exec.ID]
	if !ok {
		return storeNotFound("execution", exec.ID)
	}
	if cur.Version != exec.Version {
		return versionConflict(exec.ID, exec.Version)
	}

	next, err := cloneExecution(exec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	// Identity columns are immutable after creation.
	next.WorkflowID = cur.WorkflowID
	next.WorkflowVersion = cur.WorkflowVersion
	next.EntityID = cur.EntityID
	next.RuleID = cur.RuleID
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	m.executions[exec.ID] = next

	exec.Version = next.Version
	exec.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[schema.ExecutionStatus]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = true
	}

	var matched []*Execution
	for _, exec := range m.executions {
		if len(statuses) > 0 && !statuses[exec.Status] {
			continue
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.EntityID != "" && exec.EntityID != filter.EntityID {
			continue
		}
		if filter.RuleID != "" && exec.RuleID != filter.RuleID {
			continue
		}
		if filter.Since != nil && exec.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.UpdatedBefore != nil && !exec.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		matched = append(matched, exec)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if filter.Limit > 0 {
		start := min(filter.Offset, len(matched))
		end := min(start+filter.Limit, len(matched))
		matched = matched[start:end]
	}
	return cloneExecutions(matched)
}

func (m *MemoryStore) ListDueExecutions(_ context.Context, now time.Time, limit int) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Execution
	for _, exec := range m.executions {
		switch exec.Status {
		case schema.ExecutionPending, schema.ExecutionRunning:
			due = append(due, exec)
		case schema.ExecutionWaiting:
			if exec.ResumeAt != nil && !exec.ResumeAt.After(now) {
				due = append(due, exec)
			}
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].UpdatedAt.Equal(due[j].UpdatedAt) {
			return due[i].UpdatedAt.Before(due[j].UpdatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return cloneExecutions(due)
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEvent++
	event.ID = m.nextEvent
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)

	cp := *event
	cp.Payload = append(json.RawMessage(nil), event.Payload...)
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for execID, events := range m.events {
		if filter.ExecutionID != "" && execID != filter.ExecutionID {
			continue
		}
		for _, e := range events {
			if e.Type != eventType {
				continue
			}
			if filter.NodeID != "" && e.NodeID != filter.NodeID {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Rules ---

func (m *MemoryStore) SaveRule(_ context.Context, rule *RuleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.rules[rule.ID]; ok {
		rule.CreatedAt = prev.CreatedAt
	}
	rule.CreatedAt = timeOrNow(rule.CreatedAt)
	rule.UpdatedAt = time.Now().UTC()

	cp := *rule
	cp.Definition = append(json.RawMessage(nil), rule.Definition...)
	m.rules[rule.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRule(_ context.Context, id string) (*RuleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, storeNotFound("rule", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRules(_ context.Context, filter RuleFilter) ([]*RuleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RuleRecord
	for _, r := range m.rules {
		if filter.EntityType != "" && r.EntityType != filter.EntityType {
			continue
		}
		if filter.Enabled != nil && r.Enabled != *filter.Enabled {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return storeNotFound("rule", id)
	}
	delete(m.rules, id)
	for k := range m.fires {
		if k.ruleID == id {
			delete(m.fires, k)
		}
	}
	return nil
}

// --- Cooldown ---

func (m *MemoryStore) GetLastFired(_ context.Context, ruleID, entityID string) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last, ok := m.fires[fireKey{ruleID, entityID}]
	if !ok {
		return nil, nil
	}
	return &last, nil
}

func (m *MemoryStore) ClaimRuleFire(_ context.Context, ruleID, entityID string, now time.Time, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fireKey{ruleID, entityID}
	if last, ok := m.fires[key]; ok && last.After(now.Add(-cooldown)) {
		return false, nil
	}
	m.fires[key] = now.UTC()
	return true, nil
}

func (m *MemoryStore) ReleaseRuleFire(_ context.Context, ruleID, entityID string, firedAt time.Time, previous *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fireKey{ruleID, entityID}
	last, ok := m.fires[key]
	if !ok || !last.Equal(firedAt) {
		return false, nil
	}
	if previous == nil {
		delete(m.fires, key)
	} else {
		m.fires[key] = previous.UTC()
	}
	return true, nil
}

// --- Schedules ---

func (m *MemoryStore) UpsertSchedule(_ context.Context, sched *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	cp := *sched
	if prev, ok := m.schedules[sched.ID]; ok {
		// Run bookkeeping is owned by UpdateSchedule.
		cp.CreatedAt = prev.CreatedAt
		cp.LastRunAt = prev.LastRunAt
		cp.LastRunStatus = prev.LastRunStatus
	}
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Schedule
	for _, s := range m.schedules {
		if filter.Enabled != nil && s.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && s.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := update.LastRunAt.UTC()
		s.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := update.NextRunAt.UTC()
		s.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		s.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(m.schedules, id)
	return nil
}

// --- Helpers ---

func clone[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneExecution(exec *Execution) (*Execution, error) {
	cp, err := clone(exec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "encode execution %q: %s", exec.ID, err.Error()).WithCause(err)
	}
	if cp.Context == nil {
		cp.Context = map[string]any{}
	}
	if cp.NodeResults == nil {
		cp.NodeResults = map[string]*NodeResult{}
	}
	return cp, nil
}

func cloneExecutions(execs []*Execution) ([]*Execution, error) {
	out := make([]*Execution, 0, len(execs))
	for _, e := range execs {
		cp, err := cloneExecution(e)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}
