package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/pulse/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/pulse.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which the fire claim and the
	// execution version check rely on.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if wf.Version <= 0 {
		wf.Version = 1
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, version, trigger_type, definition, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, version=excluded.version,
		   trigger_type=excluded.trigger_type, definition=excluded.definition,
		   enabled=excluded.enabled, updated_at=excluded.updated_at`,
		wf.ID, nullStr(wf.Name), wf.Version, string(wf.TriggerType), string(def),
		boolInt(wf.Enabled), nanos(wf.CreatedAt), nanos(wf.UpdatedAt),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_versions (workflow_id, version, name, trigger_type, definition, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, version) DO UPDATE SET name=excluded.name,
		   trigger_type=excluded.trigger_type, definition=excluded.definition, saved_at=excluded.saved_at`,
		wf.ID, wf.Version, nullStr(wf.Name), string(wf.TriggerType), string(def), nanos(wf.UpdatedAt),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetWorkflowVersion returns a saved version of a workflow. Versions outlive
// later saves and DeleteWorkflow. The result carries the version's save time
// as both timestamps and is never enabled.
func (s *LibSQLStore) GetWorkflowVersion(ctx context.Context, id string, version int) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, name, version, trigger_type, definition, 0, saved_at, saved_at
		 FROM workflow_versions WHERE workflow_id = ? AND version = ?`, id, version)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow version", fmt.Sprintf("%s@%d", id, version))
	}
	return wf, err
}

const workflowColumns = `id, name, version, trigger_type, definition, enabled, created_at, updated_at`

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		name                 sql.NullString
		triggerType, defJSON string
		enabled              int
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&wf.ID, &name, &wf.Version, &triggerType, &defJSON, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.TriggerType = schema.TriggerType(triggerType)
	wf.Enabled = enabled != 0
	wf.CreatedAt = fromNanos(createdAt)
	wf.UpdatedAt = fromNanos(updatedAt)
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, workflow_version, status, current_node_id, context, node_results,
	trigger_data, started_at, completed_at, resume_at, resume_data, error_message, entity_id, rule_id,
	step_count, version, created_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	cols, err := marshalExecution(exec)
	if err != nil {
		return err
	}
	if exec.Version <= 0 {
		exec.Version = 1
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, string(exec.Status), nullStr(exec.CurrentNodeID),
		cols.context, cols.nodeResults, cols.triggerData,
		nullNanos(exec.StartedAt), nullNanos(exec.CompletedAt), nullNanos(exec.ResumeAt), cols.resumeData,
		nullStr(exec.ErrorMessage), nullStr(exec.EntityID), nullStr(exec.RuleID),
		exec.StepCount, exec.Version, nanos(exec.CreatedAt), nanos(exec.UpdatedAt),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	cols, err := marshalExecution(exec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, current_node_id = ?, context = ?, node_results = ?, trigger_data = ?,
		   started_at = ?, completed_at = ?, resume_at = ?, resume_data = ?, error_message = ?,
		   step_count = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(exec.Status), nullStr(exec.CurrentNodeID), cols.context, cols.nodeResults, cols.triggerData,
		nullNanos(exec.StartedAt), nullNanos(exec.CompletedAt), nullNanos(exec.ResumeAt), cols.resumeData,
		nullStr(exec.ErrorMessage), exec.StepCount, nanos(now),
		exec.ID, exec.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, exec.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storeNotFound("execution", exec.ID)
		}
		if err != nil {
			return err
		}
		return versionConflict(exec.ID, exec.Version)
	}

	exec.Version++
	exec.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, nanos(*filter.Since))
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, nanos(*filter.UpdatedBefore))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	return s.queryExecutions(ctx, query, args...)
}

func (s *LibSQLStore) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE status IN (?, ?) OR (status = ? AND resume_at IS NOT NULL AND resume_at <= ?)
		ORDER BY updated_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryExecutions(ctx, query,
		string(schema.ExecutionPending), string(schema.ExecutionRunning),
		string(schema.ExecutionWaiting), nanos(now),
	)
}

func (s *LibSQLStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

type executionJSON struct {
	context, nodeResults string
	triggerData          any
	resumeData           any
}

func marshalExecution(exec *Execution) (executionJSON, error) {
	var cols executionJSON

	ctxJSON, err := marshalMapOrDefault(exec.Context)
	if err != nil {
		return cols, fmt.Errorf("marshal context: %w", err)
	}
	cols.context = string(ctxJSON)

	results := exec.NodeResults
	if results == nil {
		results = map[string]*NodeResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return cols, fmt.Errorf("marshal node_results: %w", err)
	}
	cols.nodeResults = string(resultsJSON)

	if exec.TriggerData != nil {
		trig, err := json.Marshal(exec.TriggerData)
		if err != nil {
			return cols, fmt.Errorf("marshal trigger_data: %w", err)
		}
		cols.triggerData = string(trig)
	}
	if exec.ResumeData != nil {
		rd, err := json.Marshal(exec.ResumeData)
		if err != nil {
			return cols, fmt.Errorf("marshal resume_data: %w", err)
		}
		cols.resumeData = string(rd)
	}
	return cols, nil
}

func scanExecution(sc scanner) (*Execution, error) {
	exec := &Execution{}
	var (
		status, ctxJSON, resultsJSON          string
		currentNode, errMsg, entityID, ruleID sql.NullString
		triggerJSON, resumeJSON               sql.NullString
		startedAt, completedAt, resumeAt      sql.NullInt64
		createdAt, updatedAt                  int64
	)
	if err := sc.Scan(&exec.ID, &exec.WorkflowID, &exec.WorkflowVersion, &status, &currentNode,
		&ctxJSON, &resultsJSON, &triggerJSON, &startedAt, &completedAt, &resumeAt, &resumeJSON,
		&errMsg, &entityID, &ruleID, &exec.StepCount, &exec.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	exec.Status = schema.ExecutionStatus(status)
	exec.CurrentNodeID = currentNode.String
	exec.ErrorMessage = errMsg.String
	exec.EntityID = entityID.String
	exec.RuleID = ruleID.String
	exec.StartedAt = timePtr(startedAt)
	exec.CompletedAt = timePtr(completedAt)
	exec.ResumeAt = timePtr(resumeAt)
	exec.CreatedAt = fromNanos(createdAt)
	exec.UpdatedAt = fromNanos(updatedAt)

	if err := json.Unmarshal([]byte(ctxJSON), &exec.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &exec.NodeResults); err != nil {
		return nil, fmt.Errorf("unmarshal node_results: %w", err)
	}
	if raw := rawOrNil(triggerJSON); raw != nil {
		if err := json.Unmarshal(raw, &exec.TriggerData); err != nil {
			return nil, fmt.Errorf("unmarshal trigger_data: %w", err)
		}
	}
	if raw := rawOrNil(resumeJSON); raw != nil {
		exec.ResumeData = &ResumeData{}
		if err := json.Unmarshal(raw, exec.ResumeData); err != nil {
			return nil, fmt.Errorf("unmarshal resume_data: %w", err)
		}
	}
	return exec, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	ts := timeOrNow(event.Timestamp)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), nanos(ts), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}

	event.Sequence = seq
	event.Timestamp = ts
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

const eventColumns = `id, execution_id, node_id, event_type, payload, timestamp, sequence`

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, nanos(*filter.Since))
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") +
		" ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = fromNanos(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Rules ---

func (s *LibSQLStore) SaveRule(ctx context.Context, rule *RuleRecord) error {
	rule.CreatedAt = timeOrNow(rule.CreatedAt)
	rule.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules (id, entity_type, name, definition, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET entity_type=excluded.entity_type, name=excluded.name,
		   definition=excluded.definition, enabled=excluded.enabled, updated_at=excluded.updated_at`,
		rule.ID, rule.EntityType, nullStr(rule.Name), string(rule.Definition),
		boolInt(rule.Enabled), nanos(rule.CreatedAt), nanos(rule.UpdatedAt),
	)
	return err
}

const ruleColumns = `id, entity_type, name, definition, enabled, created_at, updated_at`

func (s *LibSQLStore) GetRule(ctx context.Context, id string) (*RuleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("rule", id)
	}
	return rule, err
}

func (s *LibSQLStore) ListRules(ctx context.Context, filter RuleFilter) ([]*RuleRecord, error) {
	var where []string
	var args []any
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT ` + ruleColumns + ` FROM rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY entity_type ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*RuleRecord
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *LibSQLStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "rule", id); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM rule_fires WHERE rule_id = ?`, id)
	return err
}

func scanRule(sc scanner) (*RuleRecord, error) {
	r := &RuleRecord{}
	var name sql.NullString
	var def string
	var enabled int
	var createdAt, updatedAt int64
	if err := sc.Scan(&r.ID, &r.EntityType, &name, &def, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Name = name.String
	r.Definition = json.RawMessage(def)
	r.Enabled = enabled != 0
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	return r, nil
}

// --- Cooldown ---

func (s *LibSQLStore) GetLastFired(ctx context.Context, ruleID, entityID string) (*time.Time, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_fired_at FROM rule_fires WHERE rule_id = ? AND entity_id = ?`, ruleID, entityID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := fromNanos(last)
	return &t, nil
}

// ClaimRuleFire is a single upsert whose update branch is guarded by the
// cooldown window, so two concurrent claims cannot both succeed.
func (s *LibSQLStore) ClaimRuleFire(ctx context.Context, ruleID, entityID string, now time.Time, cooldown time.Duration) (bool, error) {
	threshold := now.Add(-cooldown)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_fires (rule_id, entity_id, last_fired_at, fire_count) VALUES (?, ?, ?, 1)
		 ON CONFLICT(rule_id, entity_id) DO UPDATE SET
		   last_fired_at = excluded.last_fired_at, fire_count = rule_fires.fire_count + 1
		 WHERE rule_fires.last_fired_at <= ?`,
		ruleID, entityID, nanos(now), nanos(threshold),
	)
	if err != nil {
		return false, fmt.Errorf("claim rule fire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ReleaseRuleFire(ctx context.Context, ruleID, entityID string, firedAt time.Time, previous *time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if previous == nil {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM rule_fires WHERE rule_id = ? AND entity_id = ? AND last_fired_at = ?`,
			ruleID, entityID, nanos(firedAt))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE rule_fires SET last_fired_at = ?, fire_count = MAX(fire_count - 1, 1)
			 WHERE rule_id = ? AND entity_id = ? AND last_fired_at = ?`,
			nanos(*previous), ruleID, entityID, nanos(firedAt))
	}
	if err != nil {
		return false, fmt.Errorf("release rule fire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Schedules ---

func (s *LibSQLStore) UpsertSchedule(ctx context.Context, sched *Schedule) error {
	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, cron_expression, timezone, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET workflow_id=excluded.workflow_id, cron_expression=excluded.cron_expression,
		   timezone=excluded.timezone, enabled=excluded.enabled, next_run_at=excluded.next_run_at`,
		sched.ID, sched.WorkflowID, sched.CronExpression, nullStr(sched.Timezone), boolInt(sched.Enabled),
		nullNanos(sched.LastRunAt), nullNanos(sched.NextRunAt), nullStr(sched.LastRunStatus), nanos(sched.CreatedAt),
	)
	return err
}

const scheduleColumns = `id, workflow_id, cron_expression, timezone, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sc)
	}
	return scheds, rows.Err()
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, nanos(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, nanos(*update.NextRunAt))
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(sc scanner) (*Schedule, error) {
	s := &Schedule{}
	var tz, lastStatus sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullInt64
	var createdAt int64
	if err := sc.Scan(&s.ID, &s.WorkflowID, &s.CronExpression, &tz, &enabled, &lastRun, &nextRun, &lastStatus, &createdAt); err != nil {
		return nil, err
	}
	s.Timezone = tz.String
	s.Enabled = enabled != 0
	s.LastRunAt = timePtr(lastRun)
	s.NextRunAt = timePtr(nextRun)
	s.LastRunStatus = lastStatus.String
	s.CreatedAt = fromNanos(createdAt)
	return s, nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.PulseError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func versionConflict(id string, version int64) *schema.PulseError {
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q was modified concurrently (version %d is stale)", id, version)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
