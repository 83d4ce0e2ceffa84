package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/relvohq/automation/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database and returns a Store. Plain
// filesystem paths are accepted and normalized to file: URIs.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.HasPrefix(dbPath, "file:") && !strings.Contains(dbPath, "://") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

const workflowCols = `id, tenant_id, name, entity_type, trigger_type, schedule_expression,
	is_active, execution_order, stop_on_match, last_run_at, next_run_at, created_at, updated_at`

// CreateWorkflow persists a workflow together with its rules and actions in
// one transaction.
func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant_id, name, entity_type, trigger_type, schedule_expression,
		 is_active, execution_order, stop_on_match, last_run_at, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.TenantID, wf.Name, wf.EntityType, string(wf.TriggerType), nullStr(wf.ScheduleExpression),
		boolInt(wf.IsActive), wf.ExecutionOrder, boolInt(wf.StopOnMatch),
		nullTime(wf.LastRunAt), nullTime(wf.NextRunAt), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for _, r := range wf.Rules {
		payload, err := json.Marshal(schema.ConditionPayload{Logic: r.ConditionLogic, Conditions: r.Conditions})
		if err != nil {
			return fmt.Errorf("marshal conditions for rule %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rules (id, workflow_id, name, rule_order, conditions, is_active)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, wf.ID, r.Name, r.Order, string(payload), boolInt(r.IsActive),
		); err != nil {
			return fmt.Errorf("insert rule %s: %w", r.ID, err)
		}
		for _, a := range r.Actions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO actions (id, rule_id, name, action_type, config, delay_minutes, action_order, is_active)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				a.ID, r.ID, nullStr(a.Name), string(a.Type), nullRaw(a.Config),
				a.DelayMinutes, a.Order, boolInt(a.IsActive),
			); err != nil {
				return fmt.Errorf("insert action %s: %w", a.ID, err)
			}
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowCols+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadRuleTree(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}
	if filter.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, boolInt(*filter.Active))
	}
	if filter.DueBefore != nil {
		where = append(where, "next_run_at <= ?")
		args = append(args, *filter.DueBefore)
	}

	query := `SELECT ` + workflowCols + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY execution_order ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, wf := range workflows {
		if err := s.loadRuleTree(ctx, wf); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

// loadRuleTree hydrates a workflow with its rules and their actions.
func (s *LibSQLStore) loadRuleTree(ctx context.Context, wf *schema.Workflow) error {
	rules, err := s.ListRules(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("load rules for workflow %s: %w", wf.ID, err)
	}
	wf.Rules = make([]schema.Rule, 0, len(rules))
	for _, r := range rules {
		acts, err := s.ListActions(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("load actions for rule %s: %w", r.ID, err)
		}
		r.Actions = make([]schema.Action, 0, len(acts))
		for _, a := range acts {
			r.Actions = append(r.Actions, *a)
		}
		wf.Rules = append(wf.Rules, *r)
	}
	return nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolInt(*update.IsActive))
	}
	if update.ExecutionOrder != nil {
		sets = append(sets, "execution_order = ?")
		args = append(args, *update.ExecutionOrder)
	}
	if update.StopOnMatch != nil {
		sets = append(sets, "stop_on_match = ?")
		args = append(args, boolInt(*update.StopOnMatch))
	}
	if update.ScheduleExpression != nil {
		sets = append(sets, "schedule_expression = ?")
		args = append(args, nullStr(*update.ScheduleExpression))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) UpdateWorkflowRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		lastRun, nextRun, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Rules ---

func (s *LibSQLStore) ListRules(ctx context.Context, workflowID string) ([]*schema.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, name, rule_order, conditions, is_active
		 FROM rules WHERE workflow_id = ? ORDER BY rule_order ASC, id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*schema.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *LibSQLStore) GetRule(ctx context.Context, id string) (*schema.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, name, rule_order, conditions, is_active FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("rule", id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRule(ctx context.Context, id string, update RuleUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Order != nil {
		sets = append(sets, "rule_order = ?")
		args = append(args, *update.Order)
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolInt(*update.IsActive))
	}
	if update.Conditions != nil {
		payload, err := json.Marshal(update.Conditions)
		if err != nil {
			return fmt.Errorf("marshal conditions: %w", err)
		}
		sets = append(sets, "conditions = ?")
		args = append(args, string(payload))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE rules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "rule", id)
}

// --- Actions ---

const actionCols = `id, rule_id, name, action_type, config, delay_minutes, action_order, is_active`

func (s *LibSQLStore) ListActions(ctx context.Context, ruleID string) ([]*schema.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionCols+` FROM actions WHERE rule_id = ? ORDER BY action_order ASC, id ASC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var acts []*schema.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

func (s *LibSQLStore) GetAction(ctx context.Context, id string) (*schema.Action, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionCols+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("action", id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *LibSQLStore) UpdateAction(ctx context.Context, id string, update ActionUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, nullStr(*update.Name))
	}
	if update.Order != nil {
		sets = append(sets, "action_order = ?")
		args = append(args, *update.Order)
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolInt(*update.IsActive))
	}
	if update.DelayMinutes != nil {
		sets = append(sets, "delay_minutes = ?")
		args = append(args, *update.DelayMinutes)
	}
	if update.Config != nil {
		sets = append(sets, "config = ?")
		args = append(args, nullRaw(*update.Config))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE actions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "action", id)
}

// --- Execution log ---

const executionCols = `id, tenant_id, workflow_id, rule_id, action_id, entity_type, entity_id,
	trigger_instance_id, status, error_message, duration_ms, executed_at`

// AppendExecution inserts an immutable log entry. A unique-constraint
// violation on the success index is surfaced as a CONFLICT error so the
// caller can downgrade the racing attempt to skipped.
func (s *LibSQLStore) AppendExecution(ctx context.Context, entry *ExecutionLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_log (id, tenant_id, workflow_id, rule_id, action_id, entity_type, entity_id,
		 trigger_instance_id, status, error_message, duration_ms, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.WorkflowID, nullStr(entry.RuleID), nullStr(entry.ActionID),
		entry.EntityType, entry.EntityID, entry.TriggerInstanceID, string(entry.Status),
		nullStr(entry.ErrorMessage), entry.DurationMs, entry.ExecutedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"success entry already exists for action %s on entity %s", entry.ActionID, entry.EntityID).
				WithAction(entry.ActionID).WithCause(err)
		}
		return schema.NewError(schema.ErrCodeStore, "insert execution log entry").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) HasSuccess(ctx context.Context, key IdempotencyKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM execution_log
		 WHERE rule_id = ? AND action_id = ? AND entity_id = ? AND trigger_instance_id = ? AND status = 'success'`,
		key.RuleID, key.ActionID, key.EntityID, key.TriggerInstanceID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionLogEntry, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.TriggerInstanceID != "" {
		where = append(where, "trigger_instance_id = ?")
		args = append(args, filter.TriggerInstanceID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "executed_at >= ?")
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		where = append(where, "executed_at <= ?")
		args = append(args, *filter.Until)
	}

	query := `SELECT ` + executionCols + ` FROM execution_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY executed_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ExecutionLogEntry
	for rows.Next() {
		e := &ExecutionLogEntry{}
		var ruleID, actionID, errMsg sql.NullString
		var status string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.WorkflowID, &ruleID, &actionID, &e.EntityType,
			&e.EntityID, &e.TriggerInstanceID, &status, &errMsg, &e.DurationMs, &e.ExecutedAt); err != nil {
			return nil, err
		}
		e.RuleID = ruleID.String
		e.ActionID = actionID.String
		e.ErrorMessage = errMsg.String
		e.Status = schema.ExecutionStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Scheduled executions ---

const scheduledCols = `id, tenant_id, workflow_id, rule_id, action_id, entity_type, entity_id,
	trigger_instance_id, snapshot, execute_at, status, attempts, max_attempts, last_error, created_at, claimed_at, completed_at`

func (s *LibSQLStore) CreateScheduledExecution(ctx context.Context, se *ScheduledExecution) error {
	if se.ID == "" {
		se.ID = uuid.New().String()
	}
	if se.Status == "" {
		se.Status = schema.ScheduledPending
	}
	if se.MaxAttempts <= 0 {
		se.MaxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_executions (id, tenant_id, workflow_id, rule_id, action_id, entity_type,
		 entity_id, trigger_instance_id, snapshot, execute_at, status, attempts, max_attempts, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		se.ID, se.TenantID, se.WorkflowID, se.RuleID, se.ActionID, se.EntityType,
		se.EntityID, se.TriggerInstanceID, nullRaw(se.Snapshot), se.ExecuteAt,
		string(se.Status), se.Attempts, se.MaxAttempts, nullStr(se.LastError), timeOrNow(se.CreatedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert scheduled execution").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetScheduledExecution(ctx context.Context, id string) (*ScheduledExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduledCols+` FROM scheduled_executions WHERE id = ?`, id)
	se, err := scanScheduled(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_execution", id)
	}
	if err != nil {
		return nil, err
	}
	return se, nil
}

// ClaimDue flips due pending records to claimed one at a time. The UPDATE with
// a status guard is the atomic claim: a record whose status already changed
// under a racing poller is simply not returned.
func (s *LibSQLStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM scheduled_executions
		 WHERE status = 'pending' AND execute_at <= ?
		 ORDER BY execute_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*ScheduledExecution
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE scheduled_executions
			 SET status = 'claimed', attempts = attempts + 1, claimed_at = ?
			 WHERE id = ? AND status = 'pending'`, now, id)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue // lost the race
		}
		se, err := s.GetScheduledExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, se)
	}
	return claimed, nil
}

func (s *LibSQLStore) CompleteScheduled(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_executions SET status = 'done', completed_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_execution", id)
}

// ReleaseScheduled puts a claimed record back to pending for a later retry.
func (s *LibSQLStore) ReleaseScheduled(ctx context.Context, id string, nextAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_executions
		 SET status = 'pending', execute_at = ?, last_error = ?, claimed_at = NULL
		 WHERE id = ?`,
		nextAt, nullStr(lastError), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_execution", id)
}

// ReleaseStaleClaims recovers claims orphaned by a crash between claim and
// settle. Records with no claim timestamp (claimed before the column existed)
// are released too.
func (s *LibSQLStore) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_executions
		 SET status = 'pending', claimed_at = NULL
		 WHERE status = 'claimed' AND (claimed_at IS NULL OR claimed_at <= ?)`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- Row scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var schedExpr sql.NullString
	var isActive, stopOnMatch int
	var lastRun, nextRun sql.NullTime
	var triggerType string
	err := row.Scan(&wf.ID, &wf.TenantID, &wf.Name, &wf.EntityType, &triggerType, &schedExpr,
		&isActive, &wf.ExecutionOrder, &stopOnMatch, &lastRun, &nextRun, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.TriggerType = schema.TriggerType(triggerType)
	wf.ScheduleExpression = schedExpr.String
	wf.IsActive = isActive != 0
	wf.StopOnMatch = stopOnMatch != 0
	if lastRun.Valid {
		wf.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		wf.NextRunAt = &nextRun.Time
	}
	return wf, nil
}

func scanRule(row rowScanner) (*schema.Rule, error) {
	r := &schema.Rule{}
	var payloadJSON string
	var isActive int
	err := row.Scan(&r.ID, &r.WorkflowID, &r.Name, &r.Order, &payloadJSON, &isActive)
	if err != nil {
		return nil, err
	}
	r.IsActive = isActive != 0

	var payload schema.ConditionPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		// Malformed legacy payloads are isolated to the rule, not the query.
		r.ConditionError = err.Error()
		return r, nil
	}
	r.ConditionLogic = payload.Logic
	r.Conditions = payload.Conditions
	return r, nil
}

func scanAction(row rowScanner) (*schema.Action, error) {
	a := &schema.Action{}
	var name, config sql.NullString
	var actionType string
	var isActive int
	err := row.Scan(&a.ID, &a.RuleID, &name, &actionType, &config, &a.DelayMinutes, &a.Order, &isActive)
	if err != nil {
		return nil, err
	}
	a.Name = name.String
	a.Type = schema.ActionType(actionType)
	a.Config = rawOrNil(config)
	a.IsActive = isActive != 0
	return a, nil
}

func scanScheduled(row rowScanner) (*ScheduledExecution, error) {
	se := &ScheduledExecution{}
	var snapshot, lastError sql.NullString
	var status string
	var claimedAt, completedAt sql.NullTime
	err := row.Scan(&se.ID, &se.TenantID, &se.WorkflowID, &se.RuleID, &se.ActionID, &se.EntityType,
		&se.EntityID, &se.TriggerInstanceID, &snapshot, &se.ExecuteAt, &status,
		&se.Attempts, &se.MaxAttempts, &lastError, &se.CreatedAt, &claimedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	se.Snapshot = rawOrNil(snapshot)
	se.Status = schema.ScheduledStatus(status)
	se.LastError = lastError.String
	if claimedAt.Valid {
		se.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		se.CompletedAt = &completedAt.Time
	}
	return se, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
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

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
