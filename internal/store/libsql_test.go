package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relvohq/automation/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedWorkflow(t *testing.T, s *LibSQLStore) *schema.Workflow {
	t.Helper()
	wf := &schema.Workflow{
		ID:          "wf-1",
		TenantID:    "t1",
		Name:        "Ticket escalation",
		EntityType:  "ticket",
		TriggerType: schema.TriggerUpdate,
		IsActive:    true,
		StopOnMatch: true,
		Rules: []schema.Rule{
			{
				ID:             "r-2",
				Name:           "High priority",
				Order:          2,
				ConditionLogic: schema.LogicAnd,
				Conditions: []schema.FieldCondition{
					{Field: "priority", Operator: schema.OpEquals, Value: "high"},
				},
				IsActive: true,
				Actions: []schema.Action{
					{
						ID:       "a-2",
						Name:     "Notify owner",
						Type:     schema.ActionSendNotification,
						Config:   json.RawMessage(`{"template_id":"tpl-1","recipient":"owner"}`),
						Order:    1,
						IsActive: true,
					},
					{
						ID:           "a-1",
						Type:         schema.ActionCreateTask,
						Config:       json.RawMessage(`{"subject":"Follow up"}`),
						DelayMinutes: 30,
						Order:        0,
						IsActive:     true,
					},
				},
			},
			{
				ID:             "r-1",
				Name:           "Any update",
				Order:          1,
				ConditionLogic: schema.LogicOr,
				IsActive:       false,
			},
		},
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "Ticket escalation", got.Name)
	assert.Equal(t, "ticket", got.EntityType)
	assert.Equal(t, schema.TriggerUpdate, got.TriggerType)
	assert.True(t, got.IsActive)
	assert.True(t, got.StopOnMatch)
	assert.Nil(t, got.NextRunAt)
	assert.False(t, got.CreatedAt.IsZero())

	// Rules come back ordered by rule_order, actions by action_order.
	require.Len(t, got.Rules, 2)
	assert.Equal(t, "r-1", got.Rules[0].ID)
	assert.Equal(t, schema.LogicOr, got.Rules[0].ConditionLogic)
	assert.False(t, got.Rules[0].IsActive)
	assert.Empty(t, got.Rules[0].Actions)

	r2 := got.Rules[1]
	assert.Equal(t, "r-2", r2.ID)
	assert.Equal(t, "wf-1", r2.WorkflowID)
	require.Len(t, r2.Conditions, 1)
	assert.Equal(t, "priority", r2.Conditions[0].Field)
	assert.Equal(t, schema.OpEquals, r2.Conditions[0].Operator)
	assert.Equal(t, "high", r2.Conditions[0].Value)

	require.Len(t, r2.Actions, 2)
	assert.Equal(t, "a-1", r2.Actions[0].ID)
	assert.Equal(t, 30, r2.Actions[0].DelayMinutes)
	assert.Equal(t, "a-2", r2.Actions[1].ID)
	assert.Equal(t, "Notify owner", r2.Actions[1].Name)
	assert.JSONEq(t, `{"template_id":"tpl-1","recipient":"owner"}`, string(r2.Actions[1].Config))
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetWorkflow(context.Background(), "missing")
	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestListWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(id, tenant, entity string, trigger schema.TriggerType, active bool, order int) {
		require.NoError(t, s.CreateWorkflow(ctx, &schema.Workflow{
			ID: id, TenantID: tenant, Name: id, EntityType: entity,
			TriggerType: trigger, IsActive: active, ExecutionOrder: order,
		}))
	}
	mk("wf-b", "t1", "ticket", schema.TriggerUpdate, true, 2)
	mk("wf-a", "t1", "ticket", schema.TriggerUpdate, true, 1)
	mk("wf-c", "t1", "ticket", schema.TriggerCreate, true, 0)
	mk("wf-d", "t2", "ticket", schema.TriggerUpdate, true, 0)
	mk("wf-e", "t1", "deal", schema.TriggerUpdate, false, 0)

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	active := true
	got, err := s.ListWorkflows(ctx, WorkflowFilter{
		TenantID:    "t1",
		EntityType:  "ticket",
		TriggerType: schema.TriggerUpdate,
		Active:      &active,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Ordered by execution_order.
	assert.Equal(t, "wf-a", got[0].ID)
	assert.Equal(t, "wf-b", got[1].ID)

	got, err = s.ListWorkflows(ctx, WorkflowFilter{TenantID: "t2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "wf-d", got[0].ID)

	got, err = s.ListWorkflows(ctx, WorkflowFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestListWorkflowsDueBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mk := func(id string, nextRun *time.Time) {
		require.NoError(t, s.CreateWorkflow(ctx, &schema.Workflow{
			ID: id, Name: id, EntityType: "ticket",
			TriggerType: schema.TriggerScheduled, ScheduleExpression: "0 * * * *",
			IsActive: true, NextRunAt: nextRun,
		}))
	}
	mk("wf-due", &past)
	mk("wf-later", &future)
	mk("wf-never", nil)

	got, err := s.ListWorkflows(ctx, WorkflowFilter{DueBefore: &now})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "wf-due", got[0].ID)
}

func TestUpdateWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)

	name := "Renamed"
	inactive := false
	order := 7
	require.NoError(t, s.UpdateWorkflow(ctx, "wf-1", WorkflowUpdate{
		Name:           &name,
		IsActive:       &inactive,
		ExecutionOrder: &order,
	}))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.False(t, got.IsActive)
	assert.Equal(t, 7, got.ExecutionOrder)

	// No fields set is a no-op, not an error.
	require.NoError(t, s.UpdateWorkflow(ctx, "wf-1", WorkflowUpdate{}))

	err = s.UpdateWorkflow(ctx, "missing", WorkflowUpdate{Name: &name})
	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestUpdateWorkflowRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)

	lastRun := time.Now().UTC().Truncate(time.Second)
	nextRun := lastRun.Add(time.Hour)
	require.NoError(t, s.UpdateWorkflowRun(ctx, "wf-1", lastRun, nextRun))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, lastRun, *got.LastRunAt, time.Second)
	assert.WithinDuration(t, nextRun, *got.NextRunAt, time.Second)
}

func TestDeleteWorkflowCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)

	require.NoError(t, s.DeleteWorkflow(ctx, "wf-1"))

	_, err := s.GetWorkflow(ctx, "wf-1")
	assert.Error(t, err)

	rules, err := s.ListRules(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, rules)
	acts, err := s.ListActions(ctx, "r-2")
	require.NoError(t, err)
	assert.Empty(t, acts)

	assert.Error(t, s.DeleteWorkflow(ctx, "wf-1"))
}

func TestUpdateRule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)

	active := true
	require.NoError(t, s.UpdateRule(ctx, "r-1", RuleUpdate{
		IsActive: &active,
		Conditions: &schema.ConditionPayload{
			Logic: schema.LogicAnd,
			Conditions: []schema.FieldCondition{
				{Field: "status", Operator: schema.OpNotEquals, Value: "closed"},
			},
		},
	}))

	got, err := s.GetRule(ctx, "r-1")
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, schema.LogicAnd, got.ConditionLogic)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, "status", got.Conditions[0].Field)
	assert.Empty(t, got.ConditionError)
}

func TestScanRuleIsolatesMalformedConditions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)

	_, err := s.DB().ExecContext(ctx, `UPDATE rules SET conditions = '{not json' WHERE id = ?`, "r-2")
	require.NoError(t, err)

	got, err := s.GetRule(ctx, "r-2")
	require.NoError(t, err)
	assert.NotEmpty(t, got.ConditionError)
	assert.Empty(t, got.Conditions)

	// The broken rule does not poison the workflow load.
	wf, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, wf.Rules, 2)
}

func TestUpdateAction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)

	delay := 0
	cfg := json.RawMessage(`{"subject":"Revised"}`)
	require.NoError(t, s.UpdateAction(ctx, "a-1", ActionUpdate{
		DelayMinutes: &delay,
		Config:       &cfg,
	}))

	got, err := s.GetAction(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.DelayMinutes)
	assert.JSONEq(t, `{"subject":"Revised"}`, string(got.Config))
	assert.Equal(t, "r-2", got.RuleID)
}

func logEntry(instance string) *ExecutionLogEntry {
	return &ExecutionLogEntry{
		TenantID:          "t1",
		WorkflowID:        "wf-1",
		RuleID:            "r-2",
		ActionID:          "a-2",
		EntityType:        "ticket",
		EntityID:          "ticket-9",
		TriggerInstanceID: instance,
		Status:            schema.StatusSuccess,
		DurationMs:        12,
	}
}

func TestAppendExecutionAssignsID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)

	e := logEntry("trig-1")
	require.NoError(t, s.AppendExecution(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.ExecutedAt.IsZero())
}

func TestAppendExecutionDuplicateSuccessConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)

	require.NoError(t, s.AppendExecution(ctx, logEntry("trig-1")))

	err := s.AppendExecution(ctx, logEntry("trig-1"))
	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)

	// Failed and skipped attempts for the same key are always recordable,
	// and a different trigger instance starts a fresh key.
	failed := logEntry("trig-1")
	failed.Status = schema.StatusFailed
	failed.ErrorMessage = "boom"
	require.NoError(t, s.AppendExecution(ctx, failed))

	skipped := logEntry("trig-1")
	skipped.Status = schema.StatusSkipped
	require.NoError(t, s.AppendExecution(ctx, skipped))

	require.NoError(t, s.AppendExecution(ctx, logEntry("trig-2")))
}

func TestHasSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)

	key := IdempotencyKey{RuleID: "r-2", ActionID: "a-2", EntityID: "ticket-9", TriggerInstanceID: "trig-1"}

	done, err := s.HasSuccess(ctx, key)
	require.NoError(t, err)
	assert.False(t, done)

	failed := logEntry("trig-1")
	failed.Status = schema.StatusFailed
	require.NoError(t, s.AppendExecution(ctx, failed))
	done, err = s.HasSuccess(ctx, key)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.AppendExecution(ctx, logEntry("trig-1")))
	done, err = s.HasSuccess(ctx, key)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestListExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)

	first := logEntry("trig-1")
	first.ExecutedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.AppendExecution(ctx, first))

	failed := logEntry("trig-2")
	failed.Status = schema.StatusFailed
	failed.ErrorMessage = "connection refused"
	require.NoError(t, s.AppendExecution(ctx, failed))

	other := logEntry("trig-3")
	other.EntityID = "ticket-4"
	require.NoError(t, s.AppendExecution(ctx, other))

	// Newest first.
	all, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "trig-1", all[2].TriggerInstanceID)

	got, err := s.ListExecutions(ctx, ExecutionFilter{EntityID: "ticket-9"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListExecutions(ctx, ExecutionFilter{Status: schema.StatusFailed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "connection refused", got[0].ErrorMessage)

	since := time.Now().UTC().Add(-time.Hour)
	got, err = s.ListExecutions(ctx, ExecutionFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListExecutions(ctx, ExecutionFilter{TriggerInstanceID: "trig-3", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ticket-4", got[0].EntityID)
}

func seedScheduled(t *testing.T, s *LibSQLStore, id string, executeAt time.Time) *ScheduledExecution {
	t.Helper()
	se := &ScheduledExecution{
		ID:                id,
		TenantID:          "t1",
		WorkflowID:        "wf-1",
		RuleID:            "r-2",
		ActionID:          "a-1",
		EntityType:        "ticket",
		EntityID:          "ticket-9",
		TriggerInstanceID: "trig-1",
		Snapshot:          json.RawMessage(`{"priority":"high"}`),
		ExecuteAt:         executeAt,
	}
	require.NoError(t, s.CreateScheduledExecution(context.Background(), se))
	return se
}

func TestCreateAndGetScheduledExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)
	executeAt := time.Now().UTC().Add(10 * time.Minute).Truncate(time.Second)
	seedScheduled(t, s, "sched-1", executeAt)

	got, err := s.GetScheduledExecution(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ScheduledPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.WithinDuration(t, executeAt, got.ExecuteAt, time.Second)
	assert.JSONEq(t, `{"priority":"high"}`, string(got.Snapshot))
	assert.Nil(t, got.CompletedAt)
}

func TestCreateScheduledExecutionDuplicateIDIsStoreError(t *testing.T) {
	s := newTestStore(t)
	seedWorkflow(t, s)
	executeAt := time.Now().UTC().Add(10 * time.Minute)
	seedScheduled(t, s, "sched-dup", executeAt)

	err := s.CreateScheduledExecution(context.Background(), &ScheduledExecution{
		ID:                "sched-dup",
		TenantID:          "t1",
		WorkflowID:        "wf-1",
		RuleID:            "r-2",
		ActionID:          "a-1",
		EntityType:        "ticket",
		EntityID:          "ticket-9",
		TriggerInstanceID: "trig-1",
		ExecuteAt:         executeAt,
	})
	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeStore, engErr.Code)
}

func TestClaimDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)
	now := time.Now().UTC()

	seedScheduled(t, s, "sched-due", now.Add(-time.Minute))
	seedScheduled(t, s, "sched-later", now.Add(time.Hour))

	claimed, err := s.ClaimDue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "sched-due", claimed[0].ID)
	assert.Equal(t, schema.ScheduledClaimed, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)

	// Already claimed, nothing left to hand out.
	claimed, err = s.ClaimDue(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimDueRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)
	now := time.Now().UTC()

	seedScheduled(t, s, "sched-1", now.Add(-3*time.Minute))
	seedScheduled(t, s, "sched-2", now.Add(-2*time.Minute))
	seedScheduled(t, s, "sched-3", now.Add(-time.Minute))

	claimed, err := s.ClaimDue(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	// Oldest execute_at first.
	assert.Equal(t, "sched-1", claimed[0].ID)
	assert.Equal(t, "sched-2", claimed[1].ID)
}

func TestCompleteScheduled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)
	now := time.Now().UTC()
	seedScheduled(t, s, "sched-1", now.Add(-time.Minute))

	_, err := s.ClaimDue(ctx, now, 0)
	require.NoError(t, err)
	require.NoError(t, s.CompleteScheduled(ctx, "sched-1"))

	got, err := s.GetScheduledExecution(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ScheduledDone, got.Status)
	assert.NotNil(t, got.CompletedAt)

	assert.Error(t, s.CompleteScheduled(ctx, "missing"))
}

func TestReleaseScheduled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)
	now := time.Now().UTC()
	seedScheduled(t, s, "sched-1", now.Add(-time.Minute))

	_, err := s.ClaimDue(ctx, now, 0)
	require.NoError(t, err)

	retryAt := now.Add(5 * time.Minute).Truncate(time.Second)
	require.NoError(t, s.ReleaseScheduled(ctx, "sched-1", retryAt, "webhook timed out"))

	got, err := s.GetScheduledExecution(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ScheduledPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "webhook timed out", got.LastError)
	assert.WithinDuration(t, retryAt, got.ExecuteAt, time.Second)

	// Released records are claimable again once due.
	claimed, err := s.ClaimDue(ctx, retryAt.Add(time.Second), 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)
}

func TestClaimDueRecordsClaimTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)
	now := time.Now().UTC()
	seedScheduled(t, s, "sched-1", now.Add(-time.Minute))

	claimed, err := s.ClaimDue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NotNil(t, claimed[0].ClaimedAt)

	// Release clears the claim timestamp with the status.
	require.NoError(t, s.ReleaseScheduled(ctx, "sched-1", now.Add(time.Minute), "retry"))
	got, err := s.GetScheduledExecution(ctx, "sched-1")
	require.NoError(t, err)
	assert.Nil(t, got.ClaimedAt)
}

func TestReleaseStaleClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkflow(t, s)
	now := time.Now().UTC()

	seedScheduled(t, s, "sched-1", now.Add(-time.Minute))
	claimed, err := s.ClaimDue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// The claim is fresh, so a cutoff in the past leaves it held.
	n, err := s.ReleaseStaleClaims(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	got, err := s.GetScheduledExecution(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ScheduledClaimed, got.Status)

	// Once the claim outlives the cutoff it goes back to pending and is
	// claimable again.
	n, err = s.ReleaseStaleClaims(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.GetScheduledExecution(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ScheduledPending, got.Status)
	assert.Nil(t, got.ClaimedAt)

	reclaimed, err := s.ClaimDue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].Attempts)

	// Settled records are never touched.
	require.NoError(t, s.CompleteScheduled(ctx, "sched-1"))
	n, err = s.ReleaseStaleClaims(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}
