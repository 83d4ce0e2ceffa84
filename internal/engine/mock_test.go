package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/relvohq/automation/internal/actions"
	"github.com/relvohq/automation/internal/store"
	"github.com/relvohq/automation/pkg/schema"
)

// mockStore satisfies store.Store for engine tests.
type mockStore struct {
	store.Store
	mu        sync.Mutex
	workflows map[string]*schema.Workflow
	rules     map[string]*schema.Rule
	actions   map[string]*schema.Action
	entries   []*store.ExecutionLogEntry
	scheduled map[string]*store.ScheduledExecution

	failAppend     error
	failAppendOnce error
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows: make(map[string]*schema.Workflow),
		rules:     make(map[string]*schema.Rule),
		actions:   make(map[string]*schema.Action),
		scheduled: make(map[string]*store.ScheduledExecution),
	}
}

// putWorkflow indexes the whole tree so staleness re-checks resolve.
func (m *mockStore) putWorkflow(wf *schema.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	for i := range wf.Rules {
		r := &wf.Rules[i]
		m.rules[r.ID] = r
		for j := range r.Actions {
			m.actions[r.Actions[j].ID] = &r.Actions[j]
		}
	}
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*schema.Workflow
	for _, wf := range m.workflows {
		if filter.EntityType != "" && wf.EntityType != filter.EntityType {
			continue
		}
		if filter.TriggerType != "" && wf.TriggerType != filter.TriggerType {
			continue
		}
		if filter.Active != nil && wf.IsActive != *filter.Active {
			continue
		}
		result = append(result, wf)
	}
	// Execution order, matching the real store's ORDER BY.
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].ExecutionOrder < result[i].ExecutionOrder {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	return result, nil
}

func (m *mockStore) GetRule(_ context.Context, id string) (*schema.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "rule %s not found", id)
	}
	return r, nil
}

func (m *mockStore) GetAction(_ context.Context, id string) (*schema.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %s not found", id)
	}
	return a, nil
}

func (m *mockStore) AppendExecution(_ context.Context, entry *store.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}
	if m.failAppendOnce != nil {
		err := m.failAppendOnce
		m.failAppendOnce = nil
		return err
	}
	if entry.Status == schema.StatusSuccess && m.hasSuccessLocked(store.IdempotencyKey{
		RuleID:            entry.RuleID,
		ActionID:          entry.ActionID,
		EntityID:          entry.EntityID,
		TriggerInstanceID: entry.TriggerInstanceID,
	}) {
		return schema.NewError(schema.ErrCodeConflict, "success entry already exists")
	}
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockStore) HasSuccess(_ context.Context, key store.IdempotencyKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasSuccessLocked(key), nil
}

func (m *mockStore) hasSuccessLocked(key store.IdempotencyKey) bool {
	for _, e := range m.entries {
		if e.Status == schema.StatusSuccess &&
			e.RuleID == key.RuleID && e.ActionID == key.ActionID &&
			e.EntityID == key.EntityID && e.TriggerInstanceID == key.TriggerInstanceID {
			return true
		}
	}
	return false
}

func (m *mockStore) CreateScheduledExecution(_ context.Context, se *store.ScheduledExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *se
	m.scheduled[se.ID] = &cp
	return nil
}

func (m *mockStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]*store.ScheduledExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*store.ScheduledExecution
	for _, se := range m.scheduled {
		if se.Status == schema.ScheduledPending && !se.ExecuteAt.After(now) {
			se.Status = schema.ScheduledClaimed
			se.Attempts++
			claimTime := now
			se.ClaimedAt = &claimTime
			cp := *se
			claimed = append(claimed, &cp)
		}
	}
	return claimed, nil
}

func (m *mockStore) ReleaseStaleClaims(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for _, se := range m.scheduled {
		if se.Status != schema.ScheduledClaimed {
			continue
		}
		if se.ClaimedAt != nil && se.ClaimedAt.After(cutoff) {
			continue
		}
		se.Status = schema.ScheduledPending
		se.ClaimedAt = nil
		released++
	}
	return released, nil
}

func (m *mockStore) CompleteScheduled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if se, ok := m.scheduled[id]; ok {
		se.Status = schema.ScheduledDone
		now := time.Now().UTC()
		se.CompletedAt = &now
	}
	return nil
}

func (m *mockStore) ReleaseScheduled(_ context.Context, id string, nextAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if se, ok := m.scheduled[id]; ok {
		se.Status = schema.ScheduledPending
		se.ExecuteAt = nextAt
		se.LastError = lastError
		se.ClaimedAt = nil
	}
	return nil
}

func (m *mockStore) entriesByStatus(status schema.ExecutionStatus) []*store.ExecutionLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ExecutionLogEntry
	for _, e := range m.entries {
		if e.Status == status {
			result = append(result, e)
		}
	}
	return result
}

func (m *mockStore) getScheduled(id string) *store.ScheduledExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	se, ok := m.scheduled[id]
	if !ok {
		return nil
	}
	cp := *se
	return &cp
}

// stubHandler is a configurable action handler for engine tests.
type stubHandler struct {
	actionType schema.ActionType
	execErr    error
	delay      time.Duration

	mu    sync.Mutex
	calls []actions.Invocation
}

func (h *stubHandler) Type() schema.ActionType { return h.actionType }

func (h *stubHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object"}`)
}

func (h *stubHandler) Validate(json.RawMessage) error { return nil }

func (h *stubHandler) Execute(ctx context.Context, inv actions.Invocation) (*actions.Result, error) {
	h.mu.Lock()
	h.calls = append(h.calls, inv)
	h.mu.Unlock()

	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.execErr != nil {
		return nil, h.execErr
	}
	return &actions.Result{}, nil
}

func (h *stubHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *stubHandler) lastCall() actions.Invocation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[len(h.calls)-1]
}

// --- Fixtures ---

func ticketWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:          "wf-1",
		TenantID:    "t1",
		Name:        "high priority escalation",
		EntityType:  "ticket",
		TriggerType: schema.TriggerUpdate,
		IsActive:    true,
		Rules: []schema.Rule{
			{
				ID:             "r1",
				WorkflowID:     "wf-1",
				Name:           "high priority",
				Order:          1,
				IsActive:       true,
				ConditionLogic: schema.LogicAnd,
				Conditions: []schema.FieldCondition{
					{Field: "priority", Operator: schema.OpEquals, Value: "high"},
				},
				Actions: []schema.Action{
					{
						ID: "a1", RuleID: "r1", Name: "notify owner",
						Type: schema.ActionSendNotification, Order: 1, IsActive: true,
						Config: json.RawMessage(`{"template_id": "tpl-1", "recipient": "owner"}`),
					},
				},
			},
		},
	}
}

func ticketSnapshot() map[string]any {
	return map[string]any{
		"priority": "high",
		"status":   "open",
		"owner_id": "u1",
	}
}
