package store

import (
	"encoding/json"
	"time"

	"github.com/relvohq/automation/pkg/schema"
)

// ExecutionLogEntry is an immutable row in the audit/idempotence ledger.
// Entries are produced solely by the action executor and never mutated.
type ExecutionLogEntry struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id,omitempty"`
	WorkflowID        string                 `json:"workflow_id"`
	RuleID            string                 `json:"rule_id,omitempty"`
	ActionID          string                 `json:"action_id,omitempty"`
	EntityType        string                 `json:"entity_type"`
	EntityID          string                 `json:"entity_id"`
	TriggerInstanceID string                 `json:"trigger_instance_id"`
	Status            schema.ExecutionStatus `json:"status"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	DurationMs        int64                  `json:"duration_ms"`
	ExecutedAt        time.Time              `json:"executed_at"`
}

// IdempotencyKey identifies one action attempt within one trigger instance.
type IdempotencyKey struct {
	RuleID            string
	ActionID          string
	EntityID          string
	TriggerInstanceID string
}

// ScheduledExecution is a durable record of a deferred action awaiting its
// execute-at time. The snapshot taken at trigger time travels with it.
type ScheduledExecution struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id,omitempty"`
	WorkflowID        string                 `json:"workflow_id"`
	RuleID            string                 `json:"rule_id"`
	ActionID          string                 `json:"action_id"`
	EntityType        string                 `json:"entity_type"`
	EntityID          string                 `json:"entity_id"`
	TriggerInstanceID string                 `json:"trigger_instance_id"`
	Snapshot          json.RawMessage        `json:"snapshot,omitempty"`
	ExecuteAt         time.Time              `json:"execute_at"`
	Status            schema.ScheduledStatus `json:"status"`
	Attempts          int                    `json:"attempts"`
	MaxAttempts       int                    `json:"max_attempts"`
	LastError         string                 `json:"last_error,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	ClaimedAt         *time.Time             `json:"claimed_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	TenantID    string             `json:"tenant_id,omitempty"`
	EntityType  string             `json:"entity_type,omitempty"`
	TriggerType schema.TriggerType `json:"trigger_type,omitempty"`
	Active      *bool              `json:"active,omitempty"`
	DueBefore   *time.Time         `json:"due_before,omitempty"` // scheduled workflows with next_run_at <= t
	Limit       int                `json:"limit,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Name               *string `json:"name,omitempty"`
	IsActive           *bool   `json:"is_active,omitempty"`
	ExecutionOrder     *int    `json:"execution_order,omitempty"`
	StopOnMatch        *bool   `json:"stop_on_match,omitempty"`
	ScheduleExpression *string `json:"schedule_expression,omitempty"`
}

// RuleUpdate specifies mutable fields of a rule.
type RuleUpdate struct {
	Name       *string                  `json:"name,omitempty"`
	Order      *int                     `json:"order,omitempty"`
	IsActive   *bool                    `json:"is_active,omitempty"`
	Conditions *schema.ConditionPayload `json:"conditions,omitempty"`
}

// ActionUpdate specifies mutable fields of an action.
type ActionUpdate struct {
	Name         *string          `json:"name,omitempty"`
	Order        *int             `json:"order,omitempty"`
	IsActive     *bool            `json:"is_active,omitempty"`
	DelayMinutes *int             `json:"delay_minutes,omitempty"`
	Config       *json.RawMessage `json:"config,omitempty"`
}

// ExecutionFilter specifies criteria for the audit query API.
type ExecutionFilter struct {
	WorkflowID        string                 `json:"workflow_id,omitempty"`
	EntityID          string                 `json:"entity_id,omitempty"`
	TriggerInstanceID string                 `json:"trigger_instance_id,omitempty"`
	Status            schema.ExecutionStatus `json:"status,omitempty"`
	Since             *time.Time             `json:"since,omitempty"`
	Until             *time.Time             `json:"until,omitempty"`
	Limit             int                    `json:"limit,omitempty"`
}
