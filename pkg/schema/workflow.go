package schema

import (
	"encoding/json"
	"time"
)

// TriggerType is the lifecycle event or schedule tick a workflow reacts to.
type TriggerType string

const (
	TriggerCreate    TriggerType = "create"
	TriggerUpdate    TriggerType = "update"
	TriggerDelete    TriggerType = "delete"
	TriggerScheduled TriggerType = "scheduled"
)

// ConditionLogic combines a rule's field conditions.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "and"
	LogicOr  ConditionLogic = "or"
)

// Operator compares a snapshot field against a condition value.
type Operator string

const (
	OpEquals    Operator = "eq"
	OpNotEquals Operator = "neq"
	OpGreater   Operator = "gt"
	OpLess      Operator = "lt"
	OpContains  Operator = "contains"
	OpIsNull    Operator = "is_null"
	OpIsNotNull Operator = "is_not_null"
	OpIn        Operator = "in"
)

// ActionType is the closed set of executable action variants.
// Unknown types are rejected at workflow-save time, never at execution time.
type ActionType string

const (
	ActionSendNotification ActionType = "send_notification"
	ActionCreateTask       ActionType = "create_task"
	ActionUpdateField      ActionType = "update_field"
	ActionInvokeWebhook    ActionType = "invoke_webhook"
	ActionAssignOwner      ActionType = "assign_owner"
	ActionIncrementCounter ActionType = "increment_counter"
)

// Workflow is a named, ordered collection of rules scoped to one entity type
// and trigger type.
type Workflow struct {
	ID                 string      `json:"id"`
	TenantID           string      `json:"tenant_id"`
	Name               string      `json:"name"`
	EntityType         string      `json:"entity_type"`
	TriggerType        TriggerType `json:"trigger_type"`
	ScheduleExpression string      `json:"schedule_expression,omitempty"` // 5-field cron, scheduled trigger only
	IsActive           bool        `json:"is_active"`
	ExecutionOrder     int         `json:"execution_order"`
	StopOnMatch        bool        `json:"stop_on_match"`
	Rules              []Rule      `json:"rules,omitempty"`
	LastRunAt          *time.Time  `json:"last_run_at,omitempty"` // scheduled trigger bookkeeping
	NextRunAt          *time.Time  `json:"next_run_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Rule is an ordered condition set within a workflow. When it matches, its
// actions run in order.
type Rule struct {
	ID             string           `json:"id"`
	WorkflowID     string           `json:"workflow_id"`
	Name           string           `json:"name"`
	Order          int              `json:"order"`
	Conditions     []FieldCondition `json:"conditions"`
	ConditionLogic ConditionLogic   `json:"condition_logic"`
	IsActive       bool             `json:"is_active"`
	Actions        []Action         `json:"actions,omitempty"`

	// ConditionError is set by the store when a persisted condition payload
	// could not be decoded. The matcher records such rules as skipped instead
	// of evaluating them.
	ConditionError string `json:"-"`
}

// FieldCondition compares one snapshot field against a literal value.
// Conditions form a flat list; there is no nested grouping.
type FieldCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// ConditionPayload is the JSON wire form of a rule's condition set.
type ConditionPayload struct {
	Logic      ConditionLogic   `json:"logic"`
	Conditions []FieldCondition `json:"conditions"`
}

// Action is a single side-effecting operation with an optional delay.
// Config is interpreted per Type; it is validated against the handler's
// schema when the action is saved.
type Action struct {
	ID           string          `json:"id"`
	RuleID       string          `json:"rule_id"`
	Name         string          `json:"name,omitempty"`
	Type         ActionType      `json:"type"`
	Config       json.RawMessage `json:"config,omitempty"`
	DelayMinutes int             `json:"delay_minutes"`
	Order        int             `json:"order"`
	IsActive     bool            `json:"is_active"`
}

// --- Typed action configs ---

// SendNotificationConfig configures the send_notification action.
type SendNotificationConfig struct {
	TemplateID string `json:"template_id"`
	Recipient  string `json:"recipient,omitempty"`
}

// CreateTaskConfig configures the create_task action.
type CreateTaskConfig struct {
	Subject      string `json:"subject"`
	DueInMinutes int    `json:"due_in_minutes,omitempty"`
	AssigneeID   string `json:"assignee_id,omitempty"`
}

// UpdateFieldConfig configures the update_field action.
type UpdateFieldConfig struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// InvokeWebhookConfig configures the invoke_webhook action.
type InvokeWebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // GET, POST, PUT (default POST)
	Headers map[string]string `json:"headers,omitempty"`
}

// AssignOwnerConfig configures the assign_owner action.
type AssignOwnerConfig struct {
	UserID string `json:"user_id"`
}

// IncrementCounterConfig configures the increment_counter action. Counter
// bumps are emitted as field-update events rather than mutated in place.
type IncrementCounterConfig struct {
	Field string `json:"field"`
	By    int    `json:"by,omitempty"` // default 1
}
