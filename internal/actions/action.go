// Package actions holds the closed set of action handlers the engine can
// dispatch to, plus the collaborator interfaces the handlers invoke. Delivery
// mechanics (mail, task queues, record writes) live behind the collaborators;
// the handlers only translate validated configs into collaborator calls.
package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relvohq/automation/pkg/schema"
)

// Handler executes one action variant. Handlers are registered once at
// startup; unknown variants are rejected at workflow-save time.
type Handler interface {
	Type() schema.ActionType
	// ConfigSchema returns the JSON Schema the action's config must satisfy.
	ConfigSchema() json.RawMessage
	Validate(config json.RawMessage) error
	Execute(ctx context.Context, inv Invocation) (*Result, error)
}

// Invocation is the data provided to a handler at execution time. The
// snapshot is the immutable field map taken when the trigger fired; handlers
// must not reach back into the record store for entity state.
type Invocation struct {
	Config     json.RawMessage
	Snapshot   map[string]any
	TenantID   string
	EntityType string
	EntityID   string
}

// Result is the outcome of a handler execution.
type Result struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// --- Collaborator interfaces ---

// Notifier delivers notifications. The engine only invokes delivery; routing,
// templating and transport are external.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Notification is a rendered-notification request.
type Notification struct {
	TenantID   string `json:"tenant_id,omitempty"`
	TemplateID string `json:"template_id"`
	Recipient  string `json:"recipient,omitempty"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// TaskService creates follow-up tasks in the records application.
type TaskService interface {
	Create(ctx context.Context, t Task) (string, error)
}

// Task is a follow-up task request.
type Task struct {
	TenantID   string    `json:"tenant_id,omitempty"`
	Subject    string    `json:"subject"`
	DueAt      time.Time `json:"due_at,omitempty"`
	AssigneeID string    `json:"assignee_id,omitempty"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
}

// EntityUpdater applies field-level updates to records. Updates are emitted
// as explicit events against the store, never as in-place mutation of the
// snapshot the engine evaluated.
type EntityUpdater interface {
	UpdateField(ctx context.Context, ref EntityRef, field string, value any) error
	AssignOwner(ctx context.Context, ref EntityRef, userID string) error
}

// EntityRef identifies one record.
type EntityRef struct {
	TenantID   string `json:"tenant_id,omitempty"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// decodeConfig unmarshals an action config strictly, so unknown fields are
// caught at save time rather than silently ignored.
func decodeConfig(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "action config is empty")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "malformed action config").WithCause(err)
	}
	return nil
}

func marshalResult(v any) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionPermanent, "failed to marshal action output").WithCause(err)
	}
	return &Result{Data: data}, nil
}
