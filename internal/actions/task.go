package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relvohq/automation/pkg/schema"
)

const createTaskConfigSchema = `{
  "type": "object",
  "properties": {
    "subject": {"type": "string", "minLength": 1},
    "due_in_minutes": {"type": "integer", "minimum": 0},
    "assignee_id": {"type": "string"}
  },
  "required": ["subject"],
  "additionalProperties": false
}`

// CreateTaskHandler implements the create_task action.
type CreateTaskHandler struct {
	tasks TaskService
}

// NewCreateTaskHandler creates a create_task handler bound to a TaskService.
func NewCreateTaskHandler(ts TaskService) *CreateTaskHandler {
	return &CreateTaskHandler{tasks: ts}
}

func (h *CreateTaskHandler) Type() schema.ActionType { return schema.ActionCreateTask }

func (h *CreateTaskHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(createTaskConfigSchema)
}

func (h *CreateTaskHandler) Validate(config json.RawMessage) error {
	var cfg schema.CreateTaskConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Subject == "" {
		return schema.NewError(schema.ErrCodeValidation, "create_task: missing subject")
	}
	if cfg.DueInMinutes < 0 {
		return schema.NewError(schema.ErrCodeValidation, "create_task: due_in_minutes must be >= 0")
	}
	return nil
}

func (h *CreateTaskHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	var cfg schema.CreateTaskConfig
	if err := decodeConfig(inv.Config, &cfg); err != nil {
		return nil, err
	}

	t := Task{
		TenantID:   inv.TenantID,
		Subject:    cfg.Subject,
		AssigneeID: cfg.AssigneeID,
		EntityType: inv.EntityType,
		EntityID:   inv.EntityID,
	}
	if cfg.DueInMinutes > 0 {
		t.DueAt = time.Now().UTC().Add(time.Duration(cfg.DueInMinutes) * time.Minute)
	}

	taskID, err := h.tasks.Create(ctx, t)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionTransient,
			"create_task: task creation failed: %s", err.Error()).WithCause(err)
	}
	return marshalResult(map[string]any{"task_id": taskID})
}
