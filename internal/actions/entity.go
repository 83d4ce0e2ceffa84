package actions

import (
	"context"
	"encoding/json"

	"github.com/relvohq/automation/pkg/schema"
)

const updateFieldConfigSchema = `{
  "type": "object",
  "properties": {
    "field": {"type": "string", "minLength": 1},
    "value": {}
  },
  "required": ["field", "value"],
  "additionalProperties": false
}`

const assignOwnerConfigSchema = `{
  "type": "object",
  "properties": {
    "user_id": {"type": "string", "minLength": 1}
  },
  "required": ["user_id"],
  "additionalProperties": false
}`

const incrementCounterConfigSchema = `{
  "type": "object",
  "properties": {
    "field": {"type": "string", "minLength": 1},
    "by": {"type": "integer"}
  },
  "required": ["field"],
  "additionalProperties": false
}`

// UpdateFieldHandler implements the update_field action.
type UpdateFieldHandler struct {
	updater EntityUpdater
}

// NewUpdateFieldHandler creates an update_field handler bound to an EntityUpdater.
func NewUpdateFieldHandler(u EntityUpdater) *UpdateFieldHandler {
	return &UpdateFieldHandler{updater: u}
}

func (h *UpdateFieldHandler) Type() schema.ActionType { return schema.ActionUpdateField }

func (h *UpdateFieldHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(updateFieldConfigSchema)
}

func (h *UpdateFieldHandler) Validate(config json.RawMessage) error {
	var cfg schema.UpdateFieldConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Field == "" {
		return schema.NewError(schema.ErrCodeValidation, "update_field: missing field")
	}
	return nil
}

func (h *UpdateFieldHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	var cfg schema.UpdateFieldConfig
	if err := decodeConfig(inv.Config, &cfg); err != nil {
		return nil, err
	}

	ref := EntityRef{TenantID: inv.TenantID, EntityType: inv.EntityType, EntityID: inv.EntityID}
	if err := h.updater.UpdateField(ctx, ref, cfg.Field, cfg.Value); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionTransient,
			"update_field: update failed: %s", err.Error()).WithCause(err)
	}
	return marshalResult(map[string]any{"field": cfg.Field, "value": cfg.Value})
}

// AssignOwnerHandler implements the assign_owner action.
type AssignOwnerHandler struct {
	updater EntityUpdater
}

// NewAssignOwnerHandler creates an assign_owner handler bound to an EntityUpdater.
func NewAssignOwnerHandler(u EntityUpdater) *AssignOwnerHandler {
	return &AssignOwnerHandler{updater: u}
}

func (h *AssignOwnerHandler) Type() schema.ActionType { return schema.ActionAssignOwner }

func (h *AssignOwnerHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(assignOwnerConfigSchema)
}

func (h *AssignOwnerHandler) Validate(config json.RawMessage) error {
	var cfg schema.AssignOwnerConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.UserID == "" {
		return schema.NewError(schema.ErrCodeValidation, "assign_owner: missing user_id")
	}
	return nil
}

func (h *AssignOwnerHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	var cfg schema.AssignOwnerConfig
	if err := decodeConfig(inv.Config, &cfg); err != nil {
		return nil, err
	}

	ref := EntityRef{TenantID: inv.TenantID, EntityType: inv.EntityType, EntityID: inv.EntityID}
	if err := h.updater.AssignOwner(ctx, ref, cfg.UserID); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionTransient,
			"assign_owner: assignment failed: %s", err.Error()).WithCause(err)
	}
	return marshalResult(map[string]any{"owner": cfg.UserID})
}

// IncrementCounterHandler implements the increment_counter action. The bump
// is computed from the snapshot and emitted as a field update, so shared
// entity state is never mutated in place during evaluation.
type IncrementCounterHandler struct {
	updater EntityUpdater
}

// NewIncrementCounterHandler creates an increment_counter handler bound to an EntityUpdater.
func NewIncrementCounterHandler(u EntityUpdater) *IncrementCounterHandler {
	return &IncrementCounterHandler{updater: u}
}

func (h *IncrementCounterHandler) Type() schema.ActionType { return schema.ActionIncrementCounter }

func (h *IncrementCounterHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(incrementCounterConfigSchema)
}

func (h *IncrementCounterHandler) Validate(config json.RawMessage) error {
	var cfg schema.IncrementCounterConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Field == "" {
		return schema.NewError(schema.ErrCodeValidation, "increment_counter: missing field")
	}
	return nil
}

func (h *IncrementCounterHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	var cfg schema.IncrementCounterConfig
	if err := decodeConfig(inv.Config, &cfg); err != nil {
		return nil, err
	}
	by := cfg.By
	if by == 0 {
		by = 1
	}

	current := 0.0
	if v, ok := inv.Snapshot[cfg.Field]; ok && v != nil {
		switch n := v.(type) {
		case float64:
			current = n
		case int:
			current = float64(n)
		case int64:
			current = float64(n)
		default:
			return nil, schema.NewErrorf(schema.ErrCodeActionPermanent,
				"increment_counter: field %q is not numeric (%T)", cfg.Field, v)
		}
	}
	next := int(current) + by

	ref := EntityRef{TenantID: inv.TenantID, EntityType: inv.EntityType, EntityID: inv.EntityID}
	if err := h.updater.UpdateField(ctx, ref, cfg.Field, next); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionTransient,
			"increment_counter: update failed: %s", err.Error()).WithCause(err)
	}
	return marshalResult(map[string]any{"field": cfg.Field, "value": next})
}
