// Package validation checks workflow, rule and action payloads at save time,
// so the engine never meets an unknown action variant or a structurally
// invalid condition set at execution time.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/relvohq/automation/internal/actions"
	"github.com/relvohq/automation/pkg/schema"
)

// conditionPayloadSchema is the JSON Schema for a rule's condition set.
const conditionPayloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://relvo.dev/schemas/conditions.json",
  "type": "object",
  "required": ["logic", "conditions"],
  "properties": {
    "logic": {"type": "string", "enum": ["and", "or"]},
    "conditions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field", "operator"],
        "properties": {
          "field": {"type": "string", "minLength": 1},
          "operator": {
            "type": "string",
            "enum": ["eq", "neq", "gt", "lt", "contains", "is_null", "is_not_null", "in"]
          },
          "value": {}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// Validator validates workflow trees against JSON Schema Draft 2020-12 and
// the registered action handlers. It is safe for concurrent use.
type Validator struct {
	conditionSchema *jsonschema.Schema
	registry        *actions.Registry
	cronParser      cron.Parser

	// mu guards the per-action-type compiled schema cache.
	mu    sync.RWMutex
	cache map[schema.ActionType]*jsonschema.Schema
}

// NewValidator creates a Validator with the condition schema pre-compiled.
func NewValidator(registry *actions.Registry) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(conditionPayloadSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal condition schema: %w", err)
	}
	if err := c.AddResource("https://relvo.dev/schemas/conditions.json", doc); err != nil {
		return nil, fmt.Errorf("add condition schema resource: %w", err)
	}
	compiled, err := c.Compile("https://relvo.dev/schemas/conditions.json")
	if err != nil {
		return nil, fmt.Errorf("compile condition schema: %w", err)
	}

	return &Validator{
		conditionSchema: compiled,
		registry:        registry,
		cronParser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cache:           make(map[schema.ActionType]*jsonschema.Schema),
	}, nil
}

// ValidateWorkflow validates a full workflow tree: trigger/schedule shape,
// every rule's condition payload, every action's type and config.
func (v *Validator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if wf.EntityType == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow entity_type is empty").WithWorkflow(wf.ID)
	}

	switch wf.TriggerType {
	case schema.TriggerCreate, schema.TriggerUpdate, schema.TriggerDelete:
		if wf.ScheduleExpression != "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"schedule_expression is only valid for scheduled workflows").WithWorkflow(wf.ID)
		}
	case schema.TriggerScheduled:
		if wf.ScheduleExpression == "" {
			return schema.NewError(schema.ErrCodeValidation,
				"scheduled workflow requires a schedule_expression").WithWorkflow(wf.ID)
		}
		if _, err := v.cronParser.Parse(wf.ScheduleExpression); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"invalid schedule_expression %q: %s", wf.ScheduleExpression, err.Error()).
				WithWorkflow(wf.ID).WithCause(err)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown trigger type %q", wf.TriggerType).WithWorkflow(wf.ID)
	}

	for i := range wf.Rules {
		if err := v.ValidateRule(&wf.Rules[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRule validates a rule's condition payload and every owned action.
func (v *Validator) ValidateRule(r *schema.Rule) error {
	payload, err := json.Marshal(schema.ConditionPayload{Logic: r.ConditionLogic, Conditions: r.Conditions})
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize conditions").
			WithRule(r.ID).WithCause(err)
	}
	if err := v.ValidateConditionPayload(payload); err != nil {
		if engErr, ok := err.(*schema.EngineError); ok {
			return engErr.WithRule(r.ID)
		}
		return err
	}

	for i := range r.Actions {
		if err := v.registry.ValidateAction(&r.Actions[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConditionPayload validates the raw JSON form of a condition set.
func (v *Validator) ValidateConditionPayload(payload json.RawMessage) error {
	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "malformed condition payload").WithCause(err)
	}
	if err := v.conditionSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateActionConfig validates an action config against the handler's
// declared schema, compiling and caching the schema per action type.
func (v *Validator) ValidateActionConfig(t schema.ActionType, config json.RawMessage) error {
	h, err := v.registry.Get(t)
	if err != nil {
		return err
	}

	compiled, err := v.getOrCompile(t, h.ConfigSchema())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid config schema for %q", t).WithCause(err)
	}

	doc, err := toJSONValue(config)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "malformed action config").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *Validator) getOrCompile(t schema.ActionType, schemaBytes json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if cached, ok := v.cache[t]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[t]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaBytes)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("relvo://action-config/%s", t)
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[t] = compiled
	return compiled, nil
}

// toJSONValue round-trips a value through JSON decoding so numeric values
// become json.Number (required by the jsonschema library).
func toJSONValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with per-violation messages.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
