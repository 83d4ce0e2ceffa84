package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	tenantIDKey ctxKey = iota
	workflowIDKey
	ruleIDKey
	actionIDKey
	entityIDKey
	triggerInstanceKey
)

// WithTenantID returns a context with the tenant ID set.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithRuleID returns a context with the rule ID set.
func WithRuleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ruleIDKey, id)
}

// WithActionID returns a context with the action ID set.
func WithActionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actionIDKey, id)
}

// WithEntityID returns a context with the entity ID set.
func WithEntityID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, entityIDKey, id)
}

// WithTriggerInstanceID returns a context with the trigger instance ID set.
func WithTriggerInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, triggerInstanceKey, id)
}

// TenantID extracts the tenant ID from the context, or "" if absent.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowIDKey).(string)
	return v
}

// RuleID extracts the rule ID from the context, or "" if absent.
func RuleID(ctx context.Context) string {
	v, _ := ctx.Value(ruleIDKey).(string)
	return v
}

// ActionID extracts the action ID from the context, or "" if absent.
func ActionID(ctx context.Context) string {
	v, _ := ctx.Value(actionIDKey).(string)
	return v
}

// EntityID extracts the entity ID from the context, or "" if absent.
func EntityID(ctx context.Context) string {
	v, _ := ctx.Value(entityIDKey).(string)
	return v
}

// TriggerInstanceID extracts the trigger instance ID from the context, or "" if absent.
func TriggerInstanceID(ctx context.Context) string {
	v, _ := ctx.Value(triggerInstanceKey).(string)
	return v
}

// WithTrigger sets the correlation IDs established when a trigger fires.
func WithTrigger(ctx context.Context, tenantID, entityID, triggerInstanceID string) context.Context {
	ctx = WithTenantID(ctx, tenantID)
	ctx = WithEntityID(ctx, entityID)
	ctx = WithTriggerInstanceID(ctx, triggerInstanceID)
	return ctx
}

// correlationAttrs collects the non-empty correlation IDs from the context.
func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := TenantID(ctx); v != "" {
		attrs = append(attrs, slog.String("tenant_id", v))
	}
	if v := WorkflowID(ctx); v != "" {
		attrs = append(attrs, slog.String("workflow_id", v))
	}
	if v := RuleID(ctx); v != "" {
		attrs = append(attrs, slog.String("rule_id", v))
	}
	if v := ActionID(ctx); v != "" {
		attrs = append(attrs, slog.String("action_id", v))
	}
	if v := EntityID(ctx); v != "" {
		attrs = append(attrs, slog.String("entity_id", v))
	}
	if v := TriggerInstanceID(ctx); v != "" {
		attrs = append(attrs, slog.String("trigger_instance_id", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
