package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relvohq/automation/internal/actions"
	"github.com/relvohq/automation/internal/expressions"
	"github.com/relvohq/automation/internal/logging"
	"github.com/relvohq/automation/internal/store"
	"github.com/relvohq/automation/pkg/schema"
)

const (
	// DefaultActionTimeout bounds a single handler invocation.
	DefaultActionTimeout = 30 * time.Second

	// DefaultMaxAttempts bounds retries of a deferred execution.
	DefaultMaxAttempts = 3
)

// ExecRequest carries everything needed to run one action once.
type ExecRequest struct {
	Workflow          *schema.Workflow
	Rule              *schema.Rule
	Action            *schema.Action
	TenantID          string
	EntityType        string
	EntityID          string
	TriggerType       schema.TriggerType
	TriggerInstanceID string
	Snapshot          map[string]any
	OccurredAt        time.Time
}

// Executor runs single actions with idempotence, staleness re-checks,
// config interpolation and bounded execution time. Every run produces
// exactly one execution log entry; errors never propagate to the trigger
// path, they are absorbed into the entry.
type Executor struct {
	store         store.Store
	registry      *actions.Registry
	interpolator  *expressions.Interpolator
	logger        *slog.Logger
	actionTimeout time.Duration
	maxAttempts   int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithActionTimeout overrides the per-action execution timeout.
func WithActionTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.actionTimeout = d
		}
	}
}

// WithMaxAttempts overrides the retry budget for deferred executions.
func WithMaxAttempts(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(st store.Store, registry *actions.Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:         st,
		registry:      registry,
		interpolator:  expressions.NewInterpolator(),
		logger:        logger,
		actionTimeout: DefaultActionTimeout,
		maxAttempts:   DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one action end to end and returns the log entry it recorded.
// The sequence is: idempotence pre-check, active-flag re-check against the
// store, config interpolation, handler dispatch under the action timeout,
// then a single append to the execution log. Failures are absorbed into the
// entry and never surface to the trigger path.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) *store.ExecutionLogEntry {
	entry, _ := e.run(ctx, req)
	return entry
}

// run is Execute plus the classified failure, which the deferred path uses
// to decide whether a record earns another attempt.
func (e *Executor) run(ctx context.Context, req ExecRequest) (*store.ExecutionLogEntry, error) {
	ctx = logging.WithRuleID(ctx, req.Rule.ID)
	ctx = logging.WithActionID(ctx, req.Action.ID)

	key := store.IdempotencyKey{
		RuleID:            req.Rule.ID,
		ActionID:          req.Action.ID,
		EntityID:          req.EntityID,
		TriggerInstanceID: req.TriggerInstanceID,
	}

	done, err := e.store.HasSuccess(ctx, key)
	if err != nil {
		e.logger.ErrorContext(ctx, "idempotence check failed", slog.String("error", err.Error()))
		return e.record(ctx, req, schema.StatusFailed, "idempotence check: "+err.Error(), 0), err
	}
	if done {
		e.logger.InfoContext(ctx, "action already executed, skipping")
		return e.record(ctx, req, schema.StatusSkipped, "already executed for this trigger instance", 0), nil
	}

	if msg, stale := e.staleCheck(ctx, req); stale {
		e.logger.InfoContext(ctx, "configuration changed since trigger, skipping",
			slog.String("reason", msg))
		return e.record(ctx, req, schema.StatusSkipped, msg, 0), nil
	}

	config, err := e.interpolator.Resolve(req.Action.Config, &expressions.Scope{
		Entity: req.Snapshot,
		Trigger: map[string]any{
			"entity_id":    req.EntityID,
			"entity_type":  req.EntityType,
			"trigger_type": string(req.TriggerType),
			"occurred_at":  req.OccurredAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		e.logger.WarnContext(ctx, "config interpolation failed", slog.String("error", err.Error()))
		return e.record(ctx, req, schema.StatusFailed, err.Error(), 0), err
	}

	handler, err := e.registry.Get(req.Action.Type)
	if err != nil {
		return e.record(ctx, req, schema.StatusFailed, err.Error(), 0), err
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	_, execErr := handler.Execute(runCtx, actions.Invocation{
		Config:     config,
		Snapshot:   req.Snapshot,
		TenantID:   req.TenantID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
	})
	cancel()
	duration := time.Since(start).Milliseconds()

	if execErr != nil {
		execErr = e.classify(execErr, req)
		e.logger.WarnContext(ctx, "action execution failed",
			slog.String("error", execErr.Error()),
			slog.Int64("duration_ms", duration))
		return e.record(ctx, req, schema.StatusFailed, execErr.Error(), duration), execErr
	}

	e.logger.InfoContext(ctx, "action executed", slog.Int64("duration_ms", duration))
	return e.record(ctx, req, schema.StatusSuccess, "", duration), nil
}

// Defer persists a deferred execution for triggerTime + the action's delay.
// No log entry is written until the record actually runs.
func (e *Executor) Defer(ctx context.Context, req ExecRequest) (*store.ScheduledExecution, error) {
	snapshot, err := json.Marshal(req.Snapshot)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to serialize snapshot").
			WithAction(req.Action.ID).WithCause(err)
	}

	se := &store.ScheduledExecution{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		WorkflowID:        req.Workflow.ID,
		RuleID:            req.Rule.ID,
		ActionID:          req.Action.ID,
		EntityType:        req.EntityType,
		EntityID:          req.EntityID,
		TriggerInstanceID: req.TriggerInstanceID,
		Snapshot:          snapshot,
		ExecuteAt:         req.OccurredAt.Add(time.Duration(req.Action.DelayMinutes) * time.Minute),
		Status:            schema.ScheduledPending,
		MaxAttempts:       e.maxAttempts,
		CreatedAt:         time.Now().UTC(),
	}
	if err := e.store.CreateScheduledExecution(ctx, se); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "action deferred",
		slog.String("action_id", req.Action.ID),
		slog.Time("execute_at", se.ExecuteAt),
		slog.Int("delay_minutes", req.Action.DelayMinutes))
	return se, nil
}

// staleCheck re-reads the workflow, rule and action active flags from the
// store. Anything deactivated or deleted since the trigger fired makes the
// run stale.
func (e *Executor) staleCheck(ctx context.Context, req ExecRequest) (string, bool) {
	wf, err := e.store.GetWorkflow(ctx, req.Workflow.ID)
	if err != nil || !wf.IsActive {
		return staleReason("workflow", req.Workflow.ID, err), true
	}
	rule, err := e.store.GetRule(ctx, req.Rule.ID)
	if err != nil || !rule.IsActive {
		return staleReason("rule", req.Rule.ID, err), true
	}
	action, err := e.store.GetAction(ctx, req.Action.ID)
	if err != nil || !action.IsActive {
		return staleReason("action", req.Action.ID, err), true
	}
	return "", false
}

func staleReason(kind, id string, err error) string {
	var engErr *schema.EngineError
	if err != nil && errors.As(err, &engErr) && engErr.Code == schema.ErrCodeNotFound {
		return kind + " " + id + " was deleted after the trigger fired"
	}
	if err != nil {
		return kind + " " + id + " could not be re-checked: " + err.Error()
	}
	return kind + " " + id + " was deactivated after the trigger fired"
}

// classify normalizes a handler error into a transient/permanent EngineError.
func (e *Executor) classify(err error, req ExecRequest) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout,
			"action timed out after %s", e.actionTimeout).
			WithWorkflow(req.Workflow.ID).WithRule(req.Rule.ID).WithAction(req.Action.ID).
			WithCause(err)
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr
	}

	code := schema.ErrCodeActionPermanent
	if IsRetryableError(err) {
		code = schema.ErrCodeActionTransient
	}
	return schema.NewError(code, err.Error()).
		WithWorkflow(req.Workflow.ID).WithRule(req.Rule.ID).WithAction(req.Action.ID).
		WithCause(err)
}

// record appends exactly one log entry for this run. A CONFLICT on a success
// entry means another writer recorded success first, so the entry is
// downgraded to skipped. Store failures yield an unpersisted entry rather
// than an error into the trigger path.
func (e *Executor) record(ctx context.Context, req ExecRequest, status schema.ExecutionStatus, msg string, durationMs int64) *store.ExecutionLogEntry {
	entry := &store.ExecutionLogEntry{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		WorkflowID:        req.Workflow.ID,
		RuleID:            req.Rule.ID,
		ActionID:          req.Action.ID,
		EntityType:        req.EntityType,
		EntityID:          req.EntityID,
		TriggerInstanceID: req.TriggerInstanceID,
		Status:            status,
		ErrorMessage:      msg,
		DurationMs:        durationMs,
		ExecutedAt:        time.Now().UTC(),
	}

	err := e.store.AppendExecution(ctx, entry)
	if err == nil {
		return entry
	}

	var engErr *schema.EngineError
	if status == schema.StatusSuccess && errors.As(err, &engErr) && engErr.Code == schema.ErrCodeConflict {
		entry.ID = uuid.NewString()
		entry.Status = schema.StatusSkipped
		entry.ErrorMessage = "duplicate execution suppressed"
		if appendErr := e.store.AppendExecution(ctx, entry); appendErr != nil {
			e.logger.ErrorContext(ctx, "failed to append downgraded log entry",
				slog.String("error", appendErr.Error()))
		}
		return entry
	}

	e.logger.ErrorContext(ctx, "failed to append execution log entry",
		slog.String("error", err.Error()))
	return entry
}
