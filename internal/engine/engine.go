// Package engine matches rules against entity snapshots and executes their
// actions with idempotence guarantees and an append-only audit trail.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relvohq/automation/internal/logging"
	"github.com/relvohq/automation/internal/store"
	"github.com/relvohq/automation/pkg/schema"
)

// Backoff bounds for retrying deferred executions that failed transiently.
const (
	retryBackoffBase = time.Minute
	retryBackoffMax  = 15 * time.Minute
)

// staleClaimAfter is how long a claim may stay unsettled before it is
// treated as orphaned (crash between claim and complete/release) and put
// back in the pending queue.
const staleClaimAfter = 10 * time.Minute

// TriggerEvent is one entity lifecycle event delivered to the engine. The
// snapshot is the entity's field state at the moment the event occurred and
// is the only entity state the engine ever reads.
type TriggerEvent struct {
	TenantID    string
	EntityType  string
	EntityID    string
	TriggerType schema.TriggerType
	Snapshot    map[string]any
	OccurredAt  time.Time
}

// EntitySnapshot is one entity's field state supplied to scheduled workflows.
type EntitySnapshot struct {
	EntityID string
	Fields   map[string]any
}

// SnapshotSource supplies entity snapshots for scheduled-trigger workflows,
// which have no originating event to carry one.
type SnapshotSource interface {
	Snapshots(ctx context.Context, tenantID, entityType string) ([]EntitySnapshot, error)
}

// Engine orchestrates the trigger pipeline: workflow selection, rule
// matching, sequential action execution and deferred-action processing.
type Engine struct {
	store     store.Store
	matcher   *Matcher
	executor  *Executor
	pool      *WorkerPool
	snapshots SnapshotSource
	logger    *slog.Logger
}

// NewEngine creates an Engine. snapshots may be nil when no scheduled-trigger
// workflows are used.
func NewEngine(st store.Store, executor *Executor, pool *WorkerPool, snapshots SnapshotSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		matcher:   NewMatcher(logger),
		executor:  executor,
		pool:      pool,
		snapshots: snapshots,
		logger:    logger,
	}
}

// ProcessTrigger runs every active workflow registered for the event's
// (entity type, trigger type) pair, in execution order. Each invocation gets
// a fresh trigger instance ID, the idempotence scope for its actions. All
// evaluation and execution errors are absorbed into log entries; the returned
// slice is the complete audit record of the trigger.
func (eng *Engine) ProcessTrigger(ctx context.Context, ev TriggerEvent) []*store.ExecutionLogEntry {
	instanceID := uuid.NewString()
	ctx = logging.WithTrigger(ctx, ev.TenantID, ev.EntityID, instanceID)

	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	eng.logger.InfoContext(ctx, "trigger received",
		slog.String("entity_type", ev.EntityType),
		slog.String("trigger_type", string(ev.TriggerType)),
		slog.String("state", string(schema.TriggerReceived)))

	active := true
	workflows, err := eng.store.ListWorkflows(ctx, store.WorkflowFilter{
		TenantID:    ev.TenantID,
		EntityType:  ev.EntityType,
		TriggerType: ev.TriggerType,
		Active:      &active,
	})
	if err != nil {
		eng.logger.ErrorContext(ctx, "failed to load workflows", slog.String("error", err.Error()))
		return nil
	}

	var entries []*store.ExecutionLogEntry
	for _, wf := range workflows {
		entries = append(entries, eng.runWorkflow(ctx, wf, ev, instanceID)...)
	}

	eng.logger.InfoContext(ctx, "trigger completed",
		slog.String("state", string(schema.TriggerCompleted)),
		slog.Int("log_entries", len(entries)))
	return entries
}

// runWorkflow matches one workflow's rules and executes (or defers) the
// actions of every matched rule in strict (order, id) sequence. Action
// failures never stop the remaining actions or rules.
func (eng *Engine) runWorkflow(ctx context.Context, wf *schema.Workflow, ev TriggerEvent, instanceID string) []*store.ExecutionLogEntry {
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	eng.logger.DebugContext(ctx, "matching workflow rules",
		slog.String("state", string(schema.TriggerMatching)),
		slog.Int("rules", len(wf.Rules)))

	matched, ruleEntries := eng.matcher.MatchWorkflow(ctx, wf, ev.Snapshot, instanceID)

	var entries []*store.ExecutionLogEntry
	for _, entry := range ruleEntries {
		entry.EntityID = ev.EntityID
		if err := eng.store.AppendExecution(ctx, entry); err != nil {
			eng.logger.ErrorContext(ctx, "failed to append rule log entry",
				slog.String("error", err.Error()))
		}
		entries = append(entries, entry)
	}

	if len(matched) > 0 {
		eng.logger.InfoContext(ctx, "rules matched",
			slog.String("state", string(schema.TriggerExecuting)),
			slog.Int("matched", len(matched)))
	}

	for _, match := range matched {
		entries = append(entries, eng.runRule(ctx, wf, match, ev, instanceID)...)
	}
	return entries
}

// runRule executes a matched rule's active actions sequentially.
func (eng *Engine) runRule(ctx context.Context, wf *schema.Workflow, match MatchedRule, ev TriggerEvent, instanceID string) []*store.ExecutionLogEntry {
	ctx = logging.WithRuleID(ctx, match.Rule.ID)

	acts := make([]schema.Action, len(match.Rule.Actions))
	copy(acts, match.Rule.Actions)
	sort.SliceStable(acts, func(i, j int) bool {
		if acts[i].Order != acts[j].Order {
			return acts[i].Order < acts[j].Order
		}
		return acts[i].ID < acts[j].ID
	})

	var entries []*store.ExecutionLogEntry
	for i := range acts {
		action := &acts[i]
		if !action.IsActive {
			continue
		}

		req := ExecRequest{
			Workflow:          wf,
			Rule:              match.Rule,
			Action:            action,
			TenantID:          ev.TenantID,
			EntityType:        ev.EntityType,
			EntityID:          ev.EntityID,
			TriggerType:       ev.TriggerType,
			TriggerInstanceID: instanceID,
			Snapshot:          ev.Snapshot,
			OccurredAt:        ev.OccurredAt,
		}

		if action.DelayMinutes > 0 {
			if _, err := eng.executor.Defer(ctx, req); err != nil {
				eng.logger.ErrorContext(ctx, "failed to defer action",
					slog.String("action_id", action.ID),
					slog.String("error", err.Error()))
			}
			continue
		}

		entries = append(entries, eng.executor.Execute(ctx, req))
	}
	return entries
}

// ProcessDue claims scheduled executions whose time has come and runs each
// through the worker pool. Claims orphaned by an earlier crash are released
// back to pending first. Transient failures with remaining attempts are
// released back as pending with exponential backoff; everything else is
// marked done.
func (eng *Engine) ProcessDue(ctx context.Context, now time.Time) []*store.ExecutionLogEntry {
	released, err := eng.store.ReleaseStaleClaims(ctx, now.Add(-staleClaimAfter))
	if err != nil {
		eng.logger.ErrorContext(ctx, "failed to release stale claims", slog.String("error", err.Error()))
	} else if released > 0 {
		eng.logger.WarnContext(ctx, "released orphaned claims back to pending", slog.Int("count", released))
	}

	claimed, err := eng.store.ClaimDue(ctx, now, 0)
	if err != nil {
		eng.logger.ErrorContext(ctx, "failed to claim due executions", slog.String("error", err.Error()))
		return nil
	}
	if len(claimed) == 0 {
		return nil
	}

	eng.logger.InfoContext(ctx, "processing due executions", slog.Int("claimed", len(claimed)))

	var mu sync.Mutex
	var entries []*store.ExecutionLogEntry
	var wg sync.WaitGroup

	for _, se := range claimed {
		se := se
		wg.Add(1)
		err := eng.pool.Submit(ctx, func(ctx context.Context) {
			defer wg.Done()
			entry := eng.runDeferred(ctx, se, now)
			if entry != nil {
				mu.Lock()
				entries = append(entries, entry)
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			eng.logger.ErrorContext(ctx, "failed to submit deferred execution",
				slog.String("scheduled_id", se.ID), slog.String("error", err.Error()))
		}
	}

	wg.Wait()
	return entries
}

// runDeferred executes one claimed record and settles its lifecycle.
func (eng *Engine) runDeferred(ctx context.Context, se *store.ScheduledExecution, now time.Time) *store.ExecutionLogEntry {
	ctx = logging.WithTrigger(ctx, se.TenantID, se.EntityID, se.TriggerInstanceID)
	ctx = logging.WithWorkflowID(ctx, se.WorkflowID)

	req, skipReason := eng.buildDeferredRequest(ctx, se)
	if skipReason != "" {
		entry := &store.ExecutionLogEntry{
			ID:                uuid.NewString(),
			TenantID:          se.TenantID,
			WorkflowID:        se.WorkflowID,
			RuleID:            se.RuleID,
			ActionID:          se.ActionID,
			EntityType:        se.EntityType,
			EntityID:          se.EntityID,
			TriggerInstanceID: se.TriggerInstanceID,
			Status:            schema.StatusSkipped,
			ErrorMessage:      skipReason,
			ExecutedAt:        time.Now().UTC(),
		}
		if err := eng.store.AppendExecution(ctx, entry); err != nil {
			eng.logger.ErrorContext(ctx, "failed to append skip entry", slog.String("error", err.Error()))
		}
		eng.complete(ctx, se.ID)
		return entry
	}

	entry, execErr := eng.executor.run(ctx, *req)

	if execErr != nil && IsRetryableError(execErr) && se.Attempts < se.MaxAttempts {
		nextAt := now.Add(ComputeBackoff(retryBackoffBase, retryBackoffMax, se.Attempts))
		if err := eng.store.ReleaseScheduled(ctx, se.ID, nextAt, execErr.Error()); err != nil {
			eng.logger.ErrorContext(ctx, "failed to release for retry", slog.String("error", err.Error()))
		} else {
			eng.logger.InfoContext(ctx, "deferred action released for retry",
				slog.Int("attempt", se.Attempts),
				slog.Time("next_at", nextAt))
		}
		return entry
	}

	eng.complete(ctx, se.ID)
	return entry
}

// buildDeferredRequest reloads the workflow tree referenced by a deferred
// record. A missing piece means configuration changed while the record
// waited, which skips the run rather than failing it.
func (eng *Engine) buildDeferredRequest(ctx context.Context, se *store.ScheduledExecution) (*ExecRequest, string) {
	wf, err := eng.store.GetWorkflow(ctx, se.WorkflowID)
	if err != nil {
		return nil, "workflow " + se.WorkflowID + " no longer exists"
	}
	rule, err := eng.store.GetRule(ctx, se.RuleID)
	if err != nil {
		return nil, "rule " + se.RuleID + " no longer exists"
	}
	action, err := eng.store.GetAction(ctx, se.ActionID)
	if err != nil {
		return nil, "action " + se.ActionID + " no longer exists"
	}

	var snapshot map[string]any
	if len(se.Snapshot) > 0 {
		if err := json.Unmarshal(se.Snapshot, &snapshot); err != nil {
			return nil, "stored snapshot is unreadable: " + err.Error()
		}
	}

	return &ExecRequest{
		Workflow:          wf,
		Rule:              rule,
		Action:            action,
		TenantID:          se.TenantID,
		EntityType:        se.EntityType,
		EntityID:          se.EntityID,
		TriggerType:       wf.TriggerType,
		TriggerInstanceID: se.TriggerInstanceID,
		Snapshot:          snapshot,
		OccurredAt:        se.ExecuteAt,
	}, ""
}

func (eng *Engine) complete(ctx context.Context, id string) {
	if err := eng.store.CompleteScheduled(ctx, id); err != nil {
		eng.logger.ErrorContext(ctx, "failed to complete scheduled execution",
			slog.String("scheduled_id", id), slog.String("error", err.Error()))
	}
}

// FireScheduled runs one scheduled-trigger workflow for one tick. Every
// entity snapshot from the source is evaluated under a single trigger
// instance, so re-firing the same tick cannot re-run succeeded actions.
func (eng *Engine) FireScheduled(ctx context.Context, wf *schema.Workflow, now time.Time) []*store.ExecutionLogEntry {
	if eng.snapshots == nil {
		eng.logger.WarnContext(ctx, "no snapshot source configured, skipping scheduled workflow",
			slog.String("workflow_id", wf.ID))
		return nil
	}

	instanceID := uuid.NewString()
	ctx = logging.WithTenantID(ctx, wf.TenantID)
	ctx = logging.WithTriggerInstanceID(ctx, instanceID)

	snaps, err := eng.snapshots.Snapshots(ctx, wf.TenantID, wf.EntityType)
	if err != nil {
		eng.logger.ErrorContext(ctx, "failed to load entity snapshots",
			slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
		return nil
	}

	var entries []*store.ExecutionLogEntry
	for _, snap := range snaps {
		ev := TriggerEvent{
			TenantID:    wf.TenantID,
			EntityType:  wf.EntityType,
			EntityID:    snap.EntityID,
			TriggerType: schema.TriggerScheduled,
			Snapshot:    snap.Fields,
			OccurredAt:  now,
		}
		entryCtx := logging.WithEntityID(ctx, snap.EntityID)
		entries = append(entries, eng.runWorkflow(entryCtx, wf, ev, instanceID)...)
	}
	return entries
}

// PoolMetricsSnapshot exposes the worker pool's counters for diagnostics.
func (eng *Engine) PoolMetricsSnapshot() PoolMetrics {
	return eng.pool.Metrics()
}
