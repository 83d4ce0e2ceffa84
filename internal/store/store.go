package store

import (
	"context"
	"time"

	"github.com/relvohq/automation/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows. CreateWorkflow persists the whole workflow tree
	// (rules and actions included).
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	DeleteWorkflow(ctx context.Context, id string) error
	// UpdateWorkflowRun records scheduled-trigger bookkeeping.
	UpdateWorkflowRun(ctx context.Context, id string, lastRun, nextRun time.Time) error

	// Rules and actions, ordered ascending by (order, id).
	ListRules(ctx context.Context, workflowID string) ([]*schema.Rule, error)
	GetRule(ctx context.Context, id string) (*schema.Rule, error)
	UpdateRule(ctx context.Context, id string, update RuleUpdate) error
	ListActions(ctx context.Context, ruleID string) ([]*schema.Action, error)
	GetAction(ctx context.Context, id string) (*schema.Action, error)
	UpdateAction(ctx context.Context, id string, update ActionUpdate) error

	// Execution log (append-only). AppendExecution returns a CONFLICT
	// EngineError when a success entry for the same idempotency key already
	// exists; racing writers use that to downgrade to a skipped entry.
	AppendExecution(ctx context.Context, entry *ExecutionLogEntry) error
	HasSuccess(ctx context.Context, key IdempotencyKey) (bool, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionLogEntry, error)

	// Deferred actions. ClaimDue atomically flips due pending records to
	// claimed (incrementing attempts) so concurrent pollers never share one.
	CreateScheduledExecution(ctx context.Context, se *ScheduledExecution) error
	GetScheduledExecution(ctx context.Context, id string) (*ScheduledExecution, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledExecution, error)
	CompleteScheduled(ctx context.Context, id string) error
	ReleaseScheduled(ctx context.Context, id string, nextAt time.Time, lastError string) error
	// ReleaseStaleClaims flips claimed records whose claim is older than
	// cutoff back to pending, recovering work orphaned by a crash between
	// claim and settle. Returns how many records were released.
	ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
