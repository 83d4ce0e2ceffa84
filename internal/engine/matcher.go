package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/relvohq/automation/internal/conditions"
	"github.com/relvohq/automation/internal/store"
	"github.com/relvohq/automation/pkg/schema"
)

// MatchedRule is a rule whose conditions held against a snapshot, together
// with the evaluated conditions kept as proof for the audit trail.
type MatchedRule struct {
	Rule       *schema.Rule
	Conditions []schema.FieldCondition
	Logic      schema.ConditionLogic
}

// Matcher scans a workflow's rules against an entity snapshot.
type Matcher struct {
	logger *slog.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{logger: logger}
}

// MatchWorkflow evaluates the workflow's active rules against the snapshot in
// ascending (order, id) sequence. Rules whose stored conditions are malformed
// or whose evaluation errors are reported as log entries and never abort the
// scan. When the workflow is stop-on-match, scanning ends at the first match.
func (m *Matcher) MatchWorkflow(ctx context.Context, wf *schema.Workflow, snapshot map[string]any, triggerInstanceID string) ([]MatchedRule, []*store.ExecutionLogEntry) {
	rules := make([]schema.Rule, len(wf.Rules))
	copy(rules, wf.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Order != rules[j].Order {
			return rules[i].Order < rules[j].Order
		}
		return rules[i].ID < rules[j].ID
	})

	var matched []MatchedRule
	var entries []*store.ExecutionLogEntry

	for i := range rules {
		r := rules[i]
		if !r.IsActive {
			continue
		}

		if r.ConditionError != "" {
			m.logger.WarnContext(ctx, "skipping rule with malformed conditions",
				slog.String("rule_id", r.ID), slog.String("error", r.ConditionError))
			entries = append(entries, m.ruleEntry(wf, &r, triggerInstanceID,
				schema.StatusSkipped, "malformed conditions: "+r.ConditionError))
			continue
		}

		ok, err := conditions.Evaluate(snapshot, r.Conditions, r.ConditionLogic)
		if err != nil {
			m.logger.WarnContext(ctx, "condition evaluation failed",
				slog.String("rule_id", r.ID), slog.String("error", err.Error()))
			entries = append(entries, m.ruleEntry(wf, &r, triggerInstanceID,
				schema.StatusFailed, err.Error()))
			continue
		}
		if !ok {
			continue
		}

		matched = append(matched, MatchedRule{
			Rule:       &rules[i],
			Conditions: r.Conditions,
			Logic:      r.ConditionLogic,
		})
		if wf.StopOnMatch {
			break
		}
	}

	return matched, entries
}

// ruleEntry builds a rule-level log entry (no action involved).
func (m *Matcher) ruleEntry(wf *schema.Workflow, r *schema.Rule, triggerInstanceID string, status schema.ExecutionStatus, msg string) *store.ExecutionLogEntry {
	return &store.ExecutionLogEntry{
		ID:                uuid.NewString(),
		TenantID:          wf.TenantID,
		WorkflowID:        wf.ID,
		RuleID:            r.ID,
		EntityType:        wf.EntityType,
		TriggerInstanceID: triggerInstanceID,
		Status:            status,
		ErrorMessage:      msg,
		ExecutedAt:        time.Now().UTC(),
	}
}
