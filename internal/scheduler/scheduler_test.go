package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relvohq/automation/internal/store"
	"github.com/relvohq/automation/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu        sync.Mutex
	workflows map[string]*schema.Workflow
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{workflows: make(map[string]*schema.Workflow)}
}

func (m *mockSchedulerStore) put(wf *schema.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.ID] = &cp
}

func (m *mockSchedulerStore) get(id string) *schema.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil
	}
	cp := *wf
	return &cp
}

func (m *mockSchedulerStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*schema.Workflow
	for _, wf := range m.workflows {
		if filter.TriggerType != "" && wf.TriggerType != filter.TriggerType {
			continue
		}
		if filter.Active != nil && wf.IsActive != *filter.Active {
			continue
		}
		if filter.DueBefore != nil {
			if wf.NextRunAt == nil || wf.NextRunAt.After(*filter.DueBefore) {
				continue
			}
		}
		cp := *wf
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockSchedulerStore) UpdateWorkflowRun(_ context.Context, id string, lastRun, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil
	}
	wf.LastRunAt = &lastRun
	wf.NextRunAt = &nextRun
	return nil
}

// mockRunner tracks engine handoffs.
type mockRunner struct {
	mu         sync.Mutex
	fired      []string
	dueCallsN  int
}

func (r *mockRunner) ProcessDue(_ context.Context, _ time.Time) []*store.ExecutionLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dueCallsN++
	return nil
}

func (r *mockRunner) FireScheduled(_ context.Context, wf *schema.Workflow, _ time.Time) []*store.ExecutionLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, wf.ID)
	return nil
}

func (r *mockRunner) firedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func (r *mockRunner) dueCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dueCallsN
}

func newTestScheduler(s store.Store, runner TriggerRunner) *Scheduler {
	return NewScheduler(s, runner, time.Second, slog.Default())
}

func scheduledWorkflow(id string, active bool, nextRun *time.Time) *schema.Workflow {
	return &schema.Workflow{
		ID:                 id,
		Name:               "nightly " + id,
		EntityType:         "ticket",
		TriggerType:        schema.TriggerScheduled,
		ScheduleExpression: "0 * * * *",
		IsActive:           active,
		NextRunAt:          nextRun,
	}
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickFiresDueWorkflows(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	ms.put(scheduledWorkflow("wf-1", true, &past))

	sched.Tick(ctx)

	assert.Equal(t, 1, runner.firedCount())
	assert.Equal(t, 1, runner.dueCalls())

	got := ms.get("wf-1")
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestTickSkipsNotDueWorkflows(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)
	ms.put(scheduledWorkflow("wf-future", true, &future))

	sched.Tick(ctx)

	assert.Equal(t, 0, runner.firedCount())
	// Deferred-action processing still runs every tick.
	assert.Equal(t, 1, runner.dueCalls())
}

func TestTickSkipsInactiveWorkflows(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	ms.put(scheduledWorkflow("wf-off", false, &past))

	sched.Tick(ctx)

	assert.Equal(t, 0, runner.firedCount())
}

func TestTickWithNilNextRun(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()

	// Never-scheduled workflow fires on the first tick.
	ms.put(scheduledWorkflow("wf-new", true, nil))

	sched.Tick(ctx)

	assert.Equal(t, 1, runner.firedCount())
	got := ms.get("wf-new")
	require.NotNil(t, got.NextRunAt)
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)
	ms.put(scheduledWorkflow("wf-missed", true, &past))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, runner.firedCount())

	got := ms.get("wf-missed")
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestMissedRecoverySkipsNeverScheduled(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()

	// No next_run_at recorded yet: not missed, the first tick handles it.
	ms.put(scheduledWorkflow("wf-new", true, nil))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 0, runner.firedCount())
}

func TestDedupPreventsDoubleFire(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	ms.put(scheduledWorkflow("wf-dedup", true, &past))

	// Pre-acquire to simulate an in-flight firing.
	require.True(t, sched.tryAcquire("wf-dedup"))

	sched.Tick(ctx)
	assert.Equal(t, 0, runner.firedCount())

	// Release and tick again.
	sched.release("wf-dedup")
	sched.Tick(ctx)
	assert.Equal(t, 1, runner.firedCount())
}

func TestMultipleWorkflowsSomeDue(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	ms.put(scheduledWorkflow("due-1", true, &past))
	ms.put(scheduledWorkflow("not-due", true, &future))
	ms.put(scheduledWorkflow("due-2", true, nil))

	sched.Tick(ctx)

	assert.Equal(t, 2, runner.firedCount())
	runner.mu.Lock()
	fired := append([]string(nil), runner.fired...)
	runner.mu.Unlock()
	assert.Contains(t, fired, "due-1")
	assert.Contains(t, fired, "due-2")
	assert.NotContains(t, fired, "not-due")
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}
