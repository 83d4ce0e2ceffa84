package schema

// ExecutionStatus is the terminal outcome of one action attempt.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
	StatusSkipped ExecutionStatus = "skipped"
)

// TriggerState tracks a trigger instance through the engine.
type TriggerState string

const (
	TriggerReceived  TriggerState = "received"
	TriggerMatching  TriggerState = "matching"
	TriggerExecuting TriggerState = "executing"
	TriggerCompleted TriggerState = "completed"
)

// ScheduledStatus is the lifecycle of a deferred execution record.
type ScheduledStatus string

const (
	ScheduledPending ScheduledStatus = "pending"
	ScheduledClaimed ScheduledStatus = "claimed"
	ScheduledDone    ScheduledStatus = "done"
)
