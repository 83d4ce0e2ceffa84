package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeCondition       = "CONDITION_ERROR"
	ErrCodeActionTransient = "ACTION_TRANSIENT"
	ErrCodeActionPermanent = "ACTION_PERMANENT"
	ErrCodeStateChanged    = "STATE_CHANGED"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeInterpolation   = "INTERPOLATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeStore           = "STORE_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	RuleID     string         `json:"rule_id,omitempty"`
	ActionID   string         `json:"action_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *EngineError) Error() string {
	switch {
	case e.ActionID != "":
		return fmt.Sprintf("[%s] action %s: %s", e.Code, e.ActionID, e.Message)
	case e.RuleID != "":
		return fmt.Sprintf("[%s] rule %s: %s", e.Code, e.RuleID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a later scheduler pass may retry the failed
// operation. Only transient action failures and timeouts qualify.
func (e *EngineError) IsRetryable() bool {
	return e.Code == ErrCodeActionTransient || e.Code == ErrCodeTimeout
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithWorkflow attaches a workflow ID to the error.
func (e *EngineError) WithWorkflow(workflowID string) *EngineError {
	e.WorkflowID = workflowID
	return e
}

// WithRule attaches a rule ID to the error.
func (e *EngineError) WithRule(ruleID string) *EngineError {
	e.RuleID = ruleID
	return e
}

// WithAction attaches an action ID to the error.
func (e *EngineError) WithAction(actionID string) *EngineError {
	e.ActionID = actionID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
