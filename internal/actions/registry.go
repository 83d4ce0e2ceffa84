package actions

import (
	"sort"
	"sync"

	"github.com/relvohq/automation/pkg/schema"
)

// Registry is the thread-safe lookup table from action type to handler.
// It is populated once at startup; dispatch is a closed variant set.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.ActionType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[schema.ActionType]Handler),
	}
}

// Register adds a handler to the registry. Returns error on duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	t := h.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler action type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", t)
	}

	r.handlers[t] = h
	return nil
}

// Get retrieves a handler by action type.
func (r *Registry) Get(t schema.ActionType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown action type %q", t)
	}
	return h, nil
}

// Has checks if a handler is registered for the action type.
func (r *Registry) Has(t schema.ActionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []schema.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidateAction checks an action's type and config against the registered
// handler. Used by the management surface at save time so invalid actions
// never reach execution.
func (r *Registry) ValidateAction(a *schema.Action) error {
	h, err := r.Get(a.Type)
	if err != nil {
		return err
	}
	if err := h.Validate(a.Config); err != nil {
		if engErr, ok := err.(*schema.EngineError); ok {
			return engErr.WithAction(a.ID)
		}
		return err
	}
	if a.DelayMinutes < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"delay_minutes must be >= 0, got %d", a.DelayMinutes).WithAction(a.ID)
	}
	return nil
}

// RegisterBuiltins wires the full closed variant set against the given
// collaborators.
func RegisterBuiltins(r *Registry, notifier Notifier, tasks TaskService, updater EntityUpdater, webhookCfg WebhookConfig) error {
	handlers := []Handler{
		NewSendNotificationHandler(notifier),
		NewCreateTaskHandler(tasks),
		NewUpdateFieldHandler(updater),
		NewIncrementCounterHandler(updater),
		NewAssignOwnerHandler(updater),
		NewInvokeWebhookHandler(webhookCfg),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
