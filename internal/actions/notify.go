package actions

import (
	"context"
	"encoding/json"

	"github.com/relvohq/automation/pkg/schema"
)

const sendNotificationConfigSchema = `{
  "type": "object",
  "properties": {
    "template_id": {"type": "string", "minLength": 1},
    "recipient": {"type": "string"}
  },
  "required": ["template_id"],
  "additionalProperties": false
}`

// SendNotificationHandler implements the send_notification action.
type SendNotificationHandler struct {
	notifier Notifier
}

// NewSendNotificationHandler creates a send_notification handler bound to a Notifier.
func NewSendNotificationHandler(n Notifier) *SendNotificationHandler {
	return &SendNotificationHandler{notifier: n}
}

func (h *SendNotificationHandler) Type() schema.ActionType { return schema.ActionSendNotification }

func (h *SendNotificationHandler) ConfigSchema() json.RawMessage {
	return json.RawMessage(sendNotificationConfigSchema)
}

func (h *SendNotificationHandler) Validate(config json.RawMessage) error {
	var cfg schema.SendNotificationConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.TemplateID == "" {
		return schema.NewError(schema.ErrCodeValidation, "send_notification: missing template_id")
	}
	return nil
}

func (h *SendNotificationHandler) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	var cfg schema.SendNotificationConfig
	if err := decodeConfig(inv.Config, &cfg); err != nil {
		return nil, err
	}

	n := Notification{
		TenantID:   inv.TenantID,
		TemplateID: cfg.TemplateID,
		Recipient:  cfg.Recipient,
		EntityType: inv.EntityType,
		EntityID:   inv.EntityID,
	}
	if err := h.notifier.Send(ctx, n); err != nil {
		// Delivery faults are transient: the notification service may recover.
		return nil, schema.NewErrorf(schema.ErrCodeActionTransient,
			"send_notification: delivery failed: %s", err.Error()).WithCause(err)
	}
	return marshalResult(n)
}
