package actions

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogNotifier is a Notifier that records deliveries to the logger. Used by
// the daemon until a real delivery service is wired, and by tests.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Send(ctx context.Context, notif Notification) error {
	n.Logger.InfoContext(ctx, "notification dispatched",
		slog.String("template_id", notif.TemplateID),
		slog.String("recipient", notif.Recipient),
		slog.String("entity_id", notif.EntityID),
	)
	return nil
}

// LogTaskService is a TaskService that records created tasks to the logger.
type LogTaskService struct {
	Logger *slog.Logger
}

func (t *LogTaskService) Create(ctx context.Context, task Task) (string, error) {
	id := uuid.New().String()
	t.Logger.InfoContext(ctx, "task created",
		slog.String("task_id", id),
		slog.String("subject", task.Subject),
		slog.String("entity_id", task.EntityID),
	)
	return id, nil
}

// LogEntityUpdater is an EntityUpdater that records updates to the logger.
type LogEntityUpdater struct {
	Logger *slog.Logger
}

func (u *LogEntityUpdater) UpdateField(ctx context.Context, ref EntityRef, field string, value any) error {
	u.Logger.InfoContext(ctx, "entity field updated",
		slog.String("entity_id", ref.EntityID),
		slog.String("field", field),
		slog.Any("value", value),
	)
	return nil
}

func (u *LogEntityUpdater) AssignOwner(ctx context.Context, ref EntityRef, userID string) error {
	u.Logger.InfoContext(ctx, "entity owner assigned",
		slog.String("entity_id", ref.EntityID),
		slog.String("user_id", userID),
	)
	return nil
}
