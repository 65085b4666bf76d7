package assignment

import (
	"context"
	"time"

	"github.com/ehr/simchat/internal/platform/notification"
)

// ActivationNotifier sends the activation template through a notification
// manager. It implements Notifier.
type ActivationNotifier struct {
	manager *notification.Manager
}

func NewActivationNotifier(manager *notification.Manager) *ActivationNotifier {
	return &ActivationNotifier{manager: manager}
}

func (n *ActivationNotifier) NotifyActivation(ctx context.Context, a *Assignment) error {
	data := map[string]string{
		"assignment_id": a.ID.String(),
		"room_id":       a.RoomID.String(),
		"due_date":      "the end of the session",
	}
	if a.EffectiveDate != nil {
		data["effective_date"] = a.EffectiveDate.UTC().Format(time.RFC3339)
	}
	if a.DueDate != nil {
		data["due_date"] = a.DueDate.UTC().Format(time.RFC3339)
	}
	_, err := n.manager.SendFromTemplate(ctx, a.ID, a.StudentID.String(), notification.TemplateAssignmentActivated, data)
	return err
}
