package assignment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, a *Assignment) error
	// GetByID returns ErrNotFound when no row matches.
	GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error)
	// CompareAndSetStatus applies change and reports whether it won.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, change StatusChange) (bool, error)
	SetFeedbackStatus(ctx context.Context, id uuid.UUID, status FeedbackStatus) error
	// ClaimNotification moves notification_sent from NULL to false and
	// reports whether this caller won the single activation attempt.
	ClaimNotification(ctx context.Context, id uuid.UUID) (bool, error)
	// MarkNotificationSent flips a claimed notification_sent from false to true.
	MarkNotificationSent(ctx context.Context, id uuid.UUID) error
	// ListOverdue returns open assignments whose effective date is before cutoff.
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]*Assignment, error)
	// ListNewlyActive returns assignments with effective date in (since, now]
	// that were never notified.
	ListNewlyActive(ctx context.Context, since, now time.Time, limit int) ([]*Assignment, error)
}
