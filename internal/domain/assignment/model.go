package assignment

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an assignment.
type Status string

const (
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusBedside    Status = "bedside"
	StatusCompleted  Status = "completed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusBedside
}

// openStatuses are the valid predecessors of a terminal transition.
var openStatuses = []Status{StatusAssigned, StatusInProgress}

var validStatuses = map[Status]bool{
	StatusAssigned: true, StatusInProgress: true, StatusBedside: true, StatusCompleted: true,
}

// FeedbackStatus tracks the asynchronous feedback job started on completion.
type FeedbackStatus string

const (
	FeedbackPending FeedbackStatus = "pending"
	FeedbackReady   FeedbackStatus = "ready"
	FeedbackFailed  FeedbackStatus = "failed"
)

// Transition triggers, used for logging and metrics.
const (
	TriggerStudent = "student"
	TriggerPoller  = "poller"
)

var (
	ErrNotFound        = errors.New("assignment not found")
	ErrAlreadyTerminal = errors.New("assignment already finished")
)

// Assignment maps to the assignment table.
type Assignment struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	StudentID        uuid.UUID       `db:"student_id" json:"student_id"`
	RoomID           uuid.UUID       `db:"room_id" json:"room_id"`
	Status           Status          `db:"status" json:"status"`
	EffectiveDate    *time.Time      `db:"effective_date" json:"effective_date,omitempty"`
	DueDate          *time.Time      `db:"due_date" json:"due_date,omitempty"`
	CompletedAt      *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	FeedbackStatus   *FeedbackStatus `db:"feedback_status" json:"feedback_status,omitempty"`
	NotificationSent *bool           `db:"notification_sent" json:"notification_sent,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// StatusChange is a compare-and-set of the status column. It applies only
// while the stored status is one of From.
type StatusChange struct {
	From           []Status
	To             Status
	CompletedAt    *time.Time
	FeedbackStatus *FeedbackStatus
}

func (c StatusChange) allows(s Status) bool {
	for _, f := range c.From {
		if f == s {
			return true
		}
	}
	return false
}
