package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/simchat/internal/domain/assignment"
)

func containsAssignment(list []*assignment.Assignment, id uuid.UUID) bool {
	for _, a := range list {
		if a.ID == id {
			return true
		}
	}
	return false
}

func TestAssignmentRepo_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	asg := createTestAssignment(t, ctx, time.Now().Add(-time.Minute))
	repo := assignment.NewRepo(globalPool)

	got, err := repo.GetByID(ctx, asg.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != assignment.StatusAssigned {
		t.Errorf("status = %q, want assigned", got.Status)
	}
	if got.StudentID != asg.StudentID {
		t.Errorf("student = %s, want %s", got.StudentID, asg.StudentID)
	}
	if got.NotificationSent != nil {
		t.Errorf("notification_sent = %v, want NULL", *got.NotificationSent)
	}

	if _, err := repo.GetByID(ctx, uuid.New()); err != assignment.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAssignmentRepo_CompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	asg := createTestAssignment(t, ctx, time.Now().Add(-time.Minute))
	repo := assignment.NewRepo(globalPool)

	ok, err := repo.CompareAndSetStatus(ctx, asg.ID, assignment.StatusChange{
		From: []assignment.Status{assignment.StatusAssigned},
		To:   assignment.StatusInProgress,
	})
	if err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}

	ok, err = repo.CompareAndSetStatus(ctx, asg.ID, assignment.StatusChange{
		From: []assignment.Status{assignment.StatusAssigned},
		To:   assignment.StatusInProgress,
	})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if ok {
		t.Error("expected second start to lose")
	}

	now := time.Now().UTC()
	pending := assignment.FeedbackPending
	ok, err = repo.CompareAndSetStatus(ctx, asg.ID, assignment.StatusChange{
		From:           []assignment.Status{assignment.StatusAssigned, assignment.StatusInProgress},
		To:             assignment.StatusCompleted,
		CompletedAt:    &now,
		FeedbackStatus: &pending,
	})
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	got, err := repo.GetByID(ctx, asg.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != assignment.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if got.FeedbackStatus == nil || *got.FeedbackStatus != assignment.FeedbackPending {
		t.Errorf("feedback_status = %v, want pending", got.FeedbackStatus)
	}

	if err := repo.SetFeedbackStatus(ctx, asg.ID, assignment.FeedbackReady); err != nil {
		t.Fatalf("SetFeedbackStatus: %v", err)
	}
	got, _ = repo.GetByID(ctx, asg.ID)
	if got.FeedbackStatus == nil || *got.FeedbackStatus != assignment.FeedbackReady {
		t.Errorf("feedback_status = %v, want ready", got.FeedbackStatus)
	}
}

func TestAssignmentRepo_ClaimNotificationOnce(t *testing.T) {
	ctx := context.Background()
	asg := createTestAssignment(t, ctx, time.Now().Add(-time.Minute))
	repo := assignment.NewRepo(globalPool)

	ok, err := repo.ClaimNotification(ctx, asg.ID)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = repo.ClaimNotification(ctx, asg.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Error("expected second claim to lose")
	}

	got, _ := repo.GetByID(ctx, asg.ID)
	if got.NotificationSent == nil || *got.NotificationSent {
		t.Errorf("notification_sent = %v, want false", got.NotificationSent)
	}

	if err := repo.MarkNotificationSent(ctx, asg.ID); err != nil {
		t.Fatalf("MarkNotificationSent: %v", err)
	}
	got, _ = repo.GetByID(ctx, asg.ID)
	if got.NotificationSent == nil || !*got.NotificationSent {
		t.Errorf("notification_sent = %v, want true", got.NotificationSent)
	}
}

func TestAssignmentRepo_MarkWithoutClaimIsIgnored(t *testing.T) {
	ctx := context.Background()
	asg := createTestAssignment(t, ctx, time.Now().Add(-time.Minute))
	repo := assignment.NewRepo(globalPool)

	if err := repo.MarkNotificationSent(ctx, asg.ID); err != nil {
		t.Fatalf("MarkNotificationSent: %v", err)
	}
	got, _ := repo.GetByID(ctx, asg.ID)
	if got.NotificationSent != nil {
		t.Errorf("notification_sent = %v, want NULL", *got.NotificationSent)
	}
}

func TestAssignmentRepo_PollerQueries(t *testing.T) {
	ctx := context.Background()
	repo := assignment.NewRepo(globalPool)

	// A nanosecond-unique window keeps other rows out of the result.
	effective := time.Now().UTC().Add(-time.Duration(time.Now().UnixNano()%int64(time.Hour))).Truncate(time.Microsecond)
	asg := createTestAssignment(t, ctx, effective)

	active, err := repo.ListNewlyActive(ctx, effective.Add(-time.Microsecond), effective, 100)
	if err != nil {
		t.Fatalf("ListNewlyActive: %v", err)
	}
	if !containsAssignment(active, asg.ID) {
		t.Error("expected assignment in newly active window")
	}

	if _, err := repo.ClaimNotification(ctx, asg.ID); err != nil {
		t.Fatalf("ClaimNotification: %v", err)
	}
	active, err = repo.ListNewlyActive(ctx, effective.Add(-time.Microsecond), effective, 100)
	if err != nil {
		t.Fatalf("ListNewlyActive: %v", err)
	}
	if containsAssignment(active, asg.ID) {
		t.Error("notified assignment should leave the newly active window")
	}

	overdue, err := repo.ListOverdue(ctx, effective.Add(time.Microsecond), 10000)
	if err != nil {
		t.Fatalf("ListOverdue: %v", err)
	}
	if !containsAssignment(overdue, asg.ID) {
		t.Error("expected assignment to be overdue past its effective date")
	}

	if _, err := repo.CompareAndSetStatus(ctx, asg.ID, assignment.StatusChange{
		From: []assignment.Status{assignment.StatusAssigned},
		To:   assignment.StatusBedside,
	}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	overdue, err = repo.ListOverdue(ctx, effective.Add(time.Microsecond), 10000)
	if err != nil {
		t.Fatalf("ListOverdue: %v", err)
	}
	if containsAssignment(overdue, asg.ID) {
		t.Error("finished assignment should not be overdue")
	}
}
