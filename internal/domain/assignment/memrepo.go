package assignment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository for local runs and tests.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Assignment
	now  func() time.Time

	// Writes counts successful status writes, per assignment.
	Writes map[uuid.UUID]int
}

func NewMemoryRepo(now func() time.Time) *MemoryRepo {
	return &MemoryRepo{
		rows:   make(map[uuid.UUID]*Assignment),
		now:    now,
		Writes: make(map[uuid.UUID]int),
	}
}

func (r *MemoryRepo) Create(_ context.Context, a *Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusAssigned
	}
	a.CreatedAt = r.now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	r.rows[a.ID] = &cp
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepo) CompareAndSetStatus(_ context.Context, id uuid.UUID, change StatusChange) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return false, ErrNotFound
	}
	if !change.allows(a.Status) {
		return false, nil
	}
	a.Status = change.To
	if change.CompletedAt != nil {
		t := *change.CompletedAt
		a.CompletedAt = &t
	}
	if change.FeedbackStatus != nil {
		fs := *change.FeedbackStatus
		a.FeedbackStatus = &fs
	}
	a.UpdatedAt = r.now()
	r.Writes[id]++
	return true, nil
}

func (r *MemoryRepo) SetFeedbackStatus(_ context.Context, id uuid.UUID, status FeedbackStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	a.FeedbackStatus = &status
	a.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepo) ClaimNotification(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return false, ErrNotFound
	}
	if a.NotificationSent != nil {
		return false, nil
	}
	sent := false
	a.NotificationSent = &sent
	a.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepo) MarkNotificationSent(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	if a.NotificationSent == nil || *a.NotificationSent {
		return nil
	}
	sent := true
	a.NotificationSent = &sent
	a.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepo) ListOverdue(_ context.Context, cutoff time.Time, limit int) ([]*Assignment, error) {
	return r.list(limit, func(a *Assignment) bool {
		return !a.Status.Terminal() && a.EffectiveDate != nil && a.EffectiveDate.Before(cutoff)
	}), nil
}

func (r *MemoryRepo) ListNewlyActive(_ context.Context, since, now time.Time, limit int) ([]*Assignment, error) {
	return r.list(limit, func(a *Assignment) bool {
		return a.NotificationSent == nil && a.EffectiveDate != nil &&
			a.EffectiveDate.After(since) && !a.EffectiveDate.After(now)
	}), nil
}

func (r *MemoryRepo) list(limit int, match func(*Assignment) bool) []*Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Assignment
	for _, a := range r.rows {
		if match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveDate.Before(*out[j].EffectiveDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
