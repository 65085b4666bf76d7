package assignment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/simchat/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const asgCols = `id, student_id, room_id, status, effective_date, due_date, completed_at,
	feedback_status, notification_sent, created_at, updated_at`

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.StudentID, &a.RoomID, &a.Status, &a.EffectiveDate, &a.DueDate, &a.CompletedAt,
		&a.FeedbackStatus, &a.NotificationSent, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Assignment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusAssigned
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO assignment (id, student_id, room_id, status, effective_date, due_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		a.ID, a.StudentID, a.RoomID, a.Status, a.EffectiveDate, a.DueDate,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return scanAssignment(r.conn(ctx).QueryRow(ctx, `SELECT `+asgCols+` FROM assignment WHERE id = $1`, id))
}

func (r *repoPG) CompareAndSetStatus(ctx context.Context, id uuid.UUID, change StatusChange) (bool, error) {
	from := make([]string, len(change.From))
	for i, s := range change.From {
		from[i] = string(s)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE assignment SET
			status = $2,
			completed_at = COALESCE($3, completed_at),
			feedback_status = COALESCE($4, feedback_status),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)`,
		id, change.To, change.CompletedAt, change.FeedbackStatus, from,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) SetFeedbackStatus(ctx context.Context, id uuid.UUID, status FeedbackStatus) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE assignment SET feedback_status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ClaimNotification(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE assignment SET notification_sent = false, updated_at = NOW()
		WHERE id = $1 AND notification_sent IS NULL`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) MarkNotificationSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE assignment SET notification_sent = true, updated_at = NOW()
		WHERE id = $1 AND notification_sent = false`, id)
	return err
}

func (r *repoPG) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]*Assignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+asgCols+` FROM assignment
		WHERE status IN ('assigned', 'in_progress')
		  AND effective_date IS NOT NULL AND effective_date < $1
		ORDER BY effective_date LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (r *repoPG) ListNewlyActive(ctx context.Context, since, now time.Time, limit int) ([]*Assignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+asgCols+` FROM assignment
		WHERE notification_sent IS NULL
		  AND effective_date > $1 AND effective_date <= $2
		ORDER BY effective_date LIMIT $3`, since, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func collectAssignments(rows pgx.Rows) ([]*Assignment, error) {
	var out []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
