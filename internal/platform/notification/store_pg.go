package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLog stores deliveries in the notification_delivery table.
type PGLog struct {
	pool *pgxpool.Pool
}

func NewPGLog(pool *pgxpool.Pool) *PGLog {
	return &PGLog{pool: pool}
}

func (l *PGLog) Record(ctx context.Context, n *Notification) error {
	var code *int
	if n.StatusCode != 0 {
		code = &n.StatusCode
	}
	var errText *string
	if n.Error != "" {
		errText = &n.Error
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO notification_delivery (id, assignment_id, template, channel, status, status_code, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.AssignmentID, n.TemplateID, string(n.Channel), n.Status, code, errText, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("record notification delivery: %w", err)
	}
	return nil
}

// ListByAssignment returns the newest entries first. Rendered bodies are not
// stored, so Subject and Body are empty.
func (l *PGLog) ListByAssignment(ctx context.Context, assignmentID uuid.UUID, limit int) ([]*Notification, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, assignment_id, template, channel, status, status_code, error, created_at
		FROM notification_delivery
		WHERE assignment_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, assignmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notification deliveries: %w", err)
	}
	defer rows.Close()

	var result []*Notification
	for rows.Next() {
		var (
			n       Notification
			channel string
			code    *int
			errText *string
		)
		if err := rows.Scan(&n.ID, &n.AssignmentID, &n.TemplateID, &channel, &n.Status, &code, &errText, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification delivery: %w", err)
		}
		n.Channel = Channel(channel)
		if code != nil {
			n.StatusCode = *code
		}
		if errText != nil {
			n.Error = *errText
		}
		if n.Status == StatusSent {
			sentAt := n.CreatedAt
			n.SentAt = &sentAt
		}
		result = append(result, &n)
	}
	return result, rows.Err()
}
