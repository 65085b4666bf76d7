package chat

import (
	"context"

	"github.com/google/uuid"
)

// MessageStore is the durable, append-only store of chat messages.
type MessageStore interface {
	// Insert persists m, filling in ID and CreatedAt when they are unset.
	Insert(ctx context.Context, m *Message) error
	// ListByAssignment returns every message of the assignment ordered by
	// created_at ascending, ties in insertion order.
	ListByAssignment(ctx context.Context, assignmentID uuid.UUID) ([]*Message, error)
	// Subscribe calls onInsert for every message inserted for the assignment
	// after the subscription is established. The returned function stops
	// delivery; it is safe to call more than once.
	Subscribe(ctx context.Context, assignmentID uuid.UUID, onInsert func(*Message)) (func(), error)
}

// ResyncSubscriber is implemented by stores whose insert stream can miss
// rows, for example while a LISTEN connection is re-established. onResync
// runs after such a gap and the subscriber is expected to re-fetch. The
// returned function stops delivery; it is safe to call more than once.
type ResyncSubscriber interface {
	SubscribeResync(assignmentID uuid.UUID, onResync func()) func()
}

// OpeningInserter is implemented by stores that can atomically insert a
// message only when the assignment has no messages yet.
type OpeningInserter interface {
	InsertIfEmpty(ctx context.Context, m *Message) (bool, error)
}
