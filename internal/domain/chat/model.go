package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleStudent   Role = "student"
)

var validRoles = map[Role]bool{
	RoleSystem: true, RoleAssistant: true, RoleStudent: true,
}

// Origin identifies the channel through which a message was observed.
type Origin string

const (
	// OriginFetch is a full ordered snapshot from the message store.
	OriginFetch Origin = "fetch"
	// OriginSendAck is the stored row returned from a local insert.
	OriginSendAck Origin = "send_ack"
	// OriginPush is a row delivered by the store's insert notification stream.
	OriginPush Origin = "push"
)

// Message maps to the chat_message table. Messages are immutable once stored.
type Message struct {
	ID                  uuid.UUID `db:"id" json:"id"`
	AssignmentID        uuid.UUID `db:"assignment_id" json:"assignment_id"`
	Role                Role      `db:"role" json:"role"`
	Content             string    `db:"content" json:"content"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	TriggeredCompletion bool      `db:"triggered_completion" json:"triggered_completion"`

	// Immediate asks the reconciler to reveal an assistant message without
	// simulated think-time. Not persisted.
	Immediate bool `db:"-" json:"-"`
}

// Key returns the identity key used for de-duplication: the persisted id, or
// assignment id plus creation time for echoes that have not been stored yet.
func (m *Message) Key() string {
	if m.ID != uuid.Nil {
		return m.ID.String()
	}
	return fmt.Sprintf("%s@%d", m.AssignmentID, m.CreatedAt.UnixNano())
}

// RevealImmediately reports whether the message skips the delivery scheduler.
// Only assistant messages are delayed, and completion markers never are.
func (m *Message) RevealImmediately() bool {
	return m.Role != RoleAssistant || m.Immediate || m.TriggeredCompletion
}

// Validate checks the fields required before a message can be inserted.
func (m *Message) Validate() error {
	if m.AssignmentID == uuid.Nil {
		return fmt.Errorf("assignment_id is required")
	}
	if !validRoles[m.Role] {
		return fmt.Errorf("invalid role: %s", m.Role)
	}
	return nil
}
