package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/simchat/internal/platform/websocket"
)

const (
	topicPrefix = "assignment:"

	EventMessages = "messages"
	EventTyping   = "typing"
)

// Topic is the push topic carrying updates for one assignment.
func Topic(assignmentID uuid.UUID) string {
	return topicPrefix + assignmentID.String()
}

// ParseTopic extracts the assignment ID from a topic built by Topic.
func ParseTopic(topic string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

type messagesPayload struct {
	Messages []Message `json:"messages"`
}

type typingPayload struct {
	Typing bool `json:"typing"`
}

// Publisher forwards reconciler updates to push subscribers.
type Publisher struct {
	events websocket.EventPublisher
	logger zerolog.Logger
}

func NewPublisher(events websocket.EventPublisher, logger zerolog.Logger) *Publisher {
	return &Publisher{events: events, logger: logger}
}

// Listener returns a ListenerFactory for a Registry.
func (p *Publisher) Listener() ListenerFactory {
	return func(uuid.UUID) Listener { return p }
}

func (p *Publisher) VisibleChanged(assignmentID uuid.UUID, visible []Message) {
	if visible == nil {
		visible = []Message{}
	}
	p.publish(assignmentID, EventMessages, messagesPayload{Messages: visible})
}

func (p *Publisher) TypingChanged(assignmentID uuid.UUID, typing bool) {
	p.publish(assignmentID, EventTyping, typingPayload{Typing: typing})
}

func (p *Publisher) publish(assignmentID uuid.UUID, kind string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("assignment_id", assignmentID.String()).Msg("failed to encode push payload")
		return
	}
	ev := websocket.Event{
		Type:      kind,
		Topic:     Topic(assignmentID),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := p.events.Publish(context.Background(), ev); err != nil {
		p.logger.Warn().Err(err).Str("assignment_id", assignmentID.String()).Str("type", kind).Msg("push publish failed")
	}
}
