package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/simchat/internal/platform/websocket"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev websocket.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) snapshot() []websocket.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]websocket.Event(nil), c.events...)
}

func TestTopicRoundTrip(t *testing.T) {
	id := uuid.New()
	got, ok := ParseTopic(Topic(id))
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = ParseTopic("patient:" + id.String())
	assert.False(t, ok)
	_, ok = ParseTopic("assignment:not-a-uuid")
	assert.False(t, ok)
}

func TestPublisherForwardsReconcilerUpdates(t *testing.T) {
	events := &capturePublisher{}
	pub := NewPublisher(events, zerolog.Nop())
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	id := uuid.New()

	rec := NewReconciler(id, clk, ReconcilerConfig{
		DelayMin: time.Second,
		DelayMax: time.Second,
		Listener: pub.Listener()(id),
	}, zerolog.Nop())

	rec.Observe(OriginPush, Message{ID: uuid.New(), AssignmentID: id, Role: RoleAssistant, Content: "hi", CreatedAt: clk.Now()})
	clk.Advance(time.Second)

	require.Eventually(t, func() bool { return len(events.snapshot()) == 3 }, time.Second, time.Millisecond)
	got := events.snapshot()
	assert.Equal(t, EventTyping, got[0].Type)
	assert.Equal(t, EventMessages, got[1].Type)
	assert.Equal(t, EventTyping, got[2].Type)
	for _, ev := range got {
		assert.Equal(t, Topic(id), ev.Topic)
	}

	var msgs messagesPayload
	require.NoError(t, json.Unmarshal(got[1].Data, &msgs))
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "hi", msgs.Messages[0].Content)

	var typing typingPayload
	require.NoError(t, json.Unmarshal(got[2].Data, &typing))
	assert.False(t, typing.Typing)
}

func TestPublisherEmptyVisibleEncodesArray(t *testing.T) {
	events := &capturePublisher{}
	pub := NewPublisher(events, zerolog.Nop())
	pub.VisibleChanged(uuid.New(), nil)

	got := events.snapshot()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"messages":[]}`, string(got[0].Data))
}
