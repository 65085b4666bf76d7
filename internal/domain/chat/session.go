package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/ehr/simchat/internal/platform/metrics"
)

// DefaultSettleDelay is how long bootstrap waits before re-checking an empty
// conversation.
const DefaultSettleDelay = 1500 * time.Millisecond

var (
	ErrSessionClosed   = errors.New("chat session is closed")
	ErrSessionNotFound = errors.New("chat session not found")
	ErrEmptyContent    = errors.New("content is required")
)

// ConversationOpener synthesizes the first message of a new conversation.
// An empty string means no opening should be created.
type ConversationOpener interface {
	GenerateOpening(ctx context.Context, assignmentID uuid.UUID) (string, error)
}

// ResponseGenerator produces the assistant reply to the conversation so far.
type ResponseGenerator interface {
	Respond(ctx context.Context, assignmentID uuid.UUID, prior []Message) (*Message, error)
}

// SessionConfig holds the tunables of a Session.
type SessionConfig struct {
	Reconciler  ReconcilerConfig
	SettleDelay time.Duration
}

// BootstrapResult describes how a bootstrap concluded.
type BootstrapResult struct {
	// Existing is the number of messages found by the fetch or re-check.
	Existing int
	// Opened is true when this bootstrap created the opening message.
	Opened bool
	// Opening is the inserted opening message, if any.
	Opening *Message
}

// Session owns everything tied to one open assignment view: the reconciler,
// the push subscription and any in-flight bootstrap wait.
type Session struct {
	assignmentID uuid.UUID
	store        MessageStore
	opener       ConversationOpener
	responder    ResponseGenerator
	clock        clockwork.Clock
	settle       time.Duration
	logger       zerolog.Logger

	rec *Reconciler

	mu          sync.Mutex
	unsubscribe func()
	closed      bool
	done        chan struct{}
}

// NewSession creates a session. It does nothing until Open is called.
func NewSession(
	assignmentID uuid.UUID,
	store MessageStore,
	opener ConversationOpener,
	responder ResponseGenerator,
	c clockwork.Clock,
	cfg SessionConfig,
	logger zerolog.Logger,
) *Session {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	return &Session{
		assignmentID: assignmentID,
		store:        store,
		opener:       opener,
		responder:    responder,
		clock:        c,
		settle:       cfg.SettleDelay,
		logger:       logger.With().Str("assignment_id", assignmentID.String()).Logger(),
		rec:          NewReconciler(assignmentID, c, cfg.Reconciler, logger),
		done:         make(chan struct{}),
	}
}

// AssignmentID returns the assignment this session belongs to.
func (s *Session) AssignmentID() uuid.UUID { return s.assignmentID }

// Reconciler returns the session's reconciler.
func (s *Session) Reconciler() *Reconciler { return s.rec }

// Subscribe attaches the session to the store's insert stream. It is called
// before the first fetch so that no insert falls between the two.
func (s *Session) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.unsubscribe != nil {
		return nil
	}
	unsub, err := s.store.Subscribe(ctx, s.assignmentID, func(m *Message) {
		s.rec.Observe(OriginPush, *m)
	})
	if err != nil {
		return fmt.Errorf("subscribe to messages: %w", err)
	}
	if rs, ok := s.store.(ResyncSubscriber); ok {
		stopPush := unsub
		stopResync := rs.SubscribeResync(s.assignmentID, s.resync)
		unsub = func() {
			stopPush()
			stopResync()
		}
	}
	s.unsubscribe = unsub
	return nil
}

// resync re-fetches after the store reported a gap in its insert stream.
// It returns immediately; the store's listener must not wait on the fetch.
func (s *Session) resync() {
	go func() {
		if _, err := s.Refresh(context.Background()); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Error().Err(err).Msg("failed to resync conversation after missed pushes")
		}
	}()
}

// Open subscribes to pushes and bootstraps the conversation.
func (s *Session) Open(ctx context.Context) (*BootstrapResult, error) {
	if err := s.Subscribe(ctx); err != nil {
		return nil, err
	}
	return s.Bootstrap(ctx)
}

// Attach subscribes to pushes and loads the conversation without ever
// creating an opening. Used for finished encounters.
func (s *Session) Attach(ctx context.Context) (*BootstrapResult, error) {
	if err := s.Subscribe(ctx); err != nil {
		return nil, err
	}
	n, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return &BootstrapResult{Existing: n}, nil
}

// Bootstrap loads the conversation and creates the opening message when it
// is genuinely new. The opening is at-most-once across concurrent
// bootstraps: after the first empty fetch it waits the settle delay,
// re-checks what arrived by push, re-queries the store, and inserts
// conditionally when the store supports it.
func (s *Session) Bootstrap(ctx context.Context) (*BootstrapResult, error) {
	n, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return &BootstrapResult{Existing: n}, nil
	}

	if s.settle > 0 {
		select {
		case <-s.clock.After(s.settle):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSessionClosed
		}
	}

	if !s.rec.Empty() {
		s.logger.Debug().Msg("conversation started by another writer during settle")
		return &BootstrapResult{Existing: len(s.rec.Visible())}, nil
	}
	if n, err = s.fetch(ctx); err != nil {
		return nil, err
	}
	if n > 0 {
		return &BootstrapResult{Existing: n}, nil
	}

	text, err := s.opener.GenerateOpening(ctx, s.assignmentID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to generate opening message")
		return nil, fmt.Errorf("generate opening: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return &BootstrapResult{}, nil
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if !s.rec.Empty() {
		return &BootstrapResult{Existing: len(s.rec.Visible())}, nil
	}

	m := &Message{AssignmentID: s.assignmentID, Role: RoleAssistant, Content: text}
	if ins, ok := s.store.(OpeningInserter); ok {
		created, err := ins.InsertIfEmpty(ctx, m)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to insert opening message")
			return nil, fmt.Errorf("insert opening: %w", err)
		}
		if !created {
			s.logger.Info().Msg("opening message already written by another writer")
			if _, err := s.fetch(ctx); err != nil {
				return nil, err
			}
			return &BootstrapResult{Existing: len(s.rec.Visible())}, nil
		}
	} else if err := s.store.Insert(ctx, m); err != nil {
		s.logger.Error().Err(err).Msg("failed to insert opening message")
		return nil, fmt.Errorf("insert opening: %w", err)
	}

	s.rec.Observe(OriginSendAck, *m)
	metrics.OpeningsGenerated.Inc()
	s.logger.Info().Str("message_id", m.ID.String()).Msg("opening message created")
	return &BootstrapResult{Opened: true, Opening: m}, nil
}

// Refresh re-fetches the conversation and resynchronizes the reconciler.
func (s *Session) Refresh(ctx context.Context) ([]Message, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if _, err := s.fetch(ctx); err != nil {
		return nil, err
	}
	return s.rec.Visible(), nil
}

func (s *Session) fetch(ctx context.Context) (int, error) {
	rows, err := s.store.ListByAssignment(ctx, s.assignmentID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch messages")
		return 0, fmt.Errorf("fetch messages: %w", err)
	}
	msgs := make([]Message, len(rows))
	for i, m := range rows {
		msgs[i] = *m
	}
	s.rec.Observe(OriginFetch, msgs...)
	return len(msgs), nil
}

// Send stores a student message and asks the response generator for the
// reply. A generation failure is logged and does not fail the send.
func (s *Session) Send(ctx context.Context, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	m := &Message{AssignmentID: s.assignmentID, Role: RoleStudent, Content: content}
	if err := s.store.Insert(ctx, m); err != nil {
		s.logger.Error().Err(err).Msg("failed to insert student message")
		return nil, fmt.Errorf("insert message: %w", err)
	}
	s.rec.Observe(OriginSendAck, *m)

	if s.responder == nil {
		return m, nil
	}
	reply, err := s.responder.Respond(ctx, s.assignmentID, s.rec.Visible())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to generate response")
		return m, nil
	}
	if reply == nil || strings.TrimSpace(reply.Content) == "" {
		return m, nil
	}
	reply.AssignmentID = s.assignmentID
	if reply.Role == "" {
		reply.Role = RoleAssistant
	}
	if err := s.store.Insert(ctx, reply); err != nil {
		s.logger.Error().Err(err).Msg("failed to insert response")
		return m, nil
	}
	s.rec.Observe(OriginSendAck, *reply)
	return m, nil
}

// Close unsubscribes from pushes, aborts a pending settle wait and cancels
// every pending delivery. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.rec.Close()
	s.logger.Debug().Msg("chat session closed")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
