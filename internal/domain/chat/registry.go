package chat

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/ehr/simchat/internal/platform/metrics"
)

// ListenerFactory returns the listener for a new session's reconciler.
type ListenerFactory func(assignmentID uuid.UUID) Listener

// Registry holds at most one open Session per assignment.
type Registry struct {
	store     MessageStore
	opener    ConversationOpener
	responder ResponseGenerator
	clock     clockwork.Clock
	cfg       SessionConfig
	listeners ListenerFactory
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry creates an empty registry. listeners may be nil.
func NewRegistry(
	store MessageStore,
	opener ConversationOpener,
	responder ResponseGenerator,
	c clockwork.Clock,
	cfg SessionConfig,
	listeners ListenerFactory,
	logger zerolog.Logger,
) *Registry {
	return &Registry{
		store:     store,
		opener:    opener,
		responder: responder,
		clock:     c,
		cfg:       cfg,
		listeners: listeners,
		logger:    logger,
		sessions:  make(map[uuid.UUID]*Session),
	}
}

// Open starts a fresh session for the assignment, closing any previous one,
// and bootstraps it.
func (r *Registry) Open(ctx context.Context, assignmentID uuid.UUID) (*Session, *BootstrapResult, error) {
	return r.open(ctx, assignmentID, (*Session).Open)
}

// Attach is like Open but never creates an opening message.
func (r *Registry) Attach(ctx context.Context, assignmentID uuid.UUID) (*Session, *BootstrapResult, error) {
	return r.open(ctx, assignmentID, (*Session).Attach)
}

func (r *Registry) open(
	ctx context.Context,
	assignmentID uuid.UUID,
	start func(*Session, context.Context) (*BootstrapResult, error),
) (*Session, *BootstrapResult, error) {
	cfg := r.cfg
	if r.listeners != nil {
		cfg.Reconciler.Listener = r.listeners(assignmentID)
	}
	s := NewSession(assignmentID, r.store, r.opener, r.responder, r.clock, cfg, r.logger)

	r.mu.Lock()
	prev := r.sessions[assignmentID]
	r.sessions[assignmentID] = s
	if prev == nil {
		metrics.SessionsOpen.Inc()
	}
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	res, err := start(s, ctx)
	if err != nil {
		r.remove(s)
		s.Close()
		return nil, nil, err
	}
	return s, res, nil
}

// Get returns the open session for the assignment.
func (r *Registry) Get(assignmentID uuid.UUID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[assignmentID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close closes and forgets the session for the assignment. It reports
// whether a session was open.
func (r *Registry) Close(assignmentID uuid.UUID) bool {
	r.mu.Lock()
	s, ok := r.sessions[assignmentID]
	if ok {
		delete(r.sessions, assignmentID)
		metrics.SessionsOpen.Dec()
	}
	r.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// CloseAll closes every open session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[uuid.UUID]*Session)
	metrics.SessionsOpen.Sub(float64(len(sessions)))
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// HasOpenSessions reports whether any session is open.
func (r *Registry) HasOpenSessions() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) > 0
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.assignmentID]; ok && cur == s {
		delete(r.sessions, s.assignmentID)
		metrics.SessionsOpen.Dec()
	}
}
