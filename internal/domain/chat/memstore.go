package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process MessageStore. Subscribers are notified
// synchronously after the insert commits, outside the store lock.
type MemoryStore struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	rows   map[uuid.UUID][]*Message
	subs   map[uuid.UUID]map[int]func(*Message)
	nextID int

	// InsertErr, when set, is returned by Insert without storing anything.
	InsertErr error
	// ListErr, when set, is returned by ListByAssignment.
	ListErr error
}

// NewMemoryStore creates an empty store stamping messages with c.
func NewMemoryStore(c clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock: c,
		rows:  make(map[uuid.UUID][]*Message),
		subs:  make(map[uuid.UUID]map[int]func(*Message)),
	}
}

func (s *MemoryStore) Insert(_ context.Context, m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.InsertErr != nil {
		err := s.InsertErr
		s.mu.Unlock()
		return err
	}
	stored := s.insertLocked(m)
	listeners := s.listenersLocked(m.AssignmentID)
	s.mu.Unlock()

	for _, fn := range listeners {
		cp := *stored
		fn(&cp)
	}
	return nil
}

// InsertIfEmpty stores m only when the assignment has no messages.
func (s *MemoryStore) InsertIfEmpty(_ context.Context, m *Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	if s.InsertErr != nil {
		err := s.InsertErr
		s.mu.Unlock()
		return false, err
	}
	if len(s.rows[m.AssignmentID]) > 0 {
		s.mu.Unlock()
		return false, nil
	}
	stored := s.insertLocked(m)
	listeners := s.listenersLocked(m.AssignmentID)
	s.mu.Unlock()

	for _, fn := range listeners {
		cp := *stored
		fn(&cp)
	}
	return true, nil
}

func (s *MemoryStore) insertLocked(m *Message) *Message {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now().UTC()
	}
	stored := *m
	stored.Immediate = false
	rows := append(s.rows[m.AssignmentID], &stored)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	s.rows[m.AssignmentID] = rows
	return &stored
}

func (s *MemoryStore) listenersLocked(assignmentID uuid.UUID) []func(*Message) {
	subs := s.subs[assignmentID]
	out := make([]func(*Message), 0, len(subs))
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		out = append(out, subs[id])
	}
	return out
}

func (s *MemoryStore) ListByAssignment(_ context.Context, assignmentID uuid.UUID) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	rows := s.rows[assignmentID]
	out := make([]*Message, len(rows))
	for i, r := range rows {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(_ context.Context, assignmentID uuid.UUID, onInsert func(*Message)) (func(), error) {
	if onInsert == nil {
		return nil, fmt.Errorf("onInsert callback is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.subs[assignmentID] == nil {
		s.subs[assignmentID] = make(map[int]func(*Message))
	}
	s.subs[assignmentID][id] = onInsert

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[assignmentID], id)
			if len(s.subs[assignmentID]) == 0 {
				delete(s.subs, assignmentID)
			}
		})
	}, nil
}

// SubscriberCount returns the number of live subscriptions for an assignment.
func (s *MemoryStore) SubscriberCount(assignmentID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[assignmentID])
}

// Seed stores messages without notifying subscribers, as if they were
// written before anyone was listening.
func (s *MemoryStore) Seed(msgs ...*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.insertLocked(m)
	}
}

// Count returns the number of stored messages for an assignment.
func (s *MemoryStore) Count(assignmentID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows[assignmentID])
}
