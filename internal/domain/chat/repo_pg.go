package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/simchat/internal/platform/db"
)

// InsertChannel is the NOTIFY channel fired by the chat_message insert trigger.
const InsertChannel = "chat_message_inserted"

const listenRetryDelay = 2 * time.Second

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore is the PostgreSQL MessageStore. Pushes come from LISTEN on
// InsertChannel over one dedicated connection shared by all subscribers.
type PGStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	mu        sync.Mutex
	subs      map[uuid.UUID]map[int]func(*Message)
	resyncs   map[uuid.UUID]map[int]func()
	nextID    int
	listening bool
	stop      context.CancelFunc
	done      chan struct{}
}

func NewPGStore(pool *pgxpool.Pool, logger zerolog.Logger) *PGStore {
	return &PGStore{
		pool:    pool,
		logger:  logger.With().Str("component", "chat-store").Logger(),
		subs:    make(map[uuid.UUID]map[int]func(*Message)),
		resyncs: make(map[uuid.UUID]map[int]func()),
	}
}

func (s *PGStore) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const msgCols = `id, assignment_id, role, content, triggered_completion, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.AssignmentID, &m.Role, &m.Content, &m.TriggeredCompletion, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *PGStore) Insert(ctx context.Context, m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO chat_message (id, assignment_id, role, content, triggered_completion, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING created_at`,
		m.ID, m.AssignmentID, m.Role, m.Content, m.TriggeredCompletion, nullTime(m.CreatedAt),
	).Scan(&m.CreatedAt)
}

// InsertIfEmpty locks the assignment row so that concurrent callers
// serialize, then inserts only when no message exists yet.
func (s *PGStore) InsertIfEmpty(ctx context.Context, m *Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	created := false
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		q := s.conn(ctx)
		var locked uuid.UUID
		if err := q.QueryRow(ctx, `SELECT id FROM assignment WHERE id = $1 FOR UPDATE`, m.AssignmentID).Scan(&locked); err != nil {
			return fmt.Errorf("lock assignment: %w", err)
		}
		err := q.QueryRow(ctx, `
			INSERT INTO chat_message (id, assignment_id, role, content, triggered_completion, created_at)
			SELECT $1, $2, $3, $4, $5, COALESCE($6, NOW())
			WHERE NOT EXISTS (SELECT 1 FROM chat_message WHERE assignment_id = $2)
			RETURNING created_at`,
			m.ID, m.AssignmentID, m.Role, m.Content, m.TriggeredCompletion, nullTime(m.CreatedAt),
		).Scan(&m.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (s *PGStore) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	return scanMessage(s.conn(ctx).QueryRow(ctx, `SELECT `+msgCols+` FROM chat_message WHERE id = $1`, id))
}

func (s *PGStore) ListByAssignment(ctx context.Context, assignmentID uuid.UUID) ([]*Message, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+msgCols+` FROM chat_message WHERE assignment_id = $1 ORDER BY created_at, seq`,
		assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Subscribe registers onInsert for the assignment. The first subscription
// establishes the LISTEN connection before returning.
func (s *PGStore) Subscribe(ctx context.Context, assignmentID uuid.UUID, onInsert func(*Message)) (func(), error) {
	if onInsert == nil {
		return nil, fmt.Errorf("onInsert callback is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.listening {
		conn, err := s.listenConn(ctx)
		if err != nil {
			return nil, err
		}
		lctx, cancel := context.WithCancel(context.Background())
		s.stop = cancel
		s.done = make(chan struct{})
		s.listening = true
		go s.listen(lctx, conn)
	}

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

// SubscribeResync registers onResync for the assignment. It is called after
// the LISTEN connection comes back, since inserts committed while it was
// down were never delivered.
func (s *PGStore) SubscribeResync(assignmentID uuid.UUID, onResync func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.resyncs[assignmentID] == nil {
		s.resyncs[assignmentID] = make(map[int]func())
	}
	s.resyncs[assignmentID][id] = onResync

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.resyncs[assignmentID], id)
			if len(s.resyncs[assignmentID]) == 0 {
				delete(s.resyncs, assignmentID)
			}
		})
	}
}

func (s *PGStore) listenConn(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+InsertChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", InsertChannel, err)
	}
	return conn, nil
}

type insertNotification struct {
	ID           uuid.UUID `json:"id"`
	AssignmentID uuid.UUID `json:"assignment_id"`
}

func (s *PGStore) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(s.done)
	for {
		err := s.drain(ctx, conn)
		// The connection may still be LISTENing; never hand it back to the pool.
		conn.Hijack().Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Msg("chat insert listener lost its connection")

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetryDelay):
			}
			conn, err = s.listenConn(ctx)
			if err == nil {
				break
			}
			s.logger.Error().Err(err).Msg("chat insert listener reconnect failed")
		}
		n := s.resync()
		s.logger.Info().Int("resynced", n).Msg("chat insert listener reconnected")
	}
}

// resync calls every resync callback and returns how many ran.
func (s *PGStore) resync() int {
	s.mu.Lock()
	var fns []func()
	for _, subs := range s.resyncs {
		for _, fn := range subs {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func (s *PGStore) drain(ctx context.Context, conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var note insertNotification
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			s.logger.Warn().Err(err).Str("payload", n.Payload).Msg("malformed chat insert notification")
			continue
		}
		listeners := s.listeners(note.AssignmentID)
		if len(listeners) == 0 {
			continue
		}
		m, err := s.GetByID(ctx, note.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("message_id", note.ID.String()).Msg("failed to load notified message")
			continue
		}
		for _, fn := range listeners {
			cp := *m
			fn(&cp)
		}
	}
}

func (s *PGStore) listeners(assignmentID uuid.UUID) []func(*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[assignmentID]
	out := make([]func(*Message), 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

// Close stops the LISTEN connection.
func (s *PGStore) Close() {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return
	}
	s.listening = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	stop()
	<-done
}
