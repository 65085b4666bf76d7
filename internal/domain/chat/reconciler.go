package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/ehr/simchat/internal/platform/metrics"
)

// Listener receives the projections of a reconciler after they change.
// Calls are made outside the reconciler lock, serialized, and in mutation
// order; an update superseded before it could be delivered is skipped.
type Listener interface {
	VisibleChanged(assignmentID uuid.UUID, visible []Message)
	TypingChanged(assignmentID uuid.UUID, typing bool)
}

// ReconcilerConfig holds the tunables of a Reconciler.
type ReconcilerConfig struct {
	DelayMin time.Duration
	DelayMax time.Duration
	Listener Listener
}

// Reconciler is the de-duplicating merge engine for one assignment's
// conversation. It is the single source of truth for the visible message
// list and is fed by fetch snapshots, send acknowledgments, and push
// notifications.
type Reconciler struct {
	assignmentID uuid.UUID
	logger       zerolog.Logger
	listener     Listener

	mu         sync.Mutex
	visible    []Message
	index      map[string]struct{}
	sched      *Scheduler
	typing     *TypingAggregator
	closed     bool
	version    uint64
	visVersion uint64

	deliverMu        sync.Mutex
	deliveredVersion uint64
	deliveredVis     uint64
	deliveredTyping  bool
}

// NewReconciler creates the reconciler for one assignment view.
func NewReconciler(assignmentID uuid.UUID, c clockwork.Clock, cfg ReconcilerConfig, logger zerolog.Logger) *Reconciler {
	r := &Reconciler{
		assignmentID: assignmentID,
		logger:       logger.With().Str("assignment_id", assignmentID.String()).Logger(),
		listener:     cfg.Listener,
		index:        make(map[string]struct{}),
	}
	r.sched = NewScheduler(c, cfg.DelayMin, cfg.DelayMax)
	r.typing = NewTypingAggregator(func(typing bool) {
		r.logger.Debug().Bool("typing", typing).Msg("typing indicator changed")
	})
	r.sched.fire = r.reveal
	r.sched.pendingChanged = r.typing.PendingChanged
	return r
}

// AssignmentID returns the assignment this reconciler belongs to.
func (r *Reconciler) AssignmentID() uuid.UUID { return r.assignmentID }

// Observe feeds messages seen through origin into the reconciler.
//
// A fetch is an authoritative snapshot: it replaces the visible set, cancels
// every pending delivery and clears typing. Send acknowledgments and pushes
// are incremental and idempotent per identity key.
func (r *Reconciler) Observe(origin Origin, msgs ...Message) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	visBefore := r.visVersion
	if origin == OriginFetch {
		r.resetLocked(msgs)
	} else {
		for i := range msgs {
			r.observeLocked(origin, msgs[i])
		}
	}
	u := r.updateLocked(visBefore)
	r.mu.Unlock()

	r.publish(u)
}

func (r *Reconciler) resetLocked(msgs []Message) {
	if n := r.sched.CancelAll(); n > 0 {
		r.logger.Debug().Int("cancelled", n).Msg("fetch cancelled pending deliveries")
	}
	snapshot := make([]Message, 0, len(msgs))
	index := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		key := m.Key()
		if _, dup := index[key]; dup {
			metrics.MessagesObserved.WithLabelValues(string(OriginFetch), "duplicate").Inc()
			continue
		}
		index[key] = struct{}{}
		snapshot = append(snapshot, m)
		metrics.MessagesObserved.WithLabelValues(string(OriginFetch), "revealed").Inc()
	}
	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})
	r.visible = snapshot
	r.index = index
	r.visVersion++
}

func (r *Reconciler) observeLocked(origin Origin, m Message) {
	key := m.Key()
	if _, ok := r.index[key]; ok || r.sched.Has(key) {
		metrics.MessagesObserved.WithLabelValues(string(origin), "duplicate").Inc()
		return
	}
	if m.RevealImmediately() {
		r.insertLocked(m)
		metrics.MessagesObserved.WithLabelValues(string(origin), "revealed").Inc()
		return
	}
	p := r.sched.Schedule(m)
	metrics.MessagesObserved.WithLabelValues(string(origin), "scheduled").Inc()
	r.logger.Debug().Str("key", key).Time("reveal_at", p.RevealAt).Msg("delivery scheduled")
}

// insertLocked places m after every visible message with an ordering key
// less than or equal to its own.
func (r *Reconciler) insertLocked(m Message) {
	i := sort.Search(len(r.visible), func(i int) bool {
		return r.visible[i].CreatedAt.After(m.CreatedAt)
	})
	r.visible = append(r.visible, Message{})
	copy(r.visible[i+1:], r.visible[i:])
	r.visible[i] = m
	r.index[m.Key()] = struct{}{}
	r.visVersion++
}

// reveal runs on the timer goroutine when a pending delivery comes due.
func (r *Reconciler) reveal(p *PendingDelivery) {
	r.mu.Lock()
	if r.closed || !r.sched.take(p) {
		r.mu.Unlock()
		return
	}
	visBefore := r.visVersion
	if _, ok := r.index[p.Key]; !ok {
		r.insertLocked(p.Message)
		metrics.DeliveriesRevealed.Inc()
	}
	u := r.updateLocked(visBefore)
	r.mu.Unlock()

	r.publish(u)
}

// Close cancels every pending delivery. Further observations are ignored.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	visBefore := r.visVersion
	r.sched.CancelAll()
	r.closed = true
	u := r.updateLocked(visBefore)
	r.mu.Unlock()

	r.publish(u)
}

// Visible returns a copy of the visible message list in display order.
func (r *Reconciler) Visible() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.visible))
	copy(out, r.visible)
	return out
}

// Typing reports whether at least one delivery is pending.
func (r *Reconciler) Typing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing.Typing()
}

// Pending returns the number of deliveries waiting for their reveal.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched.Pending()
}

// Known reports whether key is visible or pending.
func (r *Reconciler) Known(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[key]; ok {
		return true
	}
	return r.sched.Has(key)
}

// Empty reports whether nothing has been observed since the last fetch.
func (r *Reconciler) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visible) == 0 && r.sched.Pending() == 0
}

// Closed reports whether Close has been called.
func (r *Reconciler) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type update struct {
	version    uint64
	visVersion uint64
	visible    []Message
	typing     bool
}

func (r *Reconciler) updateLocked(visBefore uint64) *update {
	if r.listener == nil {
		return nil
	}
	r.version++
	u := &update{version: r.version, visVersion: r.visVersion, typing: r.typing.Typing()}
	if r.visVersion != visBefore {
		u.visible = make([]Message, len(r.visible))
		copy(u.visible, r.visible)
	}
	return u
}

func (r *Reconciler) publish(u *update) {
	if u == nil {
		return
	}
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	if u.version <= r.deliveredVersion {
		return
	}
	r.deliveredVersion = u.version
	if u.visVersion != r.deliveredVis {
		if u.visible == nil {
			// A skipped update changed the list; take a fresh copy.
			u.visible = r.Visible()
		}
		r.deliveredVis = u.visVersion
		r.listener.VisibleChanged(r.assignmentID, u.visible)
	}
	if u.typing != r.deliveredTyping {
		r.deliveredTyping = u.typing
		r.listener.TypingChanged(r.assignmentID, u.typing)
	}
}
