package chat

import (
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ehr/simchat/internal/platform/metrics"
)

// Default simulated think-time window for assistant replies.
const (
	DefaultDelayMin = 600 * time.Millisecond
	DefaultDelayMax = 1800 * time.Millisecond
)

// PendingDelivery is a message observed but not yet revealed.
type PendingDelivery struct {
	Key      string
	Message  Message
	RevealAt time.Time

	timer clockwork.Timer
}

// Scheduler turns observed assistant messages into cancellable reveal events.
//
// A Scheduler belongs to exactly one Reconciler. Its state is guarded by the
// reconciler's lock; the only entry point that arrives from outside that lock
// is the timer callback, which is routed back through fire.
type Scheduler struct {
	clock    clockwork.Clock
	min, max time.Duration
	randN    func(n int64) int64

	pending map[string]*PendingDelivery

	// fire is called from the timer goroutine when a delivery comes due.
	fire func(p *PendingDelivery)
	// pendingChanged is called after every change of the pending count.
	pendingChanged func(n int)
}

// NewScheduler creates a scheduler picking delays uniformly from [min, max].
func NewScheduler(c clockwork.Clock, min, max time.Duration) *Scheduler {
	if min <= 0 {
		min = DefaultDelayMin
	}
	if max < min {
		max = min
	}
	return &Scheduler{
		clock:   c,
		min:     min,
		max:     max,
		randN:   rand.Int64N,
		pending: make(map[string]*PendingDelivery),
	}
}

func (s *Scheduler) delay() time.Duration {
	span := int64(s.max - s.min)
	if span <= 0 {
		return s.min
	}
	return s.min + time.Duration(s.randN(span+1))
}

// Schedule registers a one-shot reveal timer for m. Scheduling never fails;
// a key that is already pending returns the existing handle.
func (s *Scheduler) Schedule(m Message) *PendingDelivery {
	key := m.Key()
	if p, ok := s.pending[key]; ok {
		return p
	}
	d := s.delay()
	p := &PendingDelivery{
		Key:      key,
		Message:  m,
		RevealAt: s.clock.Now().Add(d),
	}
	s.pending[key] = p
	p.timer = s.clock.AfterFunc(d, func() {
		if s.fire != nil {
			s.fire(p)
		}
	})
	metrics.DeliveriesPending.Inc()
	s.notify()
	return p
}

// take removes p from the pending set if it is still the live entry for its
// key. It returns false for deliveries that were cancelled or superseded.
func (s *Scheduler) take(p *PendingDelivery) bool {
	cur, ok := s.pending[p.Key]
	if !ok || cur != p {
		return false
	}
	delete(s.pending, p.Key)
	metrics.DeliveriesPending.Dec()
	s.notify()
	return true
}

// CancelAll stops every outstanding timer and discards the pending entries
// without revealing them. It returns the number of cancelled deliveries.
func (s *Scheduler) CancelAll() int {
	n := len(s.pending)
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
	if n > 0 {
		metrics.DeliveriesPending.Sub(float64(n))
		metrics.DeliveriesCancelled.Add(float64(n))
	}
	s.notify()
	return n
}

// Has reports whether key is waiting for its reveal.
func (s *Scheduler) Has(key string) bool {
	_, ok := s.pending[key]
	return ok
}

// Pending returns the number of outstanding deliveries.
func (s *Scheduler) Pending() int { return len(s.pending) }

func (s *Scheduler) notify() {
	if s.pendingChanged != nil {
		s.pendingChanged(len(s.pending))
	}
}
