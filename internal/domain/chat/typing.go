package chat

// TypingAggregator derives the "other party is typing" signal from the
// number of pending deliveries. It is event-driven: the scheduler reports
// every change of its pending count and the aggregator reports flips.
//
// Not safe for concurrent use; it is owned by a Reconciler and guarded by
// the reconciler's lock.
type TypingAggregator struct {
	typing   bool
	onChange func(typing bool)
}

// NewTypingAggregator creates an aggregator that calls onChange whenever the
// signal flips. onChange may be nil.
func NewTypingAggregator(onChange func(typing bool)) *TypingAggregator {
	return &TypingAggregator{onChange: onChange}
}

// PendingChanged records the current pending-delivery count.
func (t *TypingAggregator) PendingChanged(pending int) {
	typing := pending > 0
	if typing == t.typing {
		return
	}
	t.typing = typing
	if t.onChange != nil {
		t.onChange(typing)
	}
}

// Typing reports whether at least one delivery is pending.
func (t *TypingAggregator) Typing() bool { return t.typing }
