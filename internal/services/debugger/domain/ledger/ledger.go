// Package ledger stores the ordered history of recorded events.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
)

// ErrOutOfOrder is returned when an appended event does not come after the
// last recorded one.
var ErrOutOfOrder = errors.New("event timestamp is not after the last recorded event")

// Ledger is an append-only (until pruned) sequence of events ordered by
// timestamp. Only Append and PruneAtOrAfter mutate it.
type Ledger struct {
	mu     sync.RWMutex
	events []envelope.TimestampedEvent
}

// New returns a ledger seeded with events, which must be strictly increasing.
func New(seed []envelope.TimestampedEvent) (*Ledger, error) {
	l := &Ledger{}
	for _, ev := range seed {
		if err := l.Append(ev); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Append records ev at the end of the ledger.
func (l *Ledger) Append(ev envelope.TimestampedEvent) error {
	if ev.Envelope == nil {
		return fmt.Errorf("append event %d: envelope is required", ev.Timestamp)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.events); n > 0 && ev.Timestamp <= l.events[n-1].Timestamp {
		return fmt.Errorf("append event %d after %d: %w", ev.Timestamp, l.events[n-1].Timestamp, ErrOutOfOrder)
	}
	l.events = append(l.events, ev)
	return nil
}

// Lookup returns the event recorded at ts.
func (l *Ledger) Lookup(ts uint64) (envelope.TimestampedEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.Search(len(l.events), func(i int) bool { return l.events[i].Timestamp >= ts })
	if i < len(l.events) && l.events[i].Timestamp == ts {
		return l.events[i], true
	}
	return envelope.TimestampedEvent{}, false
}

// PruneAtOrAfter removes every event with timestamp >= cutoff and returns
// how many were removed.
func (l *Ledger) PruneAtOrAfter(cutoff uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.events), func(i int) bool { return l.events[i].Timestamp >= cutoff })
	removed := len(l.events) - i
	clear(l.events[i:])
	l.events = l.events[:i]
	return removed
}

// All returns a copy of the events in order.
func (l *Ledger) All() []envelope.TimestampedEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]envelope.TimestampedEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Select returns, in order, the events keep accepts.
func (l *Ledger) Select(keep func(envelope.TimestampedEvent) bool) []envelope.TimestampedEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []envelope.TimestampedEvent
	for _, ev := range l.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Last returns the most recent event.
func (l *Ledger) Last() (envelope.TimestampedEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return envelope.TimestampedEvent{}, false
	}
	return l.events[len(l.events)-1], true
}
