// Package sequencer hands out the timestamps that order recorded events.
package sequencer

import "sync"

// Sequencer is a mutex-guarded counter. Values it returns from Next are
// strictly increasing across all callers for the life of the process.
type Sequencer struct {
	mu   sync.Mutex
	next uint64
}

// New returns a sequencer whose first Next value is start.
func New(start uint64) *Sequencer {
	return &Sequencer{next: start}
}

// Next returns the current value and advances the counter.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.next
	s.next++
	return v
}

// Current returns the value the next call to Next will return.
func (s *Sequencer) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// SetFloor raises the counter to at least v. It never lowers it.
func (s *Sequencer) SetFloor(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.next {
		s.next = v
	}
}
