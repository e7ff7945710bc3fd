// Package session keeps the timeline segments closed by reverts.
package session

import (
	"sort"
	"sync"

	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
)

// Session is one timeline segment. ResetFromTimestamp is the cutoff of the
// revert that started it; NextSessionStart is the first timestamp recorded in
// the segment that replaced it.
type Session struct {
	Messages           []envelope.Rendered `json:"messages"`
	ResetFromTimestamp *uint64             `json:"current_session_reset_from"`
	NextSessionStart   *uint64             `json:"next_session_starts_at"`
	Score              *score.Result       `json:"current_session_score"`
}

// Indexed is a session with its index.
type Indexed struct {
	Index   int     `json:"index"`
	Session Session `json:"session"`
}

// Store holds archived sessions and the provenance of the live segment.
type Store struct {
	mu        sync.Mutex
	sessions  map[int]Session
	counter   int
	resetFrom *uint64
	// awaiting is the archived session whose NextSessionStart is not set yet.
	awaiting *int
}

// NewStore returns an empty store whose live segment is session 0.
func NewStore() *Store {
	return &Store{sessions: map[int]Session{}}
}

// Restore seeds a store from persisted sessions. The live segment gets the
// index after the highest archived one.
func Restore(archived []Indexed, resetFrom *uint64) *Store {
	s := NewStore()
	for _, item := range archived {
		s.sessions[item.Index] = item.Session
		if item.Index >= s.counter {
			s.counter = item.Index + 1
		}
	}
	s.resetFrom = cloneTS(resetFrom)
	return s
}

// Archive freezes the live segment as the current index, then starts a new
// live segment reset from newResetFrom. It returns the archived index.
func (s *Store) Archive(messages []envelope.Rendered, result *score.Result, newResetFrom uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.counter
	s.sessions[index] = Session{
		Messages:           append([]envelope.Rendered(nil), messages...),
		ResetFromTimestamp: cloneTS(s.resetFrom),
		Score:              cloneScore(result),
	}
	s.counter++
	s.resetFrom = &newResetFrom
	s.awaiting = &index
	return index
}

// MarkNextStart records ts as the start of the live segment on the most
// recently archived session. Only the first call after an Archive has effect.
func (s *Store) MarkNextStart(ts uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.awaiting == nil {
		return
	}
	sess := s.sessions[*s.awaiting]
	sess.NextSessionStart = &ts
	s.sessions[*s.awaiting] = sess
	s.awaiting = nil
}

// All returns archived sessions ordered by index.
func (s *Store) All() []Indexed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Current returns the archived sessions followed by the live one built from
// live and liveScore.
func (s *Store) Current(live []envelope.Rendered, liveScore *score.Result) []Indexed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedLocked()
	return append(out, Indexed{
		Index: s.counter,
		Session: Session{
			Messages:           live,
			ResetFromTimestamp: cloneTS(s.resetFrom),
			Score:              cloneScore(liveScore),
		},
	})
}

// CurrentIndex is the index the live segment will get when archived.
func (s *Store) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// ResetFrom is the cutoff that started the live segment, if any.
func (s *Store) ResetFrom() *uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTS(s.resetFrom)
}

func (s *Store) sortedLocked() []Indexed {
	out := make([]Indexed, 0, len(s.sessions))
	for i, sess := range s.sessions {
		out = append(out, Indexed{Index: i, Session: sess})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}

func cloneTS(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneScore(r *score.Result) *score.Result {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
