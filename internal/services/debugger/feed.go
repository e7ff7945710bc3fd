package debugger

import (
	"log"
	"sync"

	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
)

// Feed event types.
const (
	FeedRecorded = "event.recorded"
	FeedDropped  = "event.dropped"
	FeedReverted = "timeline.reverted"
	FeedLoop     = "loop.changed"
	// FeedReady opens every stream once its subscription is live.
	FeedReady = "stream.ready"
)

const feedBuffer = 64

// FeedEvent is one live update pushed to subscribers.
type FeedEvent struct {
	Type    string             `json:"type"`
	Event   *envelope.Rendered `json:"event,omitempty"`
	Revert  *RevertView        `json:"revert,omitempty"`
	Running *bool              `json:"running,omitempty"`
}

// feed fans events out to subscribers. A subscriber that falls behind loses
// events rather than blocking delivery.
type feed struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan FeedEvent
	closed bool
}

func newFeed() *feed {
	return &feed{subs: map[int]chan FeedEvent{}}
}

func (f *feed) subscribe() (<-chan FeedEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan FeedEvent, feedBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

func (f *feed) publish(ev FeedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("debugger: feed subscriber %d is behind, dropped %s", id, ev.Type)
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
