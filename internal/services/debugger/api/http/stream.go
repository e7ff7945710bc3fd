package httpapi

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/louisbranch/rewind/internal/services/debugger"
	"golang.org/x/net/websocket"
)

// wsPeer serializes writes to one websocket connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func (p *wsPeer) write(ev debugger.FeedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(ev)
}

// stream forwards feed events until the client disconnects or the feed ends.
func (h *handler) stream(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	events, cancel := h.feed.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard json.RawMessage
		dec := json.NewDecoder(conn)
		for dec.Decode(&discard) == nil {
		}
	}()

	peer := &wsPeer{encoder: json.NewEncoder(conn)}
	if err := peer.write(debugger.FeedEvent{Type: debugger.FeedReady}); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := peer.write(ev); err != nil {
				log.Printf("http: stream write: %v", err)
				return
			}
		}
	}
}
