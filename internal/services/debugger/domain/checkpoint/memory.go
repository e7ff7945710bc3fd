package checkpoint

import (
	"context"
	"sync"
)

// Memory keeps checkpoints in process memory.
type Memory struct {
	mu     sync.Mutex
	index  index
	states map[uint64][]byte
}

// NewMemory creates an empty in-memory checkpoint store.
func NewMemory() *Memory {
	return &Memory{
		index:  index{},
		states: map[uint64][]byte{},
	}
}

// Put stores a copy of state under ts, replacing any missing marker.
func (m *Memory) Put(ctx context.Context, ts uint64, state []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if m == nil {
		return ErrStoreRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[ts] = append([]byte(nil), state...)
	m.index[ts] = Entry{Timestamp: ts, Size: len(state)}
	return nil
}

// MarkMissing records that no snapshot exists for ts.
func (m *Memory) MarkMissing(ctx context.Context, ts uint64, reason string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if m == nil {
		return ErrStoreRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, ts)
	m.index[ts] = Entry{Timestamp: ts, Missing: true, Reason: reason}
	return nil
}

// Get returns the state stored at ts.
func (m *Memory) Get(ctx context.Context, ts uint64) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrStoreRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.index.lookup(ts); err != nil {
		return nil, err
	}
	return append([]byte(nil), m.states[ts]...), nil
}

// LatestBefore returns the checkpoint with the greatest key <= ts.
func (m *Memory) LatestBefore(ctx context.Context, ts uint64) (uint64, []byte, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, nil, err
	}
	if m == nil {
		return 0, nil, ErrStoreRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.index.latestAtOrBefore(ts)
	if !ok {
		return 0, nil, ErrNotFound
	}
	return entry.Timestamp, append([]byte(nil), m.states[entry.Timestamp]...), nil
}

// Summary lists every slot in timestamp order.
func (m *Memory) Summary(ctx context.Context) ([]Entry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrStoreRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.sorted(), nil
}
