// Package checkpoint stores runtime state snapshots keyed by the timestamp of
// the event they precede.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrNotFound indicates no checkpoint was taken at a timestamp.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrStoreRequired indicates a nil store receiver.
	ErrStoreRequired = errors.New("checkpoint store is required")
)

// MissingError reports a timestamp whose snapshot could not be taken. It
// matches ErrNotFound.
type MissingError struct {
	Timestamp uint64
	Reason    string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("checkpoint %d is missing: %s", e.Timestamp, e.Reason)
}

// Is makes errors.Is(err, ErrNotFound) hold for missing markers.
func (e *MissingError) Is(target error) bool {
	return target == ErrNotFound
}

// Entry describes one checkpoint slot.
type Entry struct {
	Timestamp uint64 `json:"timestamp"`
	Size      int    `json:"size"`
	Missing   bool   `json:"missing,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Ref       string `json:"ref,omitempty"`
}

// Store is the checkpoint contract. Entries are never removed automatically;
// stale entries past a revert cutoff are harmless because timestamps are
// never reused.
type Store interface {
	Put(ctx context.Context, ts uint64, state []byte) error
	MarkMissing(ctx context.Context, ts uint64, reason string) error
	Get(ctx context.Context, ts uint64) ([]byte, error)
	LatestBefore(ctx context.Context, ts uint64) (uint64, []byte, error)
	Summary(ctx context.Context) ([]Entry, error)
}

// index tracks entries by timestamp. Callers hold their own lock.
type index map[uint64]Entry

// latestAtOrBefore returns the greatest non-missing key <= ts.
func (idx index) latestAtOrBefore(ts uint64) (Entry, bool) {
	var (
		best  Entry
		found bool
	)
	for key, entry := range idx {
		if key > ts || entry.Missing {
			continue
		}
		if !found || key > best.Timestamp {
			best, found = entry, true
		}
	}
	return best, found
}

func (idx index) sorted() []Entry {
	out := make([]Entry, 0, len(idx))
	for _, entry := range idx {
		out = append(out, entry)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (idx index) lookup(ts uint64) (Entry, error) {
	entry, ok := idx[ts]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if entry.Missing {
		return Entry{}, &MissingError{Timestamp: ts, Reason: entry.Reason}
	}
	return entry, nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
