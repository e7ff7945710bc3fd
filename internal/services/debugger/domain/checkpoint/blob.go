package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/louisbranch/rewind/internal/platform/storage/blob"
)

// BlobBacked keeps snapshots as content-addressed blobs and an index in
// memory. Identical states share one blob.
type BlobBacked struct {
	store blob.Store

	mu    sync.Mutex
	index index
}

// NewBlobBacked returns a store writing to s, seeded with a previously saved
// index.
func NewBlobBacked(s blob.Store, seed []Entry) (*BlobBacked, error) {
	if s == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	b := &BlobBacked{store: s, index: index{}}
	for _, entry := range seed {
		if !entry.Missing && entry.Ref == "" {
			return nil, fmt.Errorf("checkpoint %d has no blob reference", entry.Timestamp)
		}
		b.index[entry.Timestamp] = entry
	}
	return b, nil
}

// Put writes state to the blob store and indexes it under ts.
func (b *BlobBacked) Put(ctx context.Context, ts uint64, state []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if b == nil {
		return ErrStoreRequired
	}
	ref, err := blob.PutContent(ctx, b.store, state)
	if err != nil {
		return fmt.Errorf("store checkpoint %d: %w", ts, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index[ts] = Entry{Timestamp: ts, Size: len(state), Ref: ref}
	return nil
}

// MarkMissing records that no snapshot exists for ts.
func (b *BlobBacked) MarkMissing(ctx context.Context, ts uint64, reason string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if b == nil {
		return ErrStoreRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index[ts] = Entry{Timestamp: ts, Missing: true, Reason: reason}
	return nil
}

// Get loads the state stored at ts.
func (b *BlobBacked) Get(ctx context.Context, ts uint64) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrStoreRequired
	}
	b.mu.Lock()
	entry, err := b.index.lookup(ts)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.load(ctx, entry)
}

// LatestBefore loads the checkpoint with the greatest key <= ts.
func (b *BlobBacked) LatestBefore(ctx context.Context, ts uint64) (uint64, []byte, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, nil, err
	}
	if b == nil {
		return 0, nil, ErrStoreRequired
	}
	b.mu.Lock()
	entry, ok := b.index.latestAtOrBefore(ts)
	b.mu.Unlock()
	if !ok {
		return 0, nil, ErrNotFound
	}
	state, err := b.load(ctx, entry)
	if err != nil {
		return 0, nil, err
	}
	return entry.Timestamp, state, nil
}

// Summary lists every slot in timestamp order, including blob references.
func (b *BlobBacked) Summary(ctx context.Context) ([]Entry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrStoreRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.sorted(), nil
}

func (b *BlobBacked) load(ctx context.Context, entry Entry) ([]byte, error) {
	state, err := blob.GetContent(ctx, b.store, entry.Ref)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %d: %w", entry.Timestamp, err)
	}
	return state, nil
}
