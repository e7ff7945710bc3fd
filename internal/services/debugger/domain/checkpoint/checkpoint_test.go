package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/rewind/internal/platform/storage/blob"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	backed, err := NewBlobBacked(blob.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("new blob backed: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"blob":   backed,
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, 3, []byte(`{"n":3}`)); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := s.Get(ctx, 3)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(got) != `{"n":3}` {
				t.Fatalf("get = %s", got)
			}
			if _, err := s.Get(ctx, 4); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestMarkMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.MarkMissing(ctx, 1, "agent state not serializable"); err != nil {
				t.Fatalf("mark missing: %v", err)
			}
			_, err := s.Get(ctx, 1)
			var missing *MissingError
			if !errors.As(err, &missing) || missing.Timestamp != 1 {
				t.Fatalf("get = %v, want MissingError", err)
			}
			if !errors.Is(err, ErrNotFound) {
				t.Fatal("missing marker should match ErrNotFound")
			}

			summary, err := s.Summary(ctx)
			if err != nil {
				t.Fatalf("summary: %v", err)
			}
			if len(summary) != 1 || !summary[0].Missing || summary[0].Reason == "" {
				t.Fatalf("summary = %+v", summary)
			}
		})
	}
}

func TestLatestBefore(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Put(ctx, 0, []byte("zero"))
			_ = s.Put(ctx, 2, []byte("two"))
			_ = s.MarkMissing(ctx, 3, "boom")
			_ = s.Put(ctx, 5, []byte("five"))

			tests := []struct {
				at      uint64
				wantKey uint64
				want    string
			}{
				{at: 0, wantKey: 0, want: "zero"},
				{at: 1, wantKey: 0, want: "zero"},
				{at: 2, wantKey: 2, want: "two"},
				{at: 3, wantKey: 2, want: "two"},
				{at: 4, wantKey: 2, want: "two"},
				{at: 100, wantKey: 5, want: "five"},
			}
			for _, tt := range tests {
				key, state, err := s.LatestBefore(ctx, tt.at)
				if err != nil {
					t.Fatalf("latest before %d: %v", tt.at, err)
				}
				if key != tt.wantKey || string(state) != tt.want {
					t.Fatalf("latest before %d = %d %q, want %d %q", tt.at, key, state, tt.wantKey, tt.want)
				}
			}
		})
	}
}

func TestLatestBeforeEmpty(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, _, err := s.LatestBefore(context.Background(), 10); !errors.Is(err, ErrNotFound) {
				t.Fatalf("latest before = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestSummaryIsOrdered(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, ts := range []uint64{9, 1, 4} {
				_ = s.Put(ctx, ts, []byte{byte(ts)})
			}
			summary, err := s.Summary(ctx)
			if err != nil {
				t.Fatalf("summary: %v", err)
			}
			if len(summary) != 3 || summary[0].Timestamp != 1 || summary[1].Timestamp != 4 || summary[2].Timestamp != 9 {
				t.Fatalf("summary = %+v", summary)
			}
		})
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, 1, nil); !errors.Is(err, context.Canceled) {
				t.Fatalf("put = %v, want context.Canceled", err)
			}
		})
	}
}

func TestNilReceivers(t *testing.T) {
	var m *Memory
	if err := m.Put(context.Background(), 1, nil); !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("put = %v, want ErrStoreRequired", err)
	}
	var b *BlobBacked
	if _, err := b.Get(context.Background(), 1); !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("get = %v, want ErrStoreRequired", err)
	}
}

func TestBlobBackedDeduplicatesAndReloads(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	first, _ := NewBlobBacked(store, nil)
	_ = first.Put(ctx, 1, []byte("same"))
	_ = first.Put(ctx, 2, []byte("same"))

	summary, _ := first.Summary(ctx)
	if summary[0].Ref == "" || summary[0].Ref != summary[1].Ref {
		t.Fatalf("identical states should share a ref: %+v", summary)
	}

	reloaded, err := NewBlobBacked(store, summary)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.Get(ctx, 2)
	if err != nil || string(got) != "same" {
		t.Fatalf("get after reload = %q, %v", got, err)
	}

	if _, err := NewBlobBacked(store, []Entry{{Timestamp: 5}}); err == nil {
		t.Fatal("expected error for entry without ref")
	}
}
