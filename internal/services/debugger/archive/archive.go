// Package archive saves and loads a debugger timeline (history, sessions and
// the checkpoint index) as a manifest in a blob store. Checkpoint states are
// stored by content so a manifest only references them.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/rewind/internal/platform/storage/blob"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/checkpoint"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/session"
)

// Version is the manifest format written by Save.
const Version = 1

// ErrNotFound indicates no manifest was saved under a name.
var ErrNotFound = errors.New("archive not found")

// Manifest is one saved timeline.
type Manifest struct {
	Version     int                         `json:"version"`
	SavedAt     time.Time                   `json:"saved_at"`
	History     []envelope.TimestampedEvent `json:"history"`
	Sessions    []session.Indexed           `json:"sessions"`
	ResetFrom   *uint64                     `json:"reset_from,omitempty"`
	Checkpoints []checkpoint.Entry          `json:"checkpoints"`
}

// Key returns the blob key for the manifest called name.
func Key(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}
	key := "manifests/" + name + ".json"
	if err := blob.ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// Save writes m under name. Checkpoint entries without a blob reference are
// copied out of checkpoints into store first.
func Save(ctx context.Context, store blob.Store, name string, m Manifest, checkpoints checkpoint.Store) error {
	key, err := Key(name)
	if err != nil {
		return err
	}
	for i, entry := range m.Checkpoints {
		if entry.Missing || entry.Ref != "" {
			continue
		}
		state, err := checkpoints.Get(ctx, entry.Timestamp)
		if err != nil {
			return fmt.Errorf("read checkpoint %d: %w", entry.Timestamp, err)
		}
		ref, err := blob.PutContent(ctx, store, state)
		if err != nil {
			return fmt.Errorf("store checkpoint %d: %w", entry.Timestamp, err)
		}
		m.Checkpoints[i].Ref = ref
	}
	m.Version = Version
	if m.SavedAt.IsZero() {
		m.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Load reads the manifest saved under name.
func Load(ctx context.Context, store blob.Store, name string) (Manifest, error) {
	key, err := Key(name)
	if err != nil {
		return Manifest{}, err
	}
	data, err := store.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return Manifest{}, ErrNotFound
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != Version {
		return Manifest{}, fmt.Errorf("manifest version %d is not supported", m.Version)
	}
	return m, nil
}

// MaxTimestamp returns the highest timestamp referenced by m, and false when
// m records nothing.
func (m Manifest) MaxTimestamp() (uint64, bool) {
	var (
		max   uint64
		found bool
	)
	bump := func(ts uint64) {
		if !found || ts > max {
			max, found = ts, true
		}
	}
	for _, ev := range m.History {
		bump(ev.Timestamp)
	}
	for _, entry := range m.Checkpoints {
		bump(entry.Timestamp)
	}
	for _, s := range m.Sessions {
		for _, msg := range s.Session.Messages {
			if msg.Timestamp != nil {
				bump(*msg.Timestamp)
			}
		}
	}
	return max, found
}
