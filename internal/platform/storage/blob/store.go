// Package blob provides keyed byte storage with interchangeable backends
// (memory, filesystem, SQLite, Redis, S3, GCS).
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("blob not found")

// ContentPrefix prefixes content-addressed references.
const ContentPrefix = "sha256:"

// Store persists opaque values under slash-separated keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// ValidateKey rejects keys that could escape a backend's namespace.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("blob key is required")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("blob key %q must be relative", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("blob key %q has an invalid segment", key)
		}
	}
	return nil
}

// ContentRef returns the sha256 reference for data.
func ContentRef(data []byte) string {
	sum := sha256.Sum256(data)
	return ContentPrefix + hex.EncodeToString(sum[:])
}

// contentKey maps a content reference onto the key it is stored under.
func contentKey(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, ContentPrefix)
	if !ok {
		return "", fmt.Errorf("invalid content ref: %s", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil || len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid content ref hex: %s", ref)
	}
	return "content/" + raw + ".blob", nil
}

// PutContent stores data under its content hash and returns the reference.
// Storing the same bytes twice is a no-op.
func PutContent(ctx context.Context, store Store, data []byte) (string, error) {
	ref := ContentRef(data)
	key, _ := contentKey(ref)
	exists, err := store.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("check content %s: %w", ref, err)
	}
	if exists {
		return ref, nil
	}
	if err := store.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("put content %s: %w", ref, err)
	}
	return ref, nil
}

// GetContent loads bytes by reference and verifies their hash.
func GetContent(ctx context.Context, store Store, ref string) ([]byte, error) {
	key, err := contentKey(ref)
	if err != nil {
		return nil, err
	}
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if got := ContentRef(data); got != ref {
		return nil, fmt.Errorf("content %s is corrupt: hash %s", ref, got)
	}
	return data, nil
}
