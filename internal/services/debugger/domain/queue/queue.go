// Package queue edits messages the runtime has accepted but not delivered.
package queue

import (
	"context"
	"strconv"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
)

// Pending is the runtime's view of its undelivered queue. PendingReplace must
// swap the payload in place under the same lock delivery takes.
type Pending interface {
	Pending() []envelope.Envelope
	PendingLen() int
	PendingReplace(index int, payload envelope.Payload) error
}

// Item is one pending message with its queue position.
type Item struct {
	Index    int
	Envelope envelope.Envelope
}

// Editor validates and applies operator edits to the pending queue.
type Editor struct {
	runtime Pending
}

// NewEditor returns an editor over runtime.
func NewEditor(runtime Pending) *Editor {
	return &Editor{runtime: runtime}
}

// OutOfRange builds the error returned for a bad queue index.
func OutOfRange(index, length int) *apperrors.Error {
	return apperrors.WithMetadata(apperrors.CodeIndexOutOfRange,
		"queue index "+strconv.Itoa(index)+" out of range [0, "+strconv.Itoa(length)+")",
		map[string]string{"index": strconv.Itoa(index), "length": strconv.Itoa(length)})
}

// List returns the pending queue in delivery order.
func (e *Editor) List(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pending := e.runtime.Pending()
	items := make([]Item, len(pending))
	for i, env := range pending {
		items[i] = Item{Index: i, Envelope: env}
	}
	return items, nil
}

// ReplaceAt swaps the payload of the message at index. Order, length and every
// other entry stay as they were. A bad index leaves the queue untouched.
func (e *Editor) ReplaceAt(ctx context.Context, index int, payload envelope.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := e.runtime.PendingLen(); index < 0 || index >= n {
		return OutOfRange(index, n)
	}
	return e.runtime.PendingReplace(index, payload.Clone())
}
