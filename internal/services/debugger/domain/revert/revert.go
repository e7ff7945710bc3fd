// Package revert rewinds the live timeline to an earlier recorded message,
// archives what was cut, and re-injects the (possibly edited) message.
package revert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/checkpoint"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/ledger"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/louisbranch/rewind/revert"

// Runtime is what a revert needs from the actor runtime.
type Runtime interface {
	IsRunning() bool
	// Stop ends auto-processing and returns once no delivery is in flight.
	Stop(ctx context.Context) error
	// Resend enqueues env at the back of the pending queue.
	Resend(ctx context.Context, env envelope.Envelope) error
	RestoreState(ctx context.Context, state []byte) error
}

// Config wires a Manager.
type Config struct {
	Runtime     Runtime
	Ledger      *ledger.Ledger
	Checkpoints checkpoint.Store
	Sessions    *session.Store
	// Score returns the current score, or nil when no scorer is configured.
	Score func(ctx context.Context) *score.Result
	// InvalidateScore is called after the ledger is pruned.
	InvalidateScore func()
}

// Result describes a completed revert. Warnings are non-fatal problems, such
// as a cutoff without a usable checkpoint.
type Result struct {
	Cutoff    uint64
	Session   int
	Discarded int
	Resent    envelope.Envelope
	Restored  bool
	Warnings  []*apperrors.Error
}

// Manager runs one revert at a time.
type Manager struct {
	runtime     Runtime
	ledger      *ledger.Ledger
	checkpoints checkpoint.Store
	sessions    *session.Store
	score       func(ctx context.Context) *score.Result
	invalidate  func()

	mu        sync.Mutex
	reverting atomic.Bool

	tracer  trace.Tracer
	reverts metric.Int64Counter
}

// New validates cfg and builds a manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Checkpoints == nil {
		return nil, checkpoint.ErrStoreRequired
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	scoreFn := cfg.Score
	if scoreFn == nil {
		scoreFn = func(context.Context) *score.Result { return nil }
	}
	invalidate := cfg.InvalidateScore
	if invalidate == nil {
		invalidate = func() {}
	}
	reverts, err := otel.Meter(instrumentationName).Int64Counter("rewind.reverts",
		metric.WithDescription("Completed reverts by outcome"))
	if err != nil {
		return nil, err
	}
	return &Manager{
		runtime:     cfg.Runtime,
		ledger:      cfg.Ledger,
		checkpoints: cfg.Checkpoints,
		sessions:    cfg.Sessions,
		score:       scoreFn,
		invalidate:  invalidate,
		tracer:      otel.Tracer(instrumentationName),
		reverts:     reverts,
	}, nil
}

// Reverting reports whether a revert is in progress.
func (m *Manager) Reverting() bool {
	return m.reverting.Load()
}

// Busy is the error returned while another revert holds the manager.
func Busy() *apperrors.Error {
	return apperrors.New(apperrors.CodeRuntimeBusy, "a revert is already in progress")
}

// RevertTo rewinds to cutoff. The message recorded at cutoff is removed from
// history and sent again, carrying replacement when given. State is restored
// from the checkpoint taken exactly at cutoff after the message is queued; a
// missing checkpoint is a warning, not a failure. Once validation passes the
// revert runs to completion even if ctx is canceled.
func (m *Manager) RevertTo(ctx context.Context, cutoff uint64, replacement *envelope.Payload) (Result, error) {
	if !m.mu.TryLock() {
		return Result{}, Busy()
	}
	defer m.mu.Unlock()
	m.reverting.Store(true)
	defer m.reverting.Store(false)

	ctx, span := m.tracer.Start(ctx, "revert", trace.WithAttributes(
		attribute.Int64("cutoff", int64(cutoff)),
		attribute.Bool("edited", replacement != nil),
	))
	defer span.End()

	res, err := m.revert(ctx, cutoff, replacement)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(apperrors.CodeOf(err))
		span.RecordError(err)
	case len(res.Warnings) > 0:
		outcome = "warning"
	}
	m.reverts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return res, err
}

func (m *Manager) revert(ctx context.Context, cutoff uint64, replacement *envelope.Payload) (Result, error) {
	if m.runtime.IsRunning() {
		if err := m.runtime.Stop(ctx); err != nil {
			return Result{}, apperrors.Wrap(apperrors.CodeRuntimeBusy, "stop runtime before revert", err)
		}
		if m.runtime.IsRunning() {
			return Result{}, apperrors.New(apperrors.CodeRuntimeBusy, "runtime did not stop")
		}
	}

	ts := strconv.FormatUint(cutoff, 10)
	original, ok := m.ledger.Lookup(cutoff)
	if !ok {
		return Result{}, apperrors.WithMetadata(apperrors.CodeUnknownTimestamp,
			fmt.Sprintf("no recorded message at timestamp %d", cutoff),
			map[string]string{"timestamp": ts})
	}

	payload := original.Envelope.Message()
	if replacement != nil {
		payload = replacement.Clone()
	}
	resend, err := resendEnvelope(original.Envelope, payload)
	if err != nil {
		return Result{}, apperrors.WithMetadata(apperrors.CodeUnsupportedEnvelopeKind, err.Error(),
			map[string]string{"timestamp": ts, "kind": string(original.Envelope.Kind())})
	}

	if err := ctx.Err(); err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeUnknown, "revert canceled before it started", err)
	}
	// The timeline changes from here on; finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	res := Result{Cutoff: cutoff, Resent: resend}
	res.Session = m.sessions.Archive(envelope.RenderEvents(m.ledger.All()), m.score(ctx), cutoff)
	res.Discarded = m.ledger.PruneAtOrAfter(cutoff)
	m.invalidate()

	if err := m.runtime.Resend(ctx, resend); err != nil {
		return res, apperrors.Wrap(apperrors.CodeUnknown, "resend message", err)
	}

	state, err := m.checkpoints.Get(ctx, cutoff)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		log.Printf("revert: no checkpoint at ts=%d, state not restored: %v", cutoff, err)
		res.Warnings = append(res.Warnings, apperrors.WithMetadata(apperrors.CodeMissingCheckpoint,
			fmt.Sprintf("no checkpoint at timestamp %d; state not restored", cutoff),
			map[string]string{"timestamp": ts}))
		return res, nil
	case err != nil:
		log.Printf("revert: load checkpoint ts=%d: %v", cutoff, err)
		warning := apperrors.Wrap(apperrors.CodeStorageUnavailable, "load checkpoint", err)
		res.Warnings = append(res.Warnings, warning)
		return res, nil
	}
	if err := m.runtime.RestoreState(ctx, state); err != nil {
		return res, apperrors.Wrap(apperrors.CodeUnknown, "restore state", err)
	}
	res.Restored = true
	return res, nil
}

// resendEnvelope rebuilds the envelope to send again. Replies have no resend
// path.
func resendEnvelope(original envelope.Envelope, payload envelope.Payload) (envelope.Envelope, error) {
	env := envelope.Fold(original,
		func(d envelope.Directed) envelope.Envelope {
			return envelope.Directed{Payload: payload, Sender: d.Sender, Recipient: d.Recipient}
		},
		func(b envelope.Broadcast) envelope.Envelope {
			return envelope.Broadcast{Payload: payload, Sender: b.Sender, Topic: b.Topic}
		},
		func(envelope.Reply) envelope.Envelope { return nil },
	)
	if env == nil {
		return nil, errors.New("reply messages cannot be sent again")
	}
	return env, nil
}
