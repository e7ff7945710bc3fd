// Package intercept implements the hooks the actor runtime calls right before
// it delivers a message. Each hook either drops the message or checkpoints the
// runtime, records the message in the ledger, and lets it through.
package intercept

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/louisbranch/rewind/internal/services/debugger/domain/checkpoint"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/ledger"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/sequencer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/louisbranch/rewind/intercept"

// Decision tells the runtime what to do with an intercepted message.
type Decision int

const (
	// Deliver hands the returned payload to the recipient.
	Deliver Decision = iota
	// Drop discards the message. It is not an error.
	Drop
)

func (d Decision) String() string {
	if d == Drop {
		return "drop"
	}
	return "deliver"
}

// Snapshotter serializes the whole actor system.
type Snapshotter interface {
	SnapshotState(ctx context.Context) ([]byte, error)
}

// SnapshotFunc adapts a function to Snapshotter.
type SnapshotFunc func(ctx context.Context) ([]byte, error)

// SnapshotState implements Snapshotter.
func (f SnapshotFunc) SnapshotState(ctx context.Context) ([]byte, error) { return f(ctx) }

// Notice describes one intercepted message after the hook decided its fate.
// Timestamp is zero for dropped messages.
type Notice struct {
	Envelope  envelope.Envelope
	Timestamp uint64
	Dropped   bool
}

// Observer is called after a hook returns its decision, outside any lock.
type Observer func(ctx context.Context, n Notice)

// Config wires a Handler to the shared timeline state.
type Config struct {
	Sequencer   *sequencer.Sequencer
	Ledger      *ledger.Ledger
	Checkpoints checkpoint.Store
	Snapshotter Snapshotter
	// InvalidateScore is called for every recorded message.
	InvalidateScore func()
}

// Handler owns the drop flag and serializes checkpoint-then-record.
type Handler struct {
	seq         *sequencer.Sequencer
	ledger      *ledger.Ledger
	checkpoints checkpoint.Store
	snapshotter Snapshotter
	invalidate  func()

	mu   sync.Mutex
	drop bool

	observersMu sync.RWMutex
	observers   []Observer

	tracer   trace.Tracer
	recorded metric.Int64Counter
	dropped  metric.Int64Counter
	missing  metric.Int64Counter
}

// New validates cfg and builds a handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Sequencer == nil {
		return nil, errors.New("sequencer is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Checkpoints == nil {
		return nil, checkpoint.ErrStoreRequired
	}
	if cfg.Snapshotter == nil {
		return nil, errors.New("snapshotter is required")
	}
	invalidate := cfg.InvalidateScore
	if invalidate == nil {
		invalidate = func() {}
	}

	meter := otel.Meter(instrumentationName)
	recorded, err := meter.Int64Counter("rewind.intercept.recorded",
		metric.WithDescription("Messages checkpointed and recorded in history"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("rewind.intercept.dropped",
		metric.WithDescription("Messages discarded by a drop request"))
	if err != nil {
		return nil, err
	}
	missing, err := meter.Int64Counter("rewind.intercept.missing_checkpoints",
		metric.WithDescription("Recorded messages without a state snapshot"))
	if err != nil {
		return nil, err
	}

	return &Handler{
		seq:         cfg.Sequencer,
		ledger:      cfg.Ledger,
		checkpoints: cfg.Checkpoints,
		snapshotter: cfg.Snapshotter,
		invalidate:  invalidate,
		tracer:      otel.Tracer(instrumentationName),
		recorded:    recorded,
		dropped:     dropped,
		missing:     missing,
	}, nil
}

// DropNext arms the one-shot drop flag. Arming it twice before a message is
// intercepted still drops a single message.
func (h *Handler) DropNext() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = true
}

// DropPending reports whether the drop flag is armed.
func (h *Handler) DropPending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drop
}

// Observe registers fn for every later decision.
func (h *Handler) Observe(fn Observer) {
	if fn == nil {
		return
	}
	h.observersMu.Lock()
	defer h.observersMu.Unlock()
	h.observers = append(h.observers, fn)
}

// OnSend intercepts a directed message.
func (h *Handler) OnSend(ctx context.Context, payload envelope.Payload, sender *envelope.AgentID, recipient envelope.AgentID, correlationID string) (envelope.Payload, Decision) {
	return h.intercept(ctx, envelope.Directed{
		Payload:       payload,
		Sender:        sender,
		Recipient:     recipient,
		CorrelationID: correlationID,
	})
}

// OnPublish intercepts a broadcast message.
func (h *Handler) OnPublish(ctx context.Context, payload envelope.Payload, sender *envelope.AgentID, topic envelope.TopicID, correlationID string) (envelope.Payload, Decision) {
	return h.intercept(ctx, envelope.Broadcast{
		Payload:       payload,
		Sender:        sender,
		Topic:         topic,
		CorrelationID: correlationID,
	})
}

// OnResponse intercepts a reply to a directed message.
func (h *Handler) OnResponse(ctx context.Context, payload envelope.Payload, sender envelope.AgentID, recipient *envelope.AgentID) (envelope.Payload, Decision) {
	return h.intercept(ctx, envelope.Reply{
		Payload:   payload,
		Sender:    sender,
		Recipient: recipient,
	})
}

// intercept is the only path that records a message. The checkpoint for the
// message's timestamp is stored before the message is appended.
func (h *Handler) intercept(ctx context.Context, env envelope.Envelope) (envelope.Payload, Decision) {
	if ctx == nil {
		ctx = context.Background()
	}
	kind := attribute.String("kind", string(env.Kind()))
	ctx, span := h.tracer.Start(ctx, "intercept", trace.WithAttributes(kind))
	defer span.End()

	notice, ok := h.record(ctx, env)
	if notice.Dropped {
		h.dropped.Add(ctx, 1, metric.WithAttributes(kind))
		span.SetAttributes(attribute.Bool("dropped", true))
	} else if ok {
		h.recorded.Add(ctx, 1, metric.WithAttributes(kind))
		span.SetAttributes(attribute.Int64("timestamp", int64(notice.Timestamp)))
	}
	if notice.Dropped || ok {
		h.notify(ctx, notice)
	}

	if notice.Dropped {
		return envelope.Payload{}, Drop
	}
	return env.Message(), Deliver
}

func (h *Handler) record(ctx context.Context, env envelope.Envelope) (Notice, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.drop {
		h.drop = false
		return Notice{Envelope: env, Dropped: true}, false
	}

	h.invalidate()
	ts := h.seq.Current()
	h.checkpoint(ctx, ts)
	if next := h.seq.Next(); next != ts {
		log.Printf("intercept: sequencer moved during checkpoint ts=%d next=%d", ts, next)
		ts = next
	}
	ev := envelope.TimestampedEvent{Envelope: env, Timestamp: ts}
	if err := h.ledger.Append(ev); err != nil {
		log.Printf("intercept: append ts=%d: %v", ts, err)
		return Notice{Envelope: env, Timestamp: ts}, false
	}
	return Notice{Envelope: env, Timestamp: ts}, true
}

// checkpoint stores a snapshot for ts or, when none can be taken, a marker
// saying it is missing.
func (h *Handler) checkpoint(ctx context.Context, ts uint64) {
	state, err := h.snapshotter.SnapshotState(ctx)
	if err == nil {
		if err = h.checkpoints.Put(ctx, ts, state); err == nil {
			return
		}
	}
	h.missing.Add(ctx, 1)
	log.Printf("intercept: checkpoint ts=%d missing: %v", ts, err)
	if markErr := h.checkpoints.MarkMissing(ctx, ts, err.Error()); markErr != nil {
		log.Printf("intercept: mark checkpoint ts=%d missing: %v", ts, markErr)
	}
}

func (h *Handler) notify(ctx context.Context, n Notice) {
	h.observersMu.RLock()
	observers := append([]Observer(nil), h.observers...)
	h.observersMu.RUnlock()
	for _, fn := range observers {
		fn(ctx, n)
	}
}
