package revert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/checkpoint"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/intercept"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/ledger"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/sequencer"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/session"
)

type fakeRuntime struct {
	mu        sync.Mutex
	running   bool
	stuck     bool
	stopCalls int
	stopGate  chan struct{}
	stopped   chan struct{}
	pending   []envelope.Envelope
	restored  [][]byte
	state     int
}

func (r *fakeRuntime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRuntime) Stop(context.Context) error {
	if r.stopped != nil {
		close(r.stopped)
	}
	if r.stopGate != nil {
		<-r.stopGate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCalls++
	if !r.stuck {
		r.running = false
	}
	return nil
}

func (r *fakeRuntime) Resend(ctx context.Context, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, env)
	return nil
}

func (r *fakeRuntime) RestoreState(ctx context.Context, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restored = append(r.restored, state)
	return nil
}

func (r *fakeRuntime) SnapshotState(context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state++
	return []byte(fmt.Sprintf("state-%d", r.state-1)), nil
}

type fixture struct {
	runtime     *fakeRuntime
	seq         *sequencer.Sequencer
	ledger      *ledger.Ledger
	checkpoints *checkpoint.Memory
	sessions    *session.Store
	hooks       *intercept.Handler
	manager     *Manager
	// onScore runs when the manager scores the session being archived.
	onScore func()
}

var group = envelope.TopicID{Type: "group", Source: "default"}

func text(s string) envelope.Payload {
	return envelope.Payload{Type: "Text", Body: []byte(`"` + s + `"`)}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led, err := ledger.New(nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	f := &fixture{
		runtime:     &fakeRuntime{},
		seq:         sequencer.New(0),
		ledger:      led,
		checkpoints: checkpoint.NewMemory(),
		sessions:    session.NewStore(),
	}
	f.hooks, err = intercept.New(intercept.Config{
		Sequencer:   f.seq,
		Ledger:      f.ledger,
		Checkpoints: f.checkpoints,
		Snapshotter: f.runtime,
	})
	if err != nil {
		t.Fatalf("new hooks: %v", err)
	}
	f.manager, err = New(Config{
		Runtime:     f.runtime,
		Ledger:      f.ledger,
		Checkpoints: f.checkpoints,
		Sessions:    f.sessions,
		Score: func(context.Context) *score.Result {
			if f.onScore != nil {
				f.onScore()
			}
			return &score.Result{Passed: false}
		},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return f
}

// record publishes n messages through the hooks, producing timestamps 0..n-1.
func (f *fixture) record(n int) {
	for i := 0; i < n; i++ {
		f.hooks.OnPublish(context.Background(), text(fmt.Sprintf("m%d", i)), nil, group, "")
	}
}

// deliverPending runs every resent envelope through the hooks.
func (f *fixture) deliverPending() {
	f.runtime.mu.Lock()
	pending := f.runtime.pending
	f.runtime.pending = nil
	f.runtime.mu.Unlock()
	ctx := context.Background()
	for _, env := range pending {
		envelope.Fold(env,
			func(d envelope.Directed) struct{} {
				f.hooks.OnSend(ctx, d.Payload, d.Sender, d.Recipient, d.CorrelationID)
				return struct{}{}
			},
			func(b envelope.Broadcast) struct{} {
				f.hooks.OnPublish(ctx, b.Payload, b.Sender, b.Topic, b.CorrelationID)
				return struct{}{}
			},
			func(r envelope.Reply) struct{} {
				f.hooks.OnResponse(ctx, r.Payload, r.Sender, r.Recipient)
				return struct{}{}
			},
		)
	}
}

func TestRevertScenario(t *testing.T) {
	f := newFixture(t)
	f.record(3)
	edited := text("X")

	res, err := f.manager.RevertTo(context.Background(), 1, &edited)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("warnings = %v, want none", res.Warnings)
	}
	if !res.Restored {
		t.Fatal("expected state restored")
	}
	if res.Discarded != 2 {
		t.Fatalf("discarded = %d, want 2", res.Discarded)
	}

	all := f.sessions.All()
	if len(all) != 1 || all[0].Index != res.Session {
		t.Fatalf("archived sessions = %+v, want session %d", all, res.Session)
	}
	archived := all[0].Session
	if len(archived.Messages) != 3 {
		t.Fatalf("archived messages = %d, want 3", len(archived.Messages))
	}
	if archived.Score == nil {
		t.Fatal("expected archived score")
	}
	if r := f.sessions.ResetFrom(); r == nil || *r != 1 {
		t.Fatalf("reset from = %v, want 1", r)
	}

	events := f.ledger.All()
	if len(events) != 1 || events[0].Timestamp != 0 {
		t.Fatalf("ledger = %+v, want only event 0", events)
	}

	f.runtime.mu.Lock()
	restored := f.runtime.restored
	f.runtime.mu.Unlock()
	if len(restored) != 1 || string(restored[0]) != "state-1" {
		t.Fatalf("restored = %q, want state-1", restored)
	}

	f.deliverPending()
	last, ok := f.ledger.Last()
	if !ok || last.Timestamp < 3 {
		t.Fatalf("last = %+v, want timestamp >= 3", last)
	}
	if string(last.Envelope.Message().Body) != `"X"` {
		t.Fatalf("last body = %s, want X", last.Envelope.Message().Body)
	}
	b, ok := last.Envelope.(envelope.Broadcast)
	if !ok || b.Topic != group {
		t.Fatalf("last envelope = %#v, want broadcast to group", last.Envelope)
	}
}

func TestRevertRoundTripTimestamps(t *testing.T) {
	f := newFixture(t)
	f.record(5)
	maxBefore := uint64(4)

	if _, err := f.manager.RevertTo(context.Background(), 2, nil); err != nil {
		t.Fatalf("revert: %v", err)
	}
	f.deliverPending()

	var newer int
	for _, ev := range f.ledger.All() {
		if ev.Timestamp >= 2 && ev.Timestamp <= maxBefore {
			t.Fatalf("event %d survived the revert", ev.Timestamp)
		}
		if ev.Timestamp > maxBefore {
			newer++
		}
	}
	if newer != 1 {
		t.Fatalf("new events = %d, want 1", newer)
	}
	last, _ := f.ledger.Last()
	if string(last.Envelope.Message().Body) != `"m2"` {
		t.Fatalf("resent body = %s, want original m2", last.Envelope.Message().Body)
	}
}

func TestRevertMissingCheckpointWarns(t *testing.T) {
	f := newFixture(t)
	f.record(3)
	if err := f.checkpoints.MarkMissing(context.Background(), 1, "snapshot failed"); err != nil {
		t.Fatalf("mark missing: %v", err)
	}

	res, err := f.manager.RevertTo(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if res.Restored {
		t.Fatal("expected no restore")
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Code != apperrors.CodeMissingCheckpoint {
		t.Fatalf("warnings = %v, want MISSING_CHECKPOINT", res.Warnings)
	}
	f.deliverPending()
	last, _ := f.ledger.Last()
	if last.Timestamp < 3 || string(last.Envelope.Message().Body) != `"m1"` {
		t.Fatalf("last = %+v, want resent m1 at >= 3", last)
	}
}

func TestRevertCanceledBeforeStartChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.record(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.manager.RevertTo(ctx, 0, nil); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if got := len(f.ledger.All()); got != 3 {
		t.Fatalf("ledger = %d events, want 3", got)
	}
	if got := len(f.sessions.All()); got != 0 {
		t.Fatalf("archived sessions = %d, want 0", got)
	}
	if len(f.runtime.pending) != 0 || len(f.runtime.restored) != 0 {
		t.Fatalf("pending/restored = %d/%d, want 0/0", len(f.runtime.pending), len(f.runtime.restored))
	}
}

func TestRevertCompletesWhenCanceledMidway(t *testing.T) {
	f := newFixture(t)
	f.record(3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.onScore = cancel

	res, err := f.manager.RevertTo(ctx, 0, nil)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("context should have been canceled during the revert")
	}
	if res.Discarded != 3 || !res.Restored {
		t.Fatalf("result = %+v, want 3 discarded and restored", res)
	}
	f.runtime.mu.Lock()
	pending := len(f.runtime.pending)
	f.runtime.mu.Unlock()
	if pending != 1 {
		t.Fatalf("pending = %d, want the resent message", pending)
	}
}

func TestRevertUnknownTimestamp(t *testing.T) {
	f := newFixture(t)
	f.record(2)

	_, err := f.manager.RevertTo(context.Background(), 9, nil)
	if apperrors.CodeOf(err) != apperrors.CodeUnknownTimestamp {
		t.Fatalf("err = %v, want UNKNOWN_TIMESTAMP", err)
	}
	if f.ledger.Len() != 2 || len(f.sessions.All()) != 0 {
		t.Fatal("rejected revert mutated state")
	}
}

func TestRevertReplyUnsupported(t *testing.T) {
	f := newFixture(t)
	f.hooks.OnResponse(context.Background(), text("r"), envelope.AgentID{Type: "writer", Key: "default"}, nil)

	_, err := f.manager.RevertTo(context.Background(), 0, nil)
	if apperrors.CodeOf(err) != apperrors.CodeUnsupportedEnvelopeKind {
		t.Fatalf("err = %v, want UNSUPPORTED_ENVELOPE_KIND", err)
	}
	if f.ledger.Len() != 1 || len(f.sessions.All()) != 0 || len(f.runtime.pending) != 0 {
		t.Fatal("rejected revert mutated state")
	}
}

func TestRevertDirectedKeepsRoute(t *testing.T) {
	f := newFixture(t)
	sender := envelope.AgentID{Type: "manager", Key: "default"}
	recipient := envelope.AgentID{Type: "writer", Key: "default"}
	f.hooks.OnSend(context.Background(), text("hi"), &sender, recipient, "corr-1")

	res, err := f.manager.RevertTo(context.Background(), 0, nil)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	d, ok := res.Resent.(envelope.Directed)
	if !ok {
		t.Fatalf("resent = %#v, want directed", res.Resent)
	}
	if d.Recipient != recipient || d.Sender == nil || *d.Sender != sender {
		t.Fatalf("resent route = %+v, want manager -> writer", d)
	}
}

func TestRevertStopsRunningRuntime(t *testing.T) {
	f := newFixture(t)
	f.record(1)
	f.runtime.running = true

	if _, err := f.manager.RevertTo(context.Background(), 0, nil); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if f.runtime.stopCalls != 1 || f.runtime.IsRunning() {
		t.Fatalf("stop calls = %d running = %v, want stopped once", f.runtime.stopCalls, f.runtime.IsRunning())
	}
}

func TestRevertRuntimeThatWillNotStop(t *testing.T) {
	f := newFixture(t)
	f.record(1)
	f.runtime.running = true
	f.runtime.stuck = true

	_, err := f.manager.RevertTo(context.Background(), 0, nil)
	if apperrors.CodeOf(err) != apperrors.CodeRuntimeBusy {
		t.Fatalf("err = %v, want RUNTIME_BUSY", err)
	}
	if f.ledger.Len() != 1 {
		t.Fatal("rejected revert mutated the ledger")
	}
}

func TestConcurrentRevertIsBusy(t *testing.T) {
	f := newFixture(t)
	f.record(2)
	f.runtime.running = true
	f.runtime.stopGate = make(chan struct{})
	f.runtime.stopped = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.manager.RevertTo(context.Background(), 1, nil)
		done <- err
	}()
	<-f.runtime.stopped

	if !f.manager.Reverting() {
		t.Fatal("expected revert in progress")
	}
	_, err := f.manager.RevertTo(context.Background(), 0, nil)
	if apperrors.CodeOf(err) != apperrors.CodeRuntimeBusy {
		t.Fatalf("err = %v, want RUNTIME_BUSY", err)
	}

	close(f.runtime.stopGate)
	if err := <-done; err != nil {
		t.Fatalf("first revert: %v", err)
	}
	if f.manager.Reverting() {
		t.Fatal("expected revert finished")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error")
	}
	led, _ := ledger.New(nil)
	_, err := New(Config{Runtime: &fakeRuntime{}, Ledger: led, Sessions: session.NewStore()})
	if !errors.Is(err, checkpoint.ErrStoreRequired) {
		t.Fatalf("err = %v, want store required", err)
	}
}
