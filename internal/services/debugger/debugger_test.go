package debugger

import (
	"context"
	"strings"
	"testing"
	"time"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/platform/storage/blob"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
	"github.com/louisbranch/rewind/internal/services/debugger/scenario"
)

func newTestDebugger(t *testing.T, blobs blob.Store, restore bool) *Debugger {
	t.Helper()
	team, err := scenario.Demo()
	if err != nil {
		t.Fatalf("demo team: %v", err)
	}
	d, err := New(context.Background(), Config{
		Team:    team,
		Scorer:  score.HumanEval,
		Blobs:   blobs,
		Archive: "test",
		Restore: restore,
		Kickoff: true,
	})
	if err != nil {
		t.Fatalf("new debugger: %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func drain(t *testing.T, d *Debugger) int {
	t.Helper()
	ctx := context.Background()
	steps := 0
	for {
		ok, err := d.Step(ctx)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if !ok {
			return steps
		}
		steps++
		if steps > 100 {
			t.Fatal("conversation did not finish")
		}
	}
}

func TestKickoffQueuesStartMessage(t *testing.T) {
	d := newTestDebugger(t, nil, false)

	pending, err := d.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Message.Kind != envelope.KindBroadcast {
		t.Fatalf("kind = %s, want %s", pending[0].Message.Kind, envelope.KindBroadcast)
	}
	if pending[0].Message.Timestamp != nil {
		t.Fatal("pending message should not have a timestamp")
	}
}

func TestStepRecordsAndScores(t *testing.T) {
	d := newTestDebugger(t, nil, false)
	ctx := context.Background()

	if n := drain(t, d); n != 13 {
		t.Fatalf("steps = %d, want 13", n)
	}
	history, err := d.History(ctx, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 13 {
		t.Fatalf("history = %d, want 13", len(history))
	}
	for i, ev := range history {
		if ev.Timestamp == nil || *ev.Timestamp != uint64(i) {
			t.Fatalf("history[%d] timestamp = %v, want %d", i, ev.Timestamp, i)
		}
	}

	res, err := d.Score(ctx)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res == nil || !res.Passed {
		t.Fatalf("score = %+v, want passed", res)
	}

	ok, err := d.Step(ctx)
	if err != nil || ok {
		t.Fatalf("step on empty queue = %v, %v, want false, nil", ok, err)
	}
}

func TestHistoryFilter(t *testing.T) {
	d := newTestDebugger(t, nil, false)
	ctx := context.Background()
	drain(t, d)

	replies, err := d.History(ctx, `kind = "reply"`)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(replies) != 4 {
		t.Fatalf("replies = %d, want 4", len(replies))
	}

	_, err = d.History(ctx, "nope = 1")
	if got := apperrors.CodeOf(err); got != apperrors.CodeInvalidArgument {
		t.Fatalf("code = %s, want %s", got, apperrors.CodeInvalidArgument)
	}
}

func TestDropNextSkipsRecording(t *testing.T) {
	d := newTestDebugger(t, nil, false)
	ctx := context.Background()

	ok, err := d.DropNext(ctx)
	if err != nil || !ok {
		t.Fatalf("drop = %v, %v, want true, nil", ok, err)
	}
	if got, _ := d.Status(ctx); got.Unprocessed != 0 || got.DropArmed {
		t.Fatalf("status = %+v, want empty queue and disarmed", got)
	}
	history, _ := d.History(ctx, "")
	if len(history) != 0 {
		t.Fatalf("history = %d, want 0", len(history))
	}

	ok, err = d.DropNext(ctx)
	if err != nil || ok {
		t.Fatalf("drop on empty queue = %v, %v, want false, nil", ok, err)
	}
	if got, _ := d.Status(ctx); got.DropArmed {
		t.Fatal("drop on empty queue should not arm")
	}
}

func TestEditPendingChangesDelivery(t *testing.T) {
	d := newTestDebugger(t, nil, false)
	ctx := context.Background()

	payload, err := envelope.NewPayload(scenario.TypeGroupChatMessage, scenario.ChatMessage{Content: "edited", Source: "user"})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := d.EditPending(ctx, 0, payload); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if _, err := d.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	history, _ := d.History(ctx, "")
	if len(history) != 1 || !strings.Contains(string(history[0].Message.Body), "edited") {
		t.Fatalf("history = %+v, want edited start message", history)
	}

	err = d.EditPending(ctx, 9, payload)
	if got := apperrors.CodeOf(err); got != apperrors.CodeIndexOutOfRange {
		t.Fatalf("code = %s, want %s", got, apperrors.CodeIndexOutOfRange)
	}
}

func TestRevertArchivesSession(t *testing.T) {
	d := newTestDebugger(t, nil, false)
	ctx := context.Background()
	drain(t, d)

	view, err := d.Revert(ctx, 0, nil)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if view.Discarded != 13 || !view.Restored {
		t.Fatalf("revert = %+v, want 13 discarded and restored", view)
	}

	sessions, err := d.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions.Sessions))
	}
	archived := sessions.Sessions[0].Session
	if len(archived.Messages) != 13 {
		t.Fatalf("archived messages = %d, want 13", len(archived.Messages))
	}
	if archived.Score == nil || !archived.Score.Passed {
		t.Fatalf("archived score = %+v, want passed", archived.Score)
	}

	ok, err := d.Step(ctx)
	if err != nil || !ok {
		t.Fatalf("step after revert = %v, %v", ok, err)
	}
	history, _ := d.History(ctx, "")
	if len(history) != 1 || *history[0].Timestamp < 13 {
		t.Fatalf("history = %+v, want one event with a fresh timestamp", history)
	}

	_, err = d.Revert(ctx, 999, nil)
	if got := apperrors.CodeOf(err); got != apperrors.CodeUnknownTimestamp {
		t.Fatalf("code = %s, want %s", got, apperrors.CodeUnknownTimestamp)
	}
}

func TestRevertWithCanceledContextKeepsTimeline(t *testing.T) {
	d := newTestDebugger(t, nil, false)
	drain(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Revert(ctx, 0, nil); err == nil {
		t.Fatal("expected error for canceled context")
	}
	background := context.Background()
	history, _ := d.History(background, "")
	if len(history) != 13 {
		t.Fatalf("history = %d events, want 13", len(history))
	}
	sessions, _ := d.Sessions(background)
	if len(sessions.Sessions) != 1 {
		t.Fatalf("sessions = %d, want only the live one", len(sessions.Sessions))
	}
}

func TestSaveAndRestore(t *testing.T) {
	blobs := blob.NewMemoryStore()
	d := newTestDebugger(t, blobs, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := d.Step(ctx); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if err := d.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := newTestDebugger(t, blobs, true)
	history, _ := restored.History(ctx, "")
	if len(history) != 3 {
		t.Fatalf("restored history = %d, want 3", len(history))
	}
	if got, _ := restored.Status(ctx); got.Unprocessed != 0 {
		t.Fatal("restored timeline should not queue the start message")
	}
	if _, err := restored.Revert(ctx, 1, nil); err != nil {
		t.Fatalf("revert restored timeline: %v", err)
	}
}

func TestSendAndAgentState(t *testing.T) {
	d := newTestDebugger(t, nil, false)
	ctx := context.Background()

	if err := d.Send(ctx, "nobody", envelope.Payload{Type: "Text"}); apperrors.CodeOf(err) != apperrors.CodeUnknownAgent {
		t.Fatalf("send unknown = %v, want %s", err, apperrors.CodeUnknownAgent)
	}
	if err := d.Publish(ctx, "", envelope.Payload{Type: "Text"}); apperrors.CodeOf(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("publish empty topic = %v, want %s", err, apperrors.CodeInvalidArgument)
	}

	drain(t, d)
	state, err := d.AgentState(ctx, "manager")
	if err != nil {
		t.Fatalf("agent state: %v", err)
	}
	if !state.Instantiated || !strings.Contains(string(state.State), `"turn":4`) {
		t.Fatalf("state = %+v, want instantiated at turn 4", state)
	}

	agents, _ := d.Agents(ctx)
	if len(agents) != 4 {
		t.Fatalf("agents = %d, want 4", len(agents))
	}
	if got, _ := d.Topics(ctx); len(got) != 1 || got[0] != "group/default" {
		t.Fatalf("topics = %v, want [group/default]", got)
	}
}

func TestLoopAndFeed(t *testing.T) {
	d := newTestDebugger(t, nil, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, unsubscribe := d.Subscribe()
	defer unsubscribe()

	if err := d.StartLoop(ctx); err != nil {
		t.Fatalf("start loop: %v", err)
	}
	recorded := 0
	for recorded < 13 {
		select {
		case ev := <-events:
			if ev.Type == FeedRecorded {
				recorded++
			}
		case <-ctx.Done():
			t.Fatalf("recorded %d events before timeout", recorded)
		}
	}
	if err := d.StopLoop(ctx); err != nil {
		t.Fatalf("stop loop: %v", err)
	}
	if got, _ := d.Status(ctx); got.Running {
		t.Fatal("loop still running")
	}
}

func TestNewRequiresTeam(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	team, _ := scenario.Demo()
	d, err := New(context.Background(), Config{Team: team})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	events, _ := d.Subscribe()
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-events; ok {
		t.Fatal("expected closed feed")
	}
	if res, err := d.Score(context.Background()); res != nil || err != nil {
		t.Fatalf("score without scorer = %v, %v, want nil, nil", res, err)
	}
}
