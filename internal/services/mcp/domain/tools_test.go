package domain

import (
	"context"
	"strings"
	"testing"

	"github.com/louisbranch/rewind/internal/platform/storage/blob"
	"github.com/louisbranch/rewind/internal/services/debugger"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
	"github.com/louisbranch/rewind/internal/services/debugger/scenario"
)

func newOperator(t *testing.T, scorer score.Scorer) *debugger.Debugger {
	t.Helper()
	team, err := scenario.Demo()
	if err != nil {
		t.Fatalf("demo team: %v", err)
	}
	d, err := debugger.New(context.Background(), debugger.Config{
		Team:    team,
		Scorer:  scorer,
		Blobs:   blob.NewMemoryStore(),
		Archive: "mcp",
		Kickoff: true,
	})
	if err != nil {
		t.Fatalf("new debugger: %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func drain(t *testing.T, op debugger.Operator) int {
	t.Helper()
	step := StepHandler(op)
	steps := 0
	for {
		_, res, err := step(context.Background(), nil, EmptyInput{})
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if !res.Delivered {
			return steps
		}
		steps++
		if steps > 100 {
			t.Fatal("queue never drained")
		}
	}
}

func TestStatusStepAndHistoryHandlers(t *testing.T) {
	op := newOperator(t, score.HumanEval)
	ctx := context.Background()

	_, st, err := StatusHandler(op)(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Unprocessed != 1 || st.Running {
		t.Fatalf("status = %+v, want one queued message and no loop", st)
	}

	_, queue, err := QueueListHandler(op)(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if len(queue.Messages) != 1 || queue.Messages[0].Message.Kind != "broadcast" {
		t.Fatalf("queue = %+v, want one broadcast", queue)
	}
	if queue.Messages[0].Message.Timestamp != nil {
		t.Fatalf("queued timestamp = %v, want none", *queue.Messages[0].Message.Timestamp)
	}

	if got := drain(t, op); got != 13 {
		t.Fatalf("steps = %d, want 13", got)
	}

	_, history, err := HistoryListHandler(op)(ctx, nil, HistoryInput{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Messages) != 13 {
		t.Fatalf("history = %d, want 13", len(history.Messages))
	}
	for i, m := range history.Messages {
		if m.Timestamp == nil || *m.Timestamp != uint64(i) {
			t.Fatalf("history[%d] timestamp = %v, want %d", i, m.Timestamp, i)
		}
	}
	body, ok := history.Messages[0].Body.(map[string]any)
	if !ok || body["source"] == nil {
		t.Fatalf("first body = %#v, want decoded chat message", history.Messages[0].Body)
	}

	_, replies, err := HistoryListHandler(op)(ctx, nil, HistoryInput{Filter: `kind = "reply"`})
	if err != nil {
		t.Fatalf("filtered history: %v", err)
	}
	if len(replies.Messages) != 4 {
		t.Fatalf("replies = %d, want 4", len(replies.Messages))
	}

	_, _, err = HistoryListHandler(op)(ctx, nil, HistoryInput{Filter: "nope = 1"})
	if err == nil || !strings.Contains(err.Error(), "INVALID_ARGUMENT") {
		t.Fatalf("bad filter err = %v, want INVALID_ARGUMENT", err)
	}

	_, scored, err := ScoreGetHandler(op)(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !scored.Configured || scored.Score == nil || !scored.Score.Passed {
		t.Fatalf("score = %+v, want a passing verdict", scored)
	}
}

func TestDropNextHandler(t *testing.T) {
	op := newOperator(t, nil)
	ctx := context.Background()

	_, res, err := DropNextHandler(op)(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if !res.Delivered {
		t.Fatal("expected kickoff to be dropped")
	}
	_, res, err = DropNextHandler(op)(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("drop on empty queue: %v", err)
	}
	if res.Delivered {
		t.Fatal("drop on empty queue reported a message")
	}
	_, history, _ := HistoryListHandler(op)(ctx, nil, HistoryInput{})
	if len(history.Messages) != 0 {
		t.Fatalf("history = %d, want 0", len(history.Messages))
	}
}

func TestRevertAndSessionsHandlers(t *testing.T) {
	op := newOperator(t, score.HumanEval)
	ctx := context.Background()
	drain(t, op)

	_, _, err := RevertHandler(op)(ctx, nil, RevertInput{Timestamp: 999})
	if err == nil || !strings.Contains(err.Error(), "UNKNOWN_TIMESTAMP") {
		t.Fatalf("revert 999 err = %v, want UNKNOWN_TIMESTAMP", err)
	}

	_, res, err := RevertHandler(op)(ctx, nil, RevertInput{
		Timestamp: 0,
		Payload: &PayloadInput{
			Type: scenario.TypeGroupChatMessage,
			Body: map[string]any{"content": "try again", "source": "user"},
		},
	})
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if res.Discarded != 13 || !res.Restored || res.Session != 0 {
		t.Fatalf("revert = %+v, want 13 discarded from session 0", res)
	}
	body, _ := res.Resent.Body.(map[string]any)
	if res.Resent.Type != scenario.TypeGroupChatMessage || body["content"] != "try again" {
		t.Fatalf("resent = %+v, want replacement payload", res.Resent)
	}

	_, sessions, err := SessionsListHandler(op)(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if sessions.Current != 1 || len(sessions.Sessions) != 2 {
		t.Fatalf("sessions = %d of %d, want current 1 of 2", sessions.Current, len(sessions.Sessions))
	}
	archived := sessions.Sessions[0]
	if len(archived.Messages) != 13 || archived.Score == nil || !archived.Score.Passed {
		t.Fatalf("archived session = %d messages score %+v, want 13 and passed", len(archived.Messages), archived.Score)
	}

	_, checkpoints, err := CheckpointsListHandler(op)(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if checkpoints.Checkpoints == nil {
		t.Fatal("checkpoints = nil, want a list")
	}
}

func TestQueueEditAndSendHandlers(t *testing.T) {
	op := newOperator(t, nil)
	ctx := context.Background()

	edited := PayloadInput{Type: scenario.TypeGroupChatMessage, Body: map[string]any{"content": "edited", "source": "user"}}
	if _, _, err := QueueEditHandler(op)(ctx, nil, EditInput{Index: 0, Payload: edited}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	_, queue, _ := QueueListHandler(op)(ctx, nil, EmptyInput{})
	body, _ := queue.Messages[0].Message.Body.(map[string]any)
	if body["content"] != "edited" {
		t.Fatalf("queued body = %#v, want edited content", queue.Messages[0].Message.Body)
	}

	_, _, err := QueueEditHandler(op)(ctx, nil, EditInput{Index: 9, Payload: edited})
	if err == nil || !strings.Contains(err.Error(), "INDEX_OUT_OF_RANGE") {
		t.Fatalf("edit 9 err = %v, want INDEX_OUT_OF_RANGE", err)
	}

	_, _, err = MessageSendHandler(op)(ctx, nil, SendInput{Recipient: "nobody", Payload: PayloadInput{Type: "Text"}})
	if err == nil || !strings.Contains(err.Error(), "UNKNOWN_AGENT") {
		t.Fatalf("send err = %v, want UNKNOWN_AGENT", err)
	}

	_, _, err = MessagePublishHandler(op)(ctx, nil, PublishInput{Topic: "", Payload: PayloadInput{Type: "Text"}})
	if err == nil || !strings.Contains(err.Error(), "INVALID_ARGUMENT") {
		t.Fatalf("publish err = %v, want INVALID_ARGUMENT", err)
	}

	if _, _, err := MessagePublishHandler(op)(ctx, nil, PublishInput{Topic: "group", Payload: edited}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_, st, _ := StatusHandler(op)(ctx, nil, EmptyInput{})
	if st.Unprocessed != 2 {
		t.Fatalf("unprocessed = %d, want 2", st.Unprocessed)
	}
}

func TestInspectionHandlers(t *testing.T) {
	op := newOperator(t, nil)
	ctx := context.Background()
	drain(t, op)

	_, agents, err := AgentsListHandler(op)(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents.Agents) != 4 {
		t.Fatalf("agents = %d, want 4", len(agents.Agents))
	}

	_, state, err := AgentStateHandler(op)(ctx, nil, AgentStateInput{Agent: "manager"})
	if err != nil {
		t.Fatalf("agent state: %v", err)
	}
	fields, ok := state.State.(map[string]any)
	if !state.Instantiated || !ok || fields["turn"] != float64(4) {
		t.Fatalf("state = %+v, want manager at turn 4", state)
	}

	_, topics, err := TopicsListHandler(op)(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("topics: %v", err)
	}
	if len(topics.Topics) != 1 || topics.Topics[0] != "group/default" {
		t.Fatalf("topics = %v, want [group/default]", topics.Topics)
	}

	_, types, err := MessageTypesListHandler(op)(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("message types: %v", err)
	}
	if len(types.Types) != 3 {
		t.Fatalf("message types = %d, want 3", len(types.Types))
	}

	_, scored, err := ScoreGetHandler(op)(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if scored.Configured || scored.Score != nil {
		t.Fatalf("score = %+v, want unconfigured", scored)
	}
}

func TestLoopAndSaveHandlers(t *testing.T) {
	op := newOperator(t, nil)
	ctx := context.Background()

	if _, ack, err := LoopStartHandler(op)(ctx, nil, EmptyInput{}); err != nil || !ack.OK {
		t.Fatalf("loop start = %+v, %v", ack, err)
	}
	if _, ack, err := LoopStopHandler(op)(ctx, nil, EmptyInput{}); err != nil || !ack.OK {
		t.Fatalf("loop stop = %+v, %v", ack, err)
	}
	if _, ack, err := TimelineSaveHandler(op)(ctx, nil, EmptyInput{}); err != nil || !ack.OK {
		t.Fatalf("save = %+v, %v", ack, err)
	}
}

func TestHistoryAndSessionsResources(t *testing.T) {
	op := newOperator(t, nil)
	ctx := context.Background()
	drain(t, op)

	res, err := HistoryResourceHandler(op)(ctx, nil)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(res.Contents) != 1 || res.Contents[0].URI != HistoryResourceURI {
		t.Fatalf("contents = %+v, want one history entry", res.Contents)
	}
	if !strings.Contains(res.Contents[0].Text, scenario.TypeRequestToSpeak) {
		t.Fatalf("history text missing %s", scenario.TypeRequestToSpeak)
	}

	res, err = SessionsResourceHandler(op)(ctx, nil)
	if err != nil {
		t.Fatalf("read sessions: %v", err)
	}
	if !strings.Contains(res.Contents[0].Text, `"current_session": 0`) {
		t.Fatalf("sessions text = %s, want current session 0", res.Contents[0].Text)
	}
}
