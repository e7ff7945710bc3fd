package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/louisbranch/rewind/internal/services/debugger"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/checkpoint"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// callTimeout caps a single debugger operation issued by a tool handler.
const callTimeout = 5 * time.Second

// longCallTimeout caps operations that replay or persist the timeline.
const longCallTimeout = 15 * time.Second

// EmptyInput is the input of tools that take no arguments.
type EmptyInput struct{}

// StatusResult represents the scheduler state.
type StatusResult struct {
	Running        bool `json:"running" jsonschema:"whether the delivery loop is running"`
	Unprocessed    int  `json:"unprocessed" jsonschema:"number of undelivered messages"`
	DropArmed      bool `json:"drop_armed" jsonschema:"whether the next message will be dropped"`
	Reverting      bool `json:"reverting" jsonschema:"whether a revert is in progress"`
	CurrentSession int  `json:"current_session" jsonschema:"index of the live session"`
}

// StepResult reports whether a message was delivered or dropped.
type StepResult struct {
	Delivered bool `json:"delivered" jsonschema:"false when the queue was empty"`
}

// AckResult acknowledges an operation without output.
type AckResult struct {
	OK bool `json:"ok" jsonschema:"always true on success"`
}

// PendingEntry is one undelivered message.
type PendingEntry struct {
	Index   int     `json:"index" jsonschema:"queue position, 0 is delivered next"`
	Message Message `json:"message" jsonschema:"the queued message"`
}

// QueueResult lists undelivered messages.
type QueueResult struct {
	Messages []PendingEntry `json:"messages" jsonschema:"messages in delivery order"`
}

// HistoryInput filters the delivered history.
type HistoryInput struct {
	Filter string `json:"filter,omitempty" jsonschema:"optional filter expression such as kind = \"reply\" AND sender = \"writer/default\""`
}

// HistoryResult lists delivered messages.
type HistoryResult struct {
	Messages []Message `json:"messages" jsonschema:"delivered messages in timestamp order"`
}

// EditInput replaces the payload of a queued message.
type EditInput struct {
	Index   int          `json:"index" jsonschema:"queue position of the message to edit"`
	Payload PayloadInput `json:"payload" jsonschema:"replacement payload"`
}

// RevertInput rewinds the timeline to a delivered message.
type RevertInput struct {
	Timestamp uint64        `json:"timestamp" jsonschema:"timestamp of the message to resend"`
	Payload   *PayloadInput `json:"payload,omitempty" jsonschema:"optional replacement payload for the resent message"`
}

// RevertResult is the outcome of a revert.
type RevertResult struct {
	Cutoff    uint64    `json:"cutoff" jsonschema:"timestamp that was resent"`
	Session   int       `json:"archived_session" jsonschema:"index the abandoned session was archived under"`
	Discarded int       `json:"discarded" jsonschema:"number of history entries discarded"`
	Restored  bool      `json:"restored" jsonschema:"whether agent state was restored from a checkpoint"`
	Resent    Message   `json:"resent" jsonschema:"the message put back on the queue"`
	Warnings  []Warning `json:"warnings,omitempty" jsonschema:"non-fatal problems"`
}

// CheckpointsResult lists stored checkpoints.
type CheckpointsResult struct {
	Checkpoints []checkpoint.Entry `json:"checkpoints" jsonschema:"checkpoints by timestamp"`
}

// SessionsResult lists sessions.
type SessionsResult struct {
	Current  int       `json:"current_session" jsonschema:"index of the live session"`
	Sessions []Session `json:"sessions" jsonschema:"archived sessions followed by the live one"`
}

// ScoreResult is the score of the live session.
type ScoreResult struct {
	Configured bool   `json:"configured" jsonschema:"false when no scorer is configured"`
	Score      *Score `json:"score,omitempty" jsonschema:"the verdict"`
}

// PublishInput broadcasts a message.
type PublishInput struct {
	Topic   string       `json:"topic" jsonschema:"topic to publish to"`
	Payload PayloadInput `json:"payload" jsonschema:"message payload"`
}

// SendInput sends a directed message.
type SendInput struct {
	Recipient string       `json:"recipient" jsonschema:"agent id as type/key, or a bare type for the default key"`
	Payload   PayloadInput `json:"payload" jsonschema:"message payload"`
}

// Agent is an agent the team defines.
type Agent struct {
	ID           string `json:"id" jsonschema:"agent id"`
	Instantiated bool   `json:"instantiated" jsonschema:"whether the agent has been created"`
}

// AgentsResult lists agents.
type AgentsResult struct {
	Agents []Agent `json:"agents" jsonschema:"agents sorted by id"`
}

// AgentStateInput selects an agent.
type AgentStateInput struct {
	Agent string `json:"agent" jsonschema:"agent id as type/key"`
}

// AgentStateResult is the saved state of an agent.
type AgentStateResult struct {
	ID           string `json:"id" jsonschema:"agent id"`
	Instantiated bool   `json:"instantiated" jsonschema:"whether the agent has been created"`
	State        any    `json:"state,omitempty" jsonschema:"decoded agent state"`
}

// TopicsResult lists subscribed topics.
type TopicsResult struct {
	Topics []string `json:"topics" jsonschema:"topics with at least one subscriber"`
}

// MessageType describes a message type the team understands.
type MessageType struct {
	Name        string `json:"name" jsonschema:"message type name"`
	Description string `json:"description" jsonschema:"what the message means"`
}

// MessageTypesResult lists message types.
type MessageTypesResult struct {
	Types []MessageType `json:"types" jsonschema:"known message types"`
}

// StatusTool defines the debugger_status tool.
func StatusTool() *mcp.Tool {
	return &mcp.Tool{Name: "debugger_status", Description: "Report whether the delivery loop runs, how many messages are queued and the live session"}
}

// StepTool defines the step tool.
func StepTool() *mcp.Tool {
	return &mcp.Tool{Name: "step", Description: "Deliver the next queued message and record it in the history"}
}

// DropNextTool defines the drop_next tool.
func DropNextTool() *mcp.Tool {
	return &mcp.Tool{Name: "drop_next", Description: "Discard the next queued message without delivering it"}
}

// LoopStartTool defines the loop_start tool.
func LoopStartTool() *mcp.Tool {
	return &mcp.Tool{Name: "loop_start", Description: "Deliver queued messages continuously until stopped"}
}

// LoopStopTool defines the loop_stop tool.
func LoopStopTool() *mcp.Tool {
	return &mcp.Tool{Name: "loop_stop", Description: "Stop continuous delivery"}
}

// QueueListTool defines the queue_list tool.
func QueueListTool() *mcp.Tool {
	return &mcp.Tool{Name: "queue_list", Description: "List undelivered messages in delivery order"}
}

// HistoryListTool defines the history_list tool.
func HistoryListTool() *mcp.Tool {
	return &mcp.Tool{Name: "history_list", Description: "List delivered messages of the live session, optionally filtered"}
}

// QueueEditTool defines the queue_edit tool.
func QueueEditTool() *mcp.Tool {
	return &mcp.Tool{Name: "queue_edit", Description: "Replace the payload of a queued message"}
}

// RevertTool defines the revert tool.
func RevertTool() *mcp.Tool {
	return &mcp.Tool{Name: "revert", Description: "Rewind agent state to just before a delivered message, archive the session and queue the message again"}
}

// CheckpointsListTool defines the checkpoints_list tool.
func CheckpointsListTool() *mcp.Tool {
	return &mcp.Tool{Name: "checkpoints_list", Description: "List stored agent state checkpoints"}
}

// SessionsListTool defines the sessions_list tool.
func SessionsListTool() *mcp.Tool {
	return &mcp.Tool{Name: "sessions_list", Description: "List archived sessions and the live session with their scores"}
}

// ScoreGetTool defines the score_get tool.
func ScoreGetTool() *mcp.Tool {
	return &mcp.Tool{Name: "score_get", Description: "Score the live session with the configured scorer"}
}

// MessagePublishTool defines the message_publish tool.
func MessagePublishTool() *mcp.Tool {
	return &mcp.Tool{Name: "message_publish", Description: "Queue a broadcast to a topic"}
}

// MessageSendTool defines the message_send tool.
func MessageSendTool() *mcp.Tool {
	return &mcp.Tool{Name: "message_send", Description: "Queue a directed message to an agent"}
}

// AgentsListTool defines the agents_list tool.
func AgentsListTool() *mcp.Tool {
	return &mcp.Tool{Name: "agents_list", Description: "List agents defined by the team"}
}

// AgentStateTool defines the agent_state tool.
func AgentStateTool() *mcp.Tool {
	return &mcp.Tool{Name: "agent_state", Description: "Show the saved state of one agent"}
}

// TopicsListTool defines the topics_list tool.
func TopicsListTool() *mcp.Tool {
	return &mcp.Tool{Name: "topics_list", Description: "List topics with subscribers"}
}

// MessageTypesListTool defines the message_types_list tool.
func MessageTypesListTool() *mcp.Tool {
	return &mcp.Tool{Name: "message_types_list", Description: "List message types agents understand"}
}

// TimelineSaveTool defines the timeline_save tool.
func TimelineSaveTool() *mcp.Tool {
	return &mcp.Tool{Name: "timeline_save", Description: "Persist history, sessions and checkpoints to the archive"}
}

// StatusHandler reports scheduler state.
func StatusHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, StatusResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		st, err := op.Status(runCtx)
		if err != nil {
			return nil, StatusResult{}, toolError("status", err)
		}
		return nil, StatusResult{
			Running:        st.Running,
			Unprocessed:    st.Unprocessed,
			DropArmed:      st.DropArmed,
			Reverting:      st.Reverting,
			CurrentSession: st.CurrentSession,
		}, nil
	}
}

// StepHandler delivers the next message.
func StepHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, StepResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, StepResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		delivered, err := op.Step(runCtx)
		if err != nil {
			return nil, StepResult{}, toolError("step", err)
		}
		return nil, StepResult{Delivered: delivered}, nil
	}
}

// DropNextHandler discards the next message.
func DropNextHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, StepResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, StepResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		dropped, err := op.DropNext(runCtx)
		if err != nil {
			return nil, StepResult{}, toolError("drop", err)
		}
		return nil, StepResult{Delivered: dropped}, nil
	}
}

// LoopStartHandler starts continuous delivery.
func LoopStartHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, AckResult] {
	return ackHandler("loop start", op.StartLoop)
}

// LoopStopHandler stops continuous delivery.
func LoopStopHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, AckResult] {
	return ackHandler("loop stop", op.StopLoop)
}

// TimelineSaveHandler persists the timeline.
func TimelineSaveHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, AckResult] {
	return ackHandler("save", op.Save)
}

func ackHandler(action string, call func(context.Context) error) mcp.ToolHandlerFor[EmptyInput, AckResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, AckResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, longCallTimeout)
		defer cancel()

		if err := call(runCtx); err != nil {
			return nil, AckResult{}, toolError(action, err)
		}
		return nil, AckResult{OK: true}, nil
	}
}

// QueueListHandler lists undelivered messages.
func QueueListHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, QueueResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, QueueResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		pending, err := op.Pending(runCtx)
		if err != nil {
			return nil, QueueResult{}, toolError("queue list", err)
		}
		result := QueueResult{Messages: make([]PendingEntry, 0, len(pending))}
		for _, p := range pending {
			result.Messages = append(result.Messages, PendingEntry{Index: p.Index, Message: messageView(p.Message)})
		}
		return nil, result, nil
	}
}

// HistoryListHandler lists delivered messages.
func HistoryListHandler(op debugger.Operator) mcp.ToolHandlerFor[HistoryInput, HistoryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, HistoryResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		history, err := op.History(runCtx, input.Filter)
		if err != nil {
			return nil, HistoryResult{}, toolError("history list", err)
		}
		return nil, HistoryResult{Messages: messageViews(history)}, nil
	}
}

// QueueEditHandler replaces a queued payload.
func QueueEditHandler(op debugger.Operator) mcp.ToolHandlerFor[EditInput, AckResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EditInput) (*mcp.CallToolResult, AckResult, error) {
		payload, err := input.Payload.payload()
		if err != nil {
			return nil, AckResult{}, fmt.Errorf("invalid payload: %w", err)
		}

		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		if err := op.EditPending(runCtx, input.Index, payload); err != nil {
			return nil, AckResult{}, toolError("queue edit", err)
		}
		return nil, AckResult{OK: true}, nil
	}
}

// RevertHandler rewinds the timeline.
func RevertHandler(op debugger.Operator) mcp.ToolHandlerFor[RevertInput, RevertResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RevertInput) (*mcp.CallToolResult, RevertResult, error) {
		var replacement *envelope.Payload
		if input.Payload != nil {
			payload, err := input.Payload.payload()
			if err != nil {
				return nil, RevertResult{}, fmt.Errorf("invalid payload: %w", err)
			}
			replacement = &payload
		}

		runCtx, cancel := context.WithTimeout(ctx, longCallTimeout)
		defer cancel()

		view, err := op.Revert(runCtx, input.Timestamp, replacement)
		if err != nil {
			return nil, RevertResult{}, toolError("revert", err)
		}
		return nil, RevertResult{
			Cutoff:    view.Cutoff,
			Session:   view.Session,
			Discarded: view.Discarded,
			Restored:  view.Restored,
			Resent:    messageView(view.Resent),
			Warnings:  warningViews(view.Warnings),
		}, nil
	}
}

// CheckpointsListHandler lists checkpoints.
func CheckpointsListHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, CheckpointsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, CheckpointsResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		entries, err := op.Checkpoints(runCtx)
		if err != nil {
			return nil, CheckpointsResult{}, toolError("checkpoints list", err)
		}
		if entries == nil {
			entries = []checkpoint.Entry{}
		}
		return nil, CheckpointsResult{Checkpoints: entries}, nil
	}
}

// SessionsListHandler lists sessions.
func SessionsListHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, SessionsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, SessionsResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		view, err := op.Sessions(runCtx)
		if err != nil {
			return nil, SessionsResult{}, toolError("sessions list", err)
		}
		result := SessionsResult{Current: view.Current, Sessions: make([]Session, 0, len(view.Sessions))}
		for _, s := range view.Sessions {
			result.Sessions = append(result.Sessions, sessionView(s))
		}
		return nil, result, nil
	}
}

// ScoreGetHandler scores the live session.
func ScoreGetHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, ScoreResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, ScoreResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, longCallTimeout)
		defer cancel()

		res, err := op.Score(runCtx)
		if err != nil {
			return nil, ScoreResult{}, toolError("score", err)
		}
		return nil, ScoreResult{Configured: res != nil, Score: scoreView(res)}, nil
	}
}

// MessagePublishHandler queues a broadcast.
func MessagePublishHandler(op debugger.Operator) mcp.ToolHandlerFor[PublishInput, AckResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PublishInput) (*mcp.CallToolResult, AckResult, error) {
		payload, err := input.Payload.payload()
		if err != nil {
			return nil, AckResult{}, fmt.Errorf("invalid payload: %w", err)
		}

		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		if err := op.Publish(runCtx, input.Topic, payload); err != nil {
			return nil, AckResult{}, toolError("publish", err)
		}
		return nil, AckResult{OK: true}, nil
	}
}

// MessageSendHandler queues a directed message.
func MessageSendHandler(op debugger.Operator) mcp.ToolHandlerFor[SendInput, AckResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, AckResult, error) {
		payload, err := input.Payload.payload()
		if err != nil {
			return nil, AckResult{}, fmt.Errorf("invalid payload: %w", err)
		}

		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		if err := op.Send(runCtx, input.Recipient, payload); err != nil {
			return nil, AckResult{}, toolError("send", err)
		}
		return nil, AckResult{OK: true}, nil
	}
}

// AgentsListHandler lists agents.
func AgentsListHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, AgentsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, AgentsResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		agents, err := op.Agents(runCtx)
		if err != nil {
			return nil, AgentsResult{}, toolError("agents list", err)
		}
		result := AgentsResult{Agents: make([]Agent, 0, len(agents))}
		for _, a := range agents {
			result.Agents = append(result.Agents, Agent{ID: a.ID, Instantiated: a.Instantiated})
		}
		return nil, result, nil
	}
}

// AgentStateHandler shows one agent's state.
func AgentStateHandler(op debugger.Operator) mcp.ToolHandlerFor[AgentStateInput, AgentStateResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AgentStateInput) (*mcp.CallToolResult, AgentStateResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		view, err := op.AgentState(runCtx, input.Agent)
		if err != nil {
			return nil, AgentStateResult{}, toolError("agent state", err)
		}
		return nil, AgentStateResult{
			ID:           view.ID,
			Instantiated: view.Instantiated,
			State:        decodeBody(view.State),
		}, nil
	}
}

// TopicsListHandler lists topics.
func TopicsListHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, TopicsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, TopicsResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		topics, err := op.Topics(runCtx)
		if err != nil {
			return nil, TopicsResult{}, toolError("topics list", err)
		}
		if topics == nil {
			topics = []string{}
		}
		return nil, TopicsResult{Topics: topics}, nil
	}
}

// MessageTypesListHandler lists message types.
func MessageTypesListHandler(op debugger.Operator) mcp.ToolHandlerFor[EmptyInput, MessageTypesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, MessageTypesResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		types, err := op.MessageTypes(runCtx)
		if err != nil {
			return nil, MessageTypesResult{}, toolError("message types list", err)
		}
		result := MessageTypesResult{Types: make([]MessageType, 0, len(types))}
		for _, mt := range types {
			result.Types = append(result.Types, MessageType{Name: mt.Name, Description: mt.Description})
		}
		return nil, result, nil
	}
}
