package debugger

import (
	"context"

	"github.com/louisbranch/rewind/internal/services/debugger/domain/checkpoint"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
	"github.com/louisbranch/rewind/internal/services/debugger/scenario"
)

// Operator is the set of operations exposed to operators, served in process
// by Debugger and remotely by the debugger client.
type Operator interface {
	Status(ctx context.Context) (Status, error)
	Step(ctx context.Context) (bool, error)
	DropNext(ctx context.Context) (bool, error)
	StartLoop(ctx context.Context) error
	StopLoop(ctx context.Context) error
	Pending(ctx context.Context) ([]PendingMessage, error)
	History(ctx context.Context, filter string) ([]envelope.Rendered, error)
	EditPending(ctx context.Context, index int, payload envelope.Payload) error
	Revert(ctx context.Context, cutoff uint64, replacement *envelope.Payload) (RevertView, error)
	Checkpoints(ctx context.Context) ([]checkpoint.Entry, error)
	Sessions(ctx context.Context) (SessionsView, error)
	Score(ctx context.Context) (*score.Result, error)
	Publish(ctx context.Context, topic string, payload envelope.Payload) error
	Send(ctx context.Context, recipient string, payload envelope.Payload) error
	Agents(ctx context.Context) ([]AgentView, error)
	AgentState(ctx context.Context, agent string) (AgentStateView, error)
	Topics(ctx context.Context) ([]string, error)
	MessageTypes(ctx context.Context) ([]scenario.MessageType, error)
	Save(ctx context.Context) error
}

var _ Operator = (*Debugger)(nil)
