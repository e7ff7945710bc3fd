// Package actor is a small cooperative actor runtime. It delivers one queued
// message at a time and routes every delivery through interception hooks.
package actor

import (
	"context"
	"encoding/json"

	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
)

// Agent handles messages for one AgentID.
type Agent interface {
	// OnMessage handles a delivered payload. A non-nil result to a directed
	// message is queued as a reply to its sender.
	OnMessage(ctx context.Context, payload envelope.Payload, mc MessageContext) (*envelope.Payload, error)
	SaveState(ctx context.Context) (json.RawMessage, error)
	LoadState(ctx context.Context, state json.RawMessage) error
}

// Factory creates the agent for id the first time a message reaches it.
type Factory func(id envelope.AgentID) (Agent, error)

// MessageContext describes a delivery to the receiving agent.
type MessageContext struct {
	Self          envelope.AgentID
	Sender        *envelope.AgentID
	Topic         *envelope.TopicID
	CorrelationID string
	IsReply       bool
	Outbox        Outbox
}

// Outbox queues messages on behalf of the receiving agent.
type Outbox interface {
	Send(ctx context.Context, recipient envelope.AgentID, payload envelope.Payload) error
	Publish(ctx context.Context, topic envelope.TopicID, payload envelope.Payload) error
}

type agentOutbox struct {
	runtime *Runtime
	self    envelope.AgentID
}

func (o agentOutbox) Send(ctx context.Context, recipient envelope.AgentID, payload envelope.Payload) error {
	self := o.self
	return o.runtime.Send(ctx, recipient, payload, &self)
}

func (o agentOutbox) Publish(ctx context.Context, topic envelope.TopicID, payload envelope.Payload) error {
	self := o.self
	return o.runtime.Publish(ctx, topic, payload, &self)
}
