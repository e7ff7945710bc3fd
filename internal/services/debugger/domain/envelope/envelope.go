// Package envelope models one captured communication act between actors as a
// closed union of three variants: Directed, Broadcast and Reply.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names an envelope variant.
type Kind string

const (
	KindDirected  Kind = "directed"
	KindBroadcast Kind = "broadcast"
	KindReply     Kind = "reply"
)

// ParseKind accepts a kind name case-insensitively.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindDirected:
		return KindDirected, nil
	case KindBroadcast:
		return KindBroadcast, nil
	case KindReply:
		return KindReply, nil
	default:
		return "", fmt.Errorf("unknown envelope kind %q", value)
	}
}

// Payload is an opaque message value. Type names the message schema and Body
// holds its JSON encoding; the debugger never interprets Body.
type Payload struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// NewPayload encodes v as the body of a payload of the given type.
func NewPayload(messageType string, v any) (Payload, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encode %s payload: %w", messageType, err)
	}
	return Payload{Type: messageType, Body: body}, nil
}

// Clone returns a payload that shares no memory with p.
func (p Payload) Clone() Payload {
	if p.Body == nil {
		return Payload{Type: p.Type}
	}
	return Payload{Type: p.Type, Body: append(json.RawMessage(nil), p.Body...)}
}

// Envelope is implemented only by Directed, Broadcast and Reply.
type Envelope interface {
	Kind() Kind
	Message() Payload
	sealed()
}

// Directed is a point-to-point send.
type Directed struct {
	Payload       Payload
	Sender        *AgentID
	Recipient     AgentID
	CorrelationID string
}

// Broadcast is a publish to a topic.
type Broadcast struct {
	Payload       Payload
	Sender        *AgentID
	Topic         TopicID
	CorrelationID string
}

// Reply is the response to a prior directed send.
type Reply struct {
	Payload   Payload
	Sender    AgentID
	Recipient *AgentID
}

func (Directed) Kind() Kind  { return KindDirected }
func (Broadcast) Kind() Kind { return KindBroadcast }
func (Reply) Kind() Kind     { return KindReply }

func (d Directed) Message() Payload  { return d.Payload }
func (b Broadcast) Message() Payload { return b.Payload }
func (r Reply) Message() Payload     { return r.Payload }

func (Directed) sealed()  {}
func (Broadcast) sealed() {}
func (Reply) sealed()     {}

// Fold dispatches env to the branch for its variant. Every caller handles
// all three kinds.
func Fold[T any](env Envelope, directed func(Directed) T, broadcast func(Broadcast) T, reply func(Reply) T) T {
	switch e := env.(type) {
	case Directed:
		return directed(e)
	case Broadcast:
		return broadcast(e)
	case Reply:
		return reply(e)
	default:
		panic(fmt.Sprintf("envelope: unexpected variant %T", env))
	}
}

// WithMessage returns a copy of env carrying payload instead of its own.
func WithMessage(env Envelope, payload Payload) Envelope {
	return Fold(env,
		func(d Directed) Envelope { d.Payload = payload; return d },
		func(b Broadcast) Envelope { b.Payload = payload; return b },
		func(r Reply) Envelope { r.Payload = payload; return r },
	)
}

// SenderOf returns the sender of env, if any.
func SenderOf(env Envelope) *AgentID {
	return Fold(env,
		func(d Directed) *AgentID { return d.Sender },
		func(b Broadcast) *AgentID { return b.Sender },
		func(r Reply) *AgentID { s := r.Sender; return &s },
	)
}
