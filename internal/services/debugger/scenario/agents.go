package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/louisbranch/rewind/internal/services/debugger/actor"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
)

// Payload types exchanged by a team.
const (
	TypeGroupChatMessage = "GroupChatMessage"
	TypeRequestToSpeak   = "RequestToSpeak"
	TypeAck              = "Ack"
)

// ChatMessage is the body of a GroupChatMessage.
type ChatMessage struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

func decodeChat(p envelope.Payload) (ChatMessage, bool) {
	if p.Type != TypeGroupChatMessage {
		return ChatMessage{}, false
	}
	var msg ChatMessage
	if err := json.Unmarshal(p.Body, &msg); err != nil {
		return ChatMessage{}, false
	}
	return msg, true
}

// managerAgent asks participants to speak in turn after every group message.
type managerAgent struct {
	speakers []string
	maxTurns int
	state    struct {
		Turn int `json:"turn"`
	}
}

func (m *managerAgent) OnMessage(ctx context.Context, payload envelope.Payload, mc actor.MessageContext) (*envelope.Payload, error) {
	if _, ok := decodeChat(payload); !ok || mc.IsReply {
		return nil, nil
	}
	if m.state.Turn >= m.maxTurns {
		return nil, nil
	}
	next := m.speakers[m.state.Turn%len(m.speakers)]
	m.state.Turn++
	return nil, mc.Outbox.Send(ctx, envelope.AgentID{Type: next, Key: mc.Self.Key}, envelope.Payload{Type: TypeRequestToSpeak})
}

func (m *managerAgent) SaveState(context.Context) (json.RawMessage, error) {
	return json.Marshal(m.state)
}

func (m *managerAgent) LoadState(_ context.Context, state json.RawMessage) error {
	return json.Unmarshal(state, &m.state)
}

// speaker is a participant; say produces its line from what it has heard.
type speaker struct {
	self  Participant
	topic envelope.TopicID
	say   func(s *speakerState) string
	state speakerState
}

type speakerState struct {
	Heard []string `json:"heard"`
	Turns int      `json:"turns"`
}

func (s *speakerState) last() string {
	if len(s.Heard) == 0 {
		return ""
	}
	return s.Heard[len(s.Heard)-1]
}

var kinds = map[string]func(p Participant, topic envelope.TopicID) actor.Agent{
	"echo": func(p Participant, topic envelope.TopicID) actor.Agent {
		return &speaker{self: p, topic: topic, say: func(s *speakerState) string {
			return p.Prefix + s.last()
		}}
	},
	"counter": func(p Participant, topic envelope.TopicID) actor.Agent {
		return &speaker{self: p, topic: topic, say: func(s *speakerState) string {
			return fmt.Sprintf("%scount: %d", p.Prefix, s.Turns)
		}}
	},
	"judge": func(p Participant, topic envelope.TopicID) actor.Agent {
		return &speaker{self: p, topic: topic, say: func(s *speakerState) string {
			for _, line := range s.Heard {
				if strings.Contains(line, p.Expect) {
					return score.HumanEvalMarker
				}
			}
			return "TESTS FAILED"
		}}
	},
}

func (s *speaker) OnMessage(ctx context.Context, payload envelope.Payload, mc actor.MessageContext) (*envelope.Payload, error) {
	if msg, ok := decodeChat(payload); ok {
		s.state.Heard = append(s.state.Heard, msg.Content)
		return nil, nil
	}
	if payload.Type != TypeRequestToSpeak || mc.IsReply {
		return nil, nil
	}
	s.state.Turns++
	line, err := envelope.NewPayload(TypeGroupChatMessage, ChatMessage{Content: s.say(&s.state), Source: s.self.Type})
	if err != nil {
		return nil, err
	}
	if err := mc.Outbox.Publish(ctx, s.topic, line); err != nil {
		return nil, err
	}
	return &envelope.Payload{Type: TypeAck}, nil
}

func (s *speaker) SaveState(context.Context) (json.RawMessage, error) {
	return json.Marshal(s.state)
}

func (s *speaker) LoadState(_ context.Context, state json.RawMessage) error {
	var next speakerState
	if err := json.Unmarshal(state, &next); err != nil {
		return err
	}
	s.state = next
	return nil
}
