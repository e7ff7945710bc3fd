// Package scenario loads a group chat team from YAML and installs it on an
// actor runtime.
package scenario

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/louisbranch/rewind/internal/services/debugger/actor"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"gopkg.in/yaml.v3"
)

//go:embed teams/demo.yaml
var demoTeam []byte

const (
	defaultTopic    = "group"
	defaultSource   = "default"
	defaultMaxTurns = 6
)

// Team describes a round-robin group chat.
type Team struct {
	Name         string        `yaml:"name"`
	Topic        string        `yaml:"topic"`
	Source       string        `yaml:"source"`
	Scorer       string        `yaml:"scorer"`
	Manager      Manager       `yaml:"manager"`
	Participants []Participant `yaml:"participants"`
	Start        Start         `yaml:"start"`
}

// Manager picks who speaks next.
type Manager struct {
	Type     string `yaml:"type"`
	MaxTurns int    `yaml:"max_turns"`
}

// Participant is one speaking agent. Kind selects its behavior.
type Participant struct {
	Type        string `yaml:"type"`
	Kind        string `yaml:"kind"`
	Prefix      string `yaml:"prefix"`
	Expect      string `yaml:"expect"`
	Description string `yaml:"description"`
}

// Start is the message that opens the conversation.
type Start struct {
	Content string `yaml:"content"`
	Source  string `yaml:"source"`
}

// MessageType documents a payload type the team exchanges.
type MessageType struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Demo returns the built-in team.
func Demo() (*Team, error) {
	return Parse(demoTeam)
}

// Load reads a team file.
func Load(path string) (*Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read team: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a team.
func Parse(data []byte) (*Team, error) {
	var team Team
	if err := yaml.Unmarshal(data, &team); err != nil {
		return nil, fmt.Errorf("decode team: %w", err)
	}
	if err := team.normalize(); err != nil {
		return nil, err
	}
	return &team, nil
}

func (t *Team) normalize() error {
	t.Topic = strings.TrimSpace(t.Topic)
	if t.Topic == "" {
		t.Topic = defaultTopic
	}
	t.Source = strings.TrimSpace(t.Source)
	if t.Source == "" {
		t.Source = defaultSource
	}
	if t.Manager.Type == "" {
		t.Manager.Type = "manager"
	}
	if t.Manager.MaxTurns <= 0 {
		t.Manager.MaxTurns = defaultMaxTurns
	}
	if t.Start.Source == "" {
		t.Start.Source = "user"
	}
	if len(t.Participants) == 0 {
		return errors.New("team needs at least one participant")
	}
	seen := map[string]bool{t.Manager.Type: true}
	for i, p := range t.Participants {
		if p.Type == "" {
			return fmt.Errorf("participant %d: type is required", i)
		}
		if seen[p.Type] {
			return fmt.Errorf("participant %d: duplicate agent type %q", i, p.Type)
		}
		seen[p.Type] = true
		if _, ok := kinds[p.Kind]; !ok {
			return fmt.Errorf("participant %s: unknown kind %q", p.Type, p.Kind)
		}
	}
	return nil
}

// Install registers the team's agents and topic subscriptions on rt.
func (t *Team) Install(rt *actor.Runtime) error {
	speakers := make([]string, len(t.Participants))
	for i, p := range t.Participants {
		speakers[i] = p.Type
	}
	if err := rt.Register(t.Manager.Type, func(envelope.AgentID) (actor.Agent, error) {
		return &managerAgent{speakers: speakers, maxTurns: t.Manager.MaxTurns}, nil
	}); err != nil {
		return err
	}
	if err := rt.Subscribe(t.Topic, t.Manager.Type); err != nil {
		return err
	}
	for _, p := range t.Participants {
		p := p
		build := kinds[p.Kind]
		topic := t.Topic
		if err := rt.Register(p.Type, func(id envelope.AgentID) (actor.Agent, error) {
			return build(p, envelope.TopicID{Type: topic, Source: id.Key}), nil
		}); err != nil {
			return err
		}
		if err := rt.Subscribe(t.Topic, p.Type); err != nil {
			return err
		}
	}
	return nil
}

// GroupTopic is the topic the conversation runs on.
func (t *Team) GroupTopic() envelope.TopicID {
	return envelope.TopicID{Type: t.Topic, Source: t.Source}
}

// StartMessage returns the opening broadcast.
func (t *Team) StartMessage() (envelope.TopicID, envelope.Payload, error) {
	payload, err := envelope.NewPayload(TypeGroupChatMessage, ChatMessage{Content: t.Start.Content, Source: t.Start.Source})
	return t.GroupTopic(), payload, err
}

// Topics lists the topics the team listens on.
func (t *Team) Topics() []envelope.TopicID {
	return []envelope.TopicID{t.GroupTopic()}
}

// MessageTypes documents the payloads the team exchanges.
func (t *Team) MessageTypes() []MessageType {
	return []MessageType{
		{Name: TypeGroupChatMessage, Description: "A message said to the whole group: {content, source}."},
		{Name: TypeRequestToSpeak, Description: "Sent by the manager to the participant whose turn it is."},
		{Name: TypeAck, Description: "Reply from a participant that took its turn."},
	}
}
