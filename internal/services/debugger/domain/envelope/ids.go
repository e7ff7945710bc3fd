package envelope

import (
	"fmt"
	"strings"
)

// AgentID addresses one agent instance.
type AgentID struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// String renders the id as type/key.
func (a AgentID) String() string {
	return a.Type + "/" + a.Key
}

// ParseAgentID parses "type/key". A bare "type" uses defaultKey.
func ParseAgentID(value, defaultKey string) (AgentID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return AgentID{}, fmt.Errorf("agent id is required")
	}
	agentType, key, found := strings.Cut(value, "/")
	if !found {
		key = defaultKey
	}
	if agentType == "" || key == "" {
		return AgentID{}, fmt.Errorf("agent id %q must be type/key", value)
	}
	return AgentID{Type: agentType, Key: key}, nil
}

// TopicID addresses a topic: subscribers match on Type, Source scopes it.
type TopicID struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

// String renders the id as type/source.
func (t TopicID) String() string {
	return t.Type + "/" + t.Source
}

// ParseTopicID parses "type/source". A bare "type" uses defaultSource.
func ParseTopicID(value, defaultSource string) (TopicID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return TopicID{}, fmt.Errorf("topic is required")
	}
	topicType, source, found := strings.Cut(value, "/")
	if !found {
		source = defaultSource
	}
	if topicType == "" || source == "" {
		return TopicID{}, fmt.Errorf("topic %q must be type/source", value)
	}
	return TopicID{Type: topicType, Source: source}, nil
}
