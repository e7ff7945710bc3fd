package domain

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/services/debugger"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/session"
)

// PayloadInput is a message payload supplied by an MCP client.
type PayloadInput struct {
	Type string `json:"type" jsonschema:"message type name, see message_types_list"`
	Body any    `json:"body,omitempty" jsonschema:"message body as a JSON value"`
}

func (p PayloadInput) payload() (envelope.Payload, error) {
	if p.Body == nil {
		return envelope.Payload{Type: p.Type}, nil
	}
	return envelope.NewPayload(p.Type, p.Body)
}

// Message is one captured message.
type Message struct {
	Timestamp     *uint64 `json:"timestamp,omitempty" jsonschema:"logical timestamp, absent while undelivered"`
	Kind          string  `json:"kind" jsonschema:"directed, broadcast or reply"`
	Type          string  `json:"type" jsonschema:"message type name"`
	Body          any     `json:"body,omitempty" jsonschema:"decoded message body"`
	Sender        string  `json:"sender,omitempty" jsonschema:"sending agent"`
	Recipient     string  `json:"recipient,omitempty" jsonschema:"receiving agent for directed messages"`
	Topic         string  `json:"topic,omitempty" jsonschema:"topic for broadcasts"`
	CorrelationID string  `json:"correlation_id,omitempty" jsonschema:"request this reply answers"`
}

func messageView(r envelope.Rendered) Message {
	return Message{
		Timestamp:     r.Timestamp,
		Kind:          string(r.Kind),
		Type:          r.Message.Type,
		Body:          decodeBody(r.Message.Body),
		Sender:        r.Sender,
		Recipient:     r.Recipient,
		Topic:         r.Topic,
		CorrelationID: r.CorrelationID,
	}
}

func messageViews(rendered []envelope.Rendered) []Message {
	views := make([]Message, 0, len(rendered))
	for _, r := range rendered {
		views = append(views, messageView(r))
	}
	return views
}

func decodeBody(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Score is a scorer verdict.
type Score struct {
	Passed         bool    `json:"passed" jsonschema:"whether the run passed"`
	FirstTimestamp *uint64 `json:"first_timestamp,omitempty" jsonschema:"first timestamp that diverged"`
	Expected       *string `json:"expected,omitempty" jsonschema:"expected value at the divergence"`
	Actual         *string `json:"actual,omitempty" jsonschema:"actual value at the divergence"`
}

func scoreView(r *score.Result) *Score {
	if r == nil {
		return nil
	}
	return &Score{Passed: r.Passed, FirstTimestamp: r.FirstTimestamp, Expected: r.Expected, Actual: r.Actual}
}

// Session is one archived or live session.
type Session struct {
	Index     int       `json:"index" jsonschema:"session index"`
	Messages  []Message `json:"messages" jsonschema:"messages delivered in this session"`
	ResetFrom *uint64   `json:"reset_from,omitempty" jsonschema:"timestamp the session was reverted from"`
	NextStart *uint64   `json:"next_start,omitempty" jsonschema:"first timestamp of the following session"`
	Score     *Score    `json:"score,omitempty" jsonschema:"score of the session"`
}

func sessionView(s session.Indexed) Session {
	return Session{
		Index:     s.Index,
		Messages:  messageViews(s.Session.Messages),
		ResetFrom: s.Session.ResetFromTimestamp,
		NextStart: s.Session.NextSessionStart,
		Score:     scoreView(s.Session.Score),
	}
}

// Warning is a non-fatal problem reported by a revert.
type Warning struct {
	Code     string            `json:"code" jsonschema:"machine-readable code"`
	Message  string            `json:"message" jsonschema:"description of the problem"`
	Metadata map[string]string `json:"metadata,omitempty" jsonschema:"structured details"`
}

func warningViews(warnings []debugger.Warning) []Warning {
	var views []Warning
	for _, w := range warnings {
		views = append(views, Warning{Code: string(w.Code), Message: w.Message, Metadata: w.Metadata})
	}
	return views
}

// toolError keeps the debugger error code visible to the MCP client.
func toolError(action string, err error) error {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		return fmt.Errorf("%s failed: %w", action, err)
	}
	return fmt.Errorf("%s failed (%s): %w", action, code, err)
}
