package envelope

import (
	"encoding/json"
	"fmt"
)

// TimestampedEvent is an envelope as recorded in history.
type TimestampedEvent struct {
	Envelope  Envelope
	Timestamp uint64
}

type wireEvent struct {
	Timestamp     uint64   `json:"timestamp"`
	Kind          Kind     `json:"kind"`
	Message       Payload  `json:"message"`
	Sender        *AgentID `json:"sender,omitempty"`
	Recipient     *AgentID `json:"recipient,omitempty"`
	Topic         *TopicID `json:"topic,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// MarshalJSON encodes the event with an explicit kind discriminator.
func (e TimestampedEvent) MarshalJSON() ([]byte, error) {
	if e.Envelope == nil {
		return nil, fmt.Errorf("event %d has no envelope", e.Timestamp)
	}
	w := Fold(e.Envelope,
		func(d Directed) wireEvent {
			recipient := d.Recipient
			return wireEvent{Kind: KindDirected, Message: d.Payload, Sender: d.Sender, Recipient: &recipient, CorrelationID: d.CorrelationID}
		},
		func(b Broadcast) wireEvent {
			topic := b.Topic
			return wireEvent{Kind: KindBroadcast, Message: b.Payload, Sender: b.Sender, Topic: &topic, CorrelationID: b.CorrelationID}
		},
		func(r Reply) wireEvent {
			sender := r.Sender
			return wireEvent{Kind: KindReply, Message: r.Payload, Sender: &sender, Recipient: r.Recipient}
		},
	)
	w.Timestamp = e.Timestamp
	return json.Marshal(w)
}

// UnmarshalJSON decodes an event written by MarshalJSON.
func (e *TimestampedEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	env, err := w.envelope()
	if err != nil {
		return fmt.Errorf("event %d: %w", w.Timestamp, err)
	}
	e.Envelope = env
	e.Timestamp = w.Timestamp
	return nil
}

func (w wireEvent) envelope() (Envelope, error) {
	switch w.Kind {
	case KindDirected:
		if w.Recipient == nil {
			return nil, fmt.Errorf("directed envelope requires a recipient")
		}
		return Directed{Payload: w.Message, Sender: w.Sender, Recipient: *w.Recipient, CorrelationID: w.CorrelationID}, nil
	case KindBroadcast:
		if w.Topic == nil {
			return nil, fmt.Errorf("broadcast envelope requires a topic")
		}
		return Broadcast{Payload: w.Message, Sender: w.Sender, Topic: *w.Topic, CorrelationID: w.CorrelationID}, nil
	case KindReply:
		if w.Sender == nil {
			return nil, fmt.Errorf("reply envelope requires a sender")
		}
		return Reply{Payload: w.Message, Sender: *w.Sender, Recipient: w.Recipient}, nil
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", w.Kind)
	}
}
