package envelope

// Rendered is the display form of an envelope, as archived in sessions and
// shown in queues and history views.
type Rendered struct {
	Timestamp     *uint64 `json:"timestamp"`
	Kind          Kind    `json:"kind"`
	Message       Payload `json:"message"`
	Sender        string  `json:"sender,omitempty"`
	Recipient     string  `json:"recipient,omitempty"`
	Topic         string  `json:"topic,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

// Render converts a pending envelope, which has no timestamp yet.
func Render(env Envelope) Rendered {
	return Fold(env,
		func(d Directed) Rendered {
			return Rendered{
				Kind:          KindDirected,
				Message:       d.Payload,
				Sender:        agentString(d.Sender),
				Recipient:     d.Recipient.String(),
				CorrelationID: d.CorrelationID,
			}
		},
		func(b Broadcast) Rendered {
			return Rendered{
				Kind:          KindBroadcast,
				Message:       b.Payload,
				Sender:        agentString(b.Sender),
				Topic:         b.Topic.String(),
				CorrelationID: b.CorrelationID,
			}
		},
		func(r Reply) Rendered {
			return Rendered{
				Kind:      KindReply,
				Message:   r.Payload,
				Sender:    r.Sender.String(),
				Recipient: agentString(r.Recipient),
			}
		},
	)
}

// RenderEvent converts a recorded event.
func RenderEvent(ev TimestampedEvent) Rendered {
	out := Render(ev.Envelope)
	ts := ev.Timestamp
	out.Timestamp = &ts
	return out
}

// RenderEvents converts events in order.
func RenderEvents(events []TimestampedEvent) []Rendered {
	out := make([]Rendered, 0, len(events))
	for _, ev := range events {
		out = append(out, RenderEvent(ev))
	}
	return out
}

func agentString(id *AgentID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
