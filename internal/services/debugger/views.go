package debugger

import (
	"encoding/json"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/revert"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/session"
)

// Status summarizes the scheduler.
type Status struct {
	Running        bool `json:"running"`
	Unprocessed    int  `json:"unprocessed"`
	DropArmed      bool `json:"drop_armed"`
	Reverting      bool `json:"reverting"`
	CurrentSession int  `json:"current_session"`
}

// PendingMessage is one undelivered message.
type PendingMessage struct {
	Index   int               `json:"index"`
	Message envelope.Rendered `json:"message"`
}

// SessionsView lists archived sessions plus the live one.
type SessionsView struct {
	Current  int               `json:"current_session"`
	Sessions []session.Indexed `json:"sessions"`
}

// AgentView is an agent the team defines.
type AgentView struct {
	ID           string `json:"id"`
	Instantiated bool   `json:"instantiated"`
}

// AgentStateView is the saved state of one agent.
type AgentStateView struct {
	ID           string          `json:"id"`
	Instantiated bool            `json:"instantiated"`
	State        json.RawMessage `json:"state,omitempty"`
}

// Warning is a non-fatal problem reported by an operation.
type Warning struct {
	Code     apperrors.Code    `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RevertView is the outcome of a revert.
type RevertView struct {
	Cutoff    uint64            `json:"cutoff"`
	Session   int               `json:"archived_session"`
	Discarded int               `json:"discarded"`
	Restored  bool              `json:"restored"`
	Resent    envelope.Rendered `json:"resent"`
	Warnings  []Warning         `json:"warnings,omitempty"`
}

func revertView(res revert.Result) RevertView {
	view := RevertView{
		Cutoff:    res.Cutoff,
		Session:   res.Session,
		Discarded: res.Discarded,
		Restored:  res.Restored,
	}
	if res.Resent != nil {
		view.Resent = envelope.Render(res.Resent)
	}
	for _, w := range res.Warnings {
		view.Warnings = append(view.Warnings, Warning{Code: w.Code, Message: w.Message, Metadata: w.Metadata})
	}
	return view
}
