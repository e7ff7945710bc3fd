package actor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
)

type savedAgent struct {
	ID    envelope.AgentID `json:"id"`
	State json.RawMessage  `json:"state"`
}

type savedRuntime struct {
	Agents []savedAgent `json:"agents"`
}

// SnapshotState serializes every instantiated agent. It is safe to call from
// an interception hook because hooks run before the receiving agent is
// locked.
func (r *Runtime) SnapshotState(ctx context.Context) ([]byte, error) {
	var saved savedRuntime
	for _, info := range r.Agents() {
		r.agentsMu.Lock()
		cell := r.agents[info.ID]
		r.agentsMu.Unlock()

		cell.mu.Lock()
		state, err := cell.agent.SaveState(ctx)
		cell.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("save agent %s: %w", info.ID, err)
		}
		saved.Agents = append(saved.Agents, savedAgent{ID: info.ID, State: state})
	}
	return json.Marshal(saved)
}

// RestoreState loads a snapshot taken by SnapshotState, creating agents that
// do not exist yet.
func (r *Runtime) RestoreState(ctx context.Context, state []byte) error {
	var saved savedRuntime
	if err := json.Unmarshal(state, &saved); err != nil {
		return fmt.Errorf("decode runtime state: %w", err)
	}
	for _, a := range saved.Agents {
		cell, err := r.cell(a.ID)
		if err != nil {
			return err
		}
		cell.mu.Lock()
		err = cell.agent.LoadState(ctx, a.State)
		cell.mu.Unlock()
		if err != nil {
			return fmt.Errorf("load agent %s: %w", a.ID, err)
		}
	}
	return nil
}
