// Package score evaluates whether a conversation reached its goal.
package score

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
)

// Result is the outcome of one scoring pass.
type Result struct {
	Passed         bool    `json:"passed"`
	FirstTimestamp *uint64 `json:"first_timestamp"`
	Expected       *string `json:"expected"`
	Actual         *string `json:"actual"`
}

// ContentMessage is the text view of one recorded event.
type ContentMessage struct {
	Timestamp uint64 `json:"timestamp"`
	Content   string `json:"content"`
}

// Scorer evaluates an ordered conversation.
type Scorer interface {
	Score(ctx context.Context, messages []ContentMessage) (Result, error)
}

// Func adapts a plain function to Scorer.
type Func func(ctx context.Context, messages []ContentMessage) (Result, error)

// Score implements Scorer.
func (f Func) Score(ctx context.Context, messages []ContentMessage) (Result, error) {
	return f(ctx, messages)
}

// HumanEvalMarker is printed by the human_eval harness when a solution passes.
const HumanEvalMarker = "ALL TESTS PASSED !#!#"

// HumanEval passes at the first message containing HumanEvalMarker.
var HumanEval = Func(func(_ context.Context, messages []ContentMessage) (Result, error) {
	for _, m := range messages {
		if strings.Contains(m.Content, HumanEvalMarker) {
			ts := m.Timestamp
			return Result{Passed: true, FirstTimestamp: &ts}, nil
		}
	}
	return Result{}, nil
})

var registry = map[string]Scorer{"human_eval": HumanEval}

// Lookup returns the built-in scorer registered as name.
func Lookup(name string) (Scorer, error) {
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown scorer %q (known: %s)", name, strings.Join(names(), ", "))
	}
	return s, nil
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run extracts content from events and scores it. A nil scorer yields a nil
// result.
func Run(ctx context.Context, s Scorer, events []envelope.TimestampedEvent) (*Result, error) {
	if s == nil {
		return nil, nil
	}
	messages := make([]ContentMessage, 0, len(events))
	for _, ev := range events {
		messages = append(messages, ContentMessage{
			Timestamp: ev.Timestamp,
			Content:   Content(ev.Envelope.Message()),
		})
	}
	res, err := s.Score(ctx, messages)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
