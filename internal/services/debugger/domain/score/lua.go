package score

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Shopify/go-lua"
)

// LuaScorer runs a script that defines a global function
//
//	score(messages) -> boolean | {passed=, first_timestamp=, expected=, actual=}
//
// where messages is an array of {timestamp=, content=} tables.
type LuaScorer struct {
	name   string
	source string

	mu sync.Mutex
}

// NewLuaScorer compiles source once to surface syntax errors early.
func NewLuaScorer(name, source string) (*LuaScorer, error) {
	state := lua.NewState()
	if err := lua.LoadString(state, source); err != nil {
		return nil, fmt.Errorf("compile lua scorer %s: %w", name, err)
	}
	return &LuaScorer{name: name, source: source}, nil
}

// LoadLuaScorer reads a scorer script from disk.
func LoadLuaScorer(path string) (*LuaScorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lua scorer: %w", err)
	}
	return NewLuaScorer(path, string(data))
}

// Score runs the script in a fresh interpreter.
func (s *LuaScorer) Score(ctx context.Context, messages []ContentMessage) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state := lua.NewState()
	lua.OpenLibraries(state)
	if err := lua.LoadString(state, s.source); err != nil {
		return Result{}, fmt.Errorf("load %s: %w", s.name, err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return Result{}, fmt.Errorf("run %s: %w", s.name, err)
	}

	state.Global("score")
	if state.TypeOf(-1) != lua.TypeFunction {
		state.Pop(1)
		return Result{}, fmt.Errorf("%s does not define score(messages)", s.name)
	}
	pushMessages(state, messages)
	if err := state.ProtectedCall(1, 1, 0); err != nil {
		return Result{}, fmt.Errorf("call score in %s: %w", s.name, err)
	}
	defer state.Pop(1)

	switch state.TypeOf(-1) {
	case lua.TypeBoolean:
		return Result{Passed: state.ToBoolean(-1)}, nil
	case lua.TypeTable:
		return readResult(state), nil
	default:
		return Result{}, fmt.Errorf("score in %s returned %s, want boolean or table", s.name, lua.TypeNameOf(state, -1))
	}
}

func pushMessages(state *lua.State, messages []ContentMessage) {
	state.CreateTable(len(messages), 0)
	for i, m := range messages {
		state.CreateTable(0, 2)
		state.PushInteger(int(m.Timestamp))
		state.SetField(-2, "timestamp")
		state.PushString(m.Content)
		state.SetField(-2, "content")
		state.RawSetInt(-2, i+1)
	}
}

// readResult reads the result table at the top of the stack.
func readResult(state *lua.State) Result {
	var res Result

	state.Field(-1, "passed")
	res.Passed = state.ToBoolean(-1)
	state.Pop(1)

	state.Field(-1, "first_timestamp")
	if v, ok := state.ToInteger(-1); ok && v >= 0 {
		ts := uint64(v)
		res.FirstTimestamp = &ts
	}
	state.Pop(1)

	for field, dst := range map[string]**string{"expected": &res.Expected, "actual": &res.Actual} {
		state.Field(-1, field)
		if state.TypeOf(-1) == lua.TypeString {
			v, _ := state.ToString(-1)
			*dst = &v
		}
		state.Pop(1)
	}
	return res
}
