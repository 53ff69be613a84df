package procexec

import (
	"context"
	"io"
	"strings"
	"sync"
)

// FakeCall is one invocation observed by Fake.
type FakeCall struct {
	Command Command
	Stdin   string
}

// Line returns the command line of the call.
func (c FakeCall) Line() string { return c.Command.String() }

// Fake is an in-memory Runner for tests. Handler decides the outcome of each
// call; a nil Handler succeeds with an empty Result.
type Fake struct {
	Handler func(call FakeCall) (Result, error)

	mu    sync.Mutex
	calls []FakeCall
}

func (f *Fake) Run(ctx context.Context, c Command) (Result, error) {
	call := FakeCall{Command: c}
	if c.Stdin != nil {
		data, _ := io.ReadAll(c.Stdin)
		call.Stdin = string(data)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	handler := f.Handler
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, err
	}
	if handler == nil {
		return Result{}, nil
	}
	return handler(call)
}

// Calls returns a copy of the recorded invocations.
func (f *Fake) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsContaining returns the recorded calls whose command line contains all
// of the given fragments.
func (f *Fake) CallsContaining(fragments ...string) []FakeCall {
	var out []FakeCall
	for _, call := range f.Calls() {
		line := call.Line()
		match := true
		for _, frag := range fragments {
			if !strings.Contains(line, frag) {
				match = false
				break
			}
		}
		if match {
			out = append(out, call)
		}
	}
	return out
}
