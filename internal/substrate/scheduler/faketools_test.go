package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// fakeToolExecutor is a scriptable ToolExecutor for scheduler tests.
type fakeToolExecutor struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	errs    map[string]error
	calls   []string
}

func newFakeToolExecutor() *fakeToolExecutor {
	return &fakeToolExecutor{
		results: make(map[string]json.RawMessage),
		errs:    make(map[string]error),
	}
}

func (f *fakeToolExecutor) whenCalled(toolName string, result json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[toolName] = result
}

func (f *fakeToolExecutor) whenCalledFail(toolName string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[toolName] = err
}

func (f *fakeToolExecutor) ExecuteToolCall(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolName)
	if err, ok := f.errs[toolName]; ok {
		f.mu.Unlock()
		return nil, err
	}
	result, ok := f.results[toolName]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("no scripted result for tool " + toolName)
	}
	return result, nil
}
