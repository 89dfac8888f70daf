package engine

import (
	"context"
	"fmt"
	"sync"
)

// fakeTools is a ToolExecutor that records invocations and can be configured
// to fail or delay specific tool IDs.
type fakeTools struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	delay     map[string]chan struct{}
	responses map[string]map[string]any
}

func newFakeTools() *fakeTools {
	return &fakeTools{fail: map[string]error{}, delay: map[string]chan struct{}{}, responses: map[string]map[string]any{}}
}

func (f *fakeTools) Invoke(ctx context.Context, toolID string, args map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolID)
	wait := f.delay[toolID]
	err := f.fail[toolID]
	resp := f.responses[toolID]
	f.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out["tool_id"] = toolID
	return out, nil
}

func (f *fakeTools) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeSandbox is a SandboxRuntime that denies permission below a threshold
// and otherwise succeeds, recording each permission it was invoked with.
type fakeSandbox struct {
	mu        sync.Mutex
	requireAt PermissionSet
	invocations []PermissionSet
	alwaysFail  bool
}

func (s *fakeSandbox) Execute(_ context.Context, code string, _ map[string]any, perms PermissionSet) (SandboxResult, error) {
	s.mu.Lock()
	s.invocations = append(s.invocations, perms)
	s.mu.Unlock()

	if s.alwaysFail {
		return SandboxResult{Success: false, Err: &SandboxError{Kind: SandboxErrRuntime, Message: "boom"}}, nil
	}
	if s.requireAt != "" && !permissionAtLeast(perms, s.requireAt) {
		return SandboxResult{Success: false, Err: &SandboxError{Kind: SandboxErrPermissionDenied, Message: "need " + string(s.requireAt)}}, nil
	}
	return SandboxResult{Success: true, Result: map[string]any{"code_len": len(code)}}, nil
}

func permissionAtLeast(have, want PermissionSet) bool {
	rank := map[PermissionSet]int{PermissionMinimal: 0, PermissionNetwork: 1, PermissionFilesystem: 2}
	return rank[have] >= rank[want]
}

// fakeCapabilities is an in-memory CapabilityStore.
type fakeCapabilities struct {
	mu      sync.Mutex
	entries map[string]Capability
}

func newFakeCapabilities() *fakeCapabilities {
	return &fakeCapabilities{entries: map[string]Capability{}}
}

func (c *fakeCapabilities) Find(_ context.Context, id string) (Capability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cap, ok := c.entries[id]
	if !ok {
		return Capability{}, fmt.Errorf("no capability %q", id)
	}
	return cap, nil
}

func (c *fakeCapabilities) UpdatePermissionSet(_ context.Context, id string, newSet PermissionSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cap := c.entries[id]
	cap.Permissions = newSet
	c.entries[id] = cap
	return nil
}

// fakePlanner returns a fixed DAG or error on Replan.
type fakePlanner struct {
	dag DAG
	err error
}

func (p *fakePlanner) Replan(_ context.Context, _ DAG, _ []TaskResult, _ string, _ map[string]any) (DAG, error) {
	return p.dag, p.err
}

// fakePredictor returns a fixed set of predictions.
type fakePredictor struct {
	predictions []Prediction
}

func (p *fakePredictor) Predict(_ context.Context, _ []Task, _ Snapshot) ([]Prediction, error) {
	return p.predictions, nil
}

func drainEvents(ch <-chan ExecutionEvent) []ExecutionEvent {
	var out []ExecutionEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}
