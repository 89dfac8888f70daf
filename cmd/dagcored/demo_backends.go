package main

import (
	"context"
	"fmt"

	"github.com/swarmguard/dagcore/internal/engine"
)

// demoToolExecutor is a reference ToolExecutor for running dagcored without a
// real tool backend wired in: it echoes its arguments back and adds the tool
// ID under a "tool_id" key so a submitted DAG can be exercised end to end
// against /v1/workflows/run.
type demoToolExecutor struct{}

func (d *demoToolExecutor) Invoke(_ context.Context, toolID string, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out["tool_id"] = toolID
	return out, nil
}

// demoSandboxRuntime is a reference SandboxRuntime: it never denies
// permissions and never fails, so learned_capability and sandboxed_code tasks
// can flow through a host with no real sandbox attached.
type demoSandboxRuntime struct{}

func (d *demoSandboxRuntime) Execute(_ context.Context, code string, taskContext map[string]any, _ engine.PermissionSet) (engine.SandboxResult, error) {
	return engine.SandboxResult{
		Success: true,
		Result:  map[string]any{"code_len": len(code), "context_keys": len(taskContext)},
	}, nil
}

// demoCapabilityStore is a reference CapabilityStore backed by an in-memory
// map; UpdatePermissionSet mutates entries in place, matching the widening
// behavior the Permission Escalation path expects (§4.8).
type demoCapabilityStore struct {
	entries map[string]engine.Capability
}

func (d *demoCapabilityStore) Find(_ context.Context, id string) (engine.Capability, error) {
	if d.entries == nil {
		return engine.Capability{}, fmt.Errorf("engine: unknown capability %q", id)
	}
	cap, ok := d.entries[id]
	if !ok {
		return engine.Capability{}, fmt.Errorf("engine: unknown capability %q", id)
	}
	return cap, nil
}

func (d *demoCapabilityStore) UpdatePermissionSet(_ context.Context, id string, newSet engine.PermissionSet) error {
	if d.entries == nil {
		d.entries = make(map[string]engine.Capability)
	}
	cap := d.entries[id]
	cap.Permissions = newSet
	d.entries[id] = cap
	return nil
}
