package engine

import "time"

// TaskType selects which dispatcher path a task runs through (§3).
type TaskType string

const (
	TaskRemoteTool       TaskType = "remote_tool"
	TaskSandboxedCode    TaskType = "sandboxed_code"
	TaskLearnedCapability TaskType = "learned_capability"
)

// PermissionSet names a bundle of sandbox capabilities (§ glossary).
type PermissionSet string

const (
	PermissionMinimal    PermissionSet = "minimal"
	PermissionNetwork    PermissionSet = "network"
	PermissionFilesystem PermissionSet = "filesystem"
)

// SandboxConfig carries per-task sandbox limits (§3).
type SandboxConfig struct {
	TimeLimit   time.Duration
	MemoryLimit int64
	ReadPaths   []string
	Permissions PermissionSet
}

// Task is immutable once enqueued (§3). Replanning produces new tasks rather
// than mutating existing ones — callers must treat every field as read-only
// after a Task is added to a DAG.
type Task struct {
	ID           string
	Type         TaskType
	ToolRef      string
	Args         map[string]any
	DependsOn    []string
	CodeBody     string
	CapabilityID string
	SideEffect   bool
	Sandbox      SandboxConfig
}

// SafeToFail reports whether a task is eligible for the retry-then-warn path
// (§4.2): it must be sandboxed_code and declare no side effects.
func (t Task) SafeToFail() bool {
	return t.Type == TaskSandboxedCode && !t.SideEffect
}

// DAG is an ordered collection of tasks with unique identifiers (§3).
type DAG struct {
	Tasks []Task
}

// Layer is a maximal set of task IDs whose dependencies are all satisfied by
// earlier layers (§3, glossary).
type Layer []string

// Plan is the materialized topological layering of a DAG, computed once per
// plan version (§4.1). TaskByID and layer membership are derived once and
// reused by the scheduler and dispatcher for the plan's lifetime.
type Plan struct {
	DAG      DAG
	Layers   []Layer
	taskByID map[string]Task
}

// TaskByID looks up a task by identifier within this plan.
func (p *Plan) TaskByID(id string) (Task, bool) {
	t, ok := p.taskByID[id]
	return t, ok
}

// BuildPlan validates a DAG and computes its layered topological order using
// Kahn's algorithm, breaking ties by input task order (§4.1). It fails with
// ErrEmptyDAG, a *DanglingDependencyError, or ErrCycle.
func BuildPlan(dag DAG) (*Plan, error) {
	if len(dag.Tasks) == 0 {
		return nil, ErrEmptyDAG
	}

	taskByID := make(map[string]Task, len(dag.Tasks))
	order := make([]string, 0, len(dag.Tasks))
	for _, t := range dag.Tasks {
		taskByID[t.ID] = t
		order = append(order, t.ID)
	}

	inDegree := make(map[string]int, len(dag.Tasks))
	children := make(map[string][]string, len(dag.Tasks))
	for _, t := range dag.Tasks {
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.DependsOn {
			if _, exists := taskByID[dep]; !exists {
				return nil, &DanglingDependencyError{TaskID: t.ID, DepID: dep}
			}
			inDegree[t.ID]++
			children[dep] = append(children[dep], t.ID)
		}
	}

	assigned := make(map[string]bool, len(dag.Tasks))
	remaining := len(dag.Tasks)
	var layers []Layer

	for remaining > 0 {
		var layer Layer
		for _, id := range order {
			if !assigned[id] && inDegree[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, ErrCycle
		}
		for _, id := range layer {
			assigned[id] = true
			remaining--
		}
		for _, id := range layer {
			for _, child := range children[id] {
				inDegree[child]--
			}
		}
		layers = append(layers, layer)
	}

	return &Plan{DAG: dag, Layers: layers, taskByID: taskByID}, nil
}
