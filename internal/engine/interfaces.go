package engine

import "context"

// ToolExecutor is the consumed contract (§6) for remote_tool tasks.
type ToolExecutor interface {
	Invoke(ctx context.Context, toolID string, args map[string]any) (map[string]any, error)
}

// SandboxErrorKind enumerates the recognized sandbox failure kinds (§6).
type SandboxErrorKind string

const (
	SandboxErrPermissionDenied SandboxErrorKind = "permission-denied"
	SandboxErrNotCapable       SandboxErrorKind = "not-capable"
	SandboxErrTimeout          SandboxErrorKind = "timeout"
	SandboxErrMemoryExceeded   SandboxErrorKind = "memory-exceeded"
	SandboxErrRuntime          SandboxErrorKind = "runtime-error"
)

// SandboxError is the structured error sandboxed/learned-capability execution
// can return, carrying a recognized kind (§6).
type SandboxError struct {
	Kind    SandboxErrorKind
	Message string
}

func (e *SandboxError) Error() string { return string(e.Kind) + ": " + e.Message }

// SandboxResult is the outcome of a SandboxRuntime.Execute call (§6).
type SandboxResult struct {
	Success bool
	Result  map[string]any
	Err     *SandboxError
}

// SandboxRuntime is the consumed contract (§6) for sandboxed_code and
// learned_capability tasks.
type SandboxRuntime interface {
	Execute(ctx context.Context, code string, context map[string]any, perms PermissionSet) (SandboxResult, error)
}

// Capability is what CapabilityStore.Find returns for a learned_capability task.
type Capability struct {
	Code        string
	Permissions PermissionSet
}

// CapabilityStore is the consumed contract (§6) for resolving and widening
// learned capabilities.
type CapabilityStore interface {
	Find(ctx context.Context, id string) (Capability, error)
	UpdatePermissionSet(ctx context.Context, id string, newSet PermissionSet) error
}

// Planner is the consumed contract (§6) for the Replanner Bridge.
type Planner interface {
	Replan(ctx context.Context, current DAG, completed []TaskResult, newRequirement string, plannerContext map[string]any) (DAG, error)
}

// Prediction is a speculative executor's guess at an upcoming remote_tool
// invocation (§4.9): the tool, the args it expects to be called with, the
// identifier of the tool whose completion the guess depends on being correct,
// and a confidence score in [0,1].
type Prediction struct {
	ToolID            string
	Args              map[string]any
	PredecessorToolID string
	Confidence        float64
}

// Predictor is the consumed contract (§6) the Speculative Executor queries
// for look-ahead guesses about the next layer's remote_tool calls.
type Predictor interface {
	Predict(ctx context.Context, upcoming []Task, state Snapshot) ([]Prediction, error)
}
