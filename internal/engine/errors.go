package engine

import "errors"

// Input errors (§7): fatal before execution begins.
var (
	// ErrEmptyDAG is returned when a DAG has no tasks.
	ErrEmptyDAG = errors.New("engine: dag has no tasks")
	// ErrCycle is returned when the dependency graph is not acyclic.
	ErrCycle = errors.New("engine: dag has a cycle")
	// ErrMaxReplansExceeded is recorded (not necessarily fatal) when a replan
	// request arrives after the rate limit is exhausted.
	ErrMaxReplansExceeded = errors.New("engine: max replans exceeded")
)

// DanglingDependencyError reports a task referencing an unknown dependency.
type DanglingDependencyError struct {
	TaskID string
	DepID  string
}

func (e *DanglingDependencyError) Error() string {
	return "engine: task " + e.TaskID + " depends on unknown task " + e.DepID
}

// DependencyFailureError marks a task as un-dispatchable because one of its
// dependencies did not complete successfully (§4.2, §7).
type DependencyFailureError struct {
	TaskID string
	DepID  string
	Reason string
}

func (e *DependencyFailureError) Error() string {
	return "engine: task " + e.TaskID + " cannot run: dependency " + e.DepID + " " + e.Reason
}

// FatalWorkflowError wraps any error that terminates the whole workflow
// (abort command, HIL rejection/timeout, internal invariant violation).
type FatalWorkflowError struct {
	Reason string
	Cause  error
}

func (e *FatalWorkflowError) Error() string {
	if e.Cause != nil {
		return "engine: workflow aborted: " + e.Reason + ": " + e.Cause.Error()
	}
	return "engine: workflow aborted: " + e.Reason
}

func (e *FatalWorkflowError) Unwrap() error { return e.Cause }
