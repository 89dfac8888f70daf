package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/dagcore/internal/resilience"
)

// Dispatcher runs one layer's tasks concurrently (§4.2). It resolves
// dependencies against the live WorkflowState before dispatch, routes each
// task to its type-specific execution path, applies the safe-to-fail retry
// policy, and drives permission escalation through a HIL gate when a sandbox
// reports permission-denied or not-capable.
type Dispatcher struct {
	tools        ToolExecutor
	sandbox      SandboxRuntime
	capabilities CapabilityStore
	commands     *CommandQueue
	events       *EventStream
	speculation  *SpeculativeExecutor
	escalation   *resilience.HybridRateLimiter
	workflowID   string

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// NewDispatcher wires a dispatcher for one workflow run. speculation and
// escalation may be nil (speculation disabled / no escalation throttling).
func NewDispatcher(tools ToolExecutor, sandbox SandboxRuntime, capabilities CapabilityStore, commands *CommandQueue, events *EventStream, speculation *SpeculativeExecutor, escalation *resilience.HybridRateLimiter, workflowID string) *Dispatcher {
	return &Dispatcher{
		tools:        tools,
		sandbox:      sandbox,
		capabilities: capabilities,
		commands:     commands,
		events:       events,
		speculation:  speculation,
		escalation:   escalation,
		workflowID:   workflowID,
		breakers:     make(map[string]*resilience.CircuitBreaker),
	}
}

// RunLayer executes every task in layer concurrently and returns one result
// per task, in layer order (§4.2 "concurrently, returning a list of outcomes").
func (d *Dispatcher) RunLayer(ctx context.Context, plan *Plan, layer Layer, state *WorkflowState) []TaskResult {
	results := make([]TaskResult, len(layer))
	var wg sync.WaitGroup

	for i, id := range layer {
		task, ok := plan.TaskByID(id)
		if !ok {
			results[i] = TaskResult{TaskID: id, Status: StatusError, ErrorMsg: "engine: task not found in plan"}
			continue
		}
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			results[i] = d.runTask(ctx, task, state)
		}(i, task)
	}
	wg.Wait()
	return results
}

// runTask resolves dependencies, dispatches by task type, and emits the
// matching task_start/task_complete/task_warning/task_error events.
func (d *Dispatcher) runTask(ctx context.Context, task Task, state *WorkflowState) TaskResult {
	for _, dep := range task.DependsOn {
		r, ok := state.Result(dep)
		if ok && r.Status == StatusSuccess {
			continue
		}
		reason := "did not complete"
		if ok {
			reason = "failed (" + string(r.Status) + ")"
		}
		result := TaskResult{
			TaskID:   task.ID,
			Status:   StatusError,
			ErrorMsg: (&DependencyFailureError{TaskID: task.ID, DepID: dep, Reason: reason}).Error(),
		}
		d.events.Emit(ExecutionEvent{Type: EventTaskError, WorkflowID: d.workflowID, TaskID: task.ID, Result: &result})
		return result
	}

	d.events.Emit(ExecutionEvent{Type: EventTaskStart, WorkflowID: d.workflowID, TaskID: task.ID})
	start := time.Now()

	var result TaskResult
	switch task.Type {
	case TaskRemoteTool:
		result = d.dispatchRemoteTool(ctx, task, state)
	case TaskSandboxedCode:
		result = d.dispatchSandboxedCode(ctx, task, state)
	case TaskLearnedCapability:
		result = d.dispatchLearnedCapability(ctx, task, state)
	default:
		result = TaskResult{TaskID: task.ID, Status: StatusError, ErrorMsg: "engine: unknown task type " + string(task.Type)}
	}
	result.Duration = time.Since(start)

	switch result.Status {
	case StatusSuccess:
		d.events.Emit(ExecutionEvent{Type: EventTaskComplete, WorkflowID: d.workflowID, TaskID: task.ID, Result: &result})
	case StatusFailedSafe:
		d.events.Emit(ExecutionEvent{Type: EventTaskWarning, WorkflowID: d.workflowID, TaskID: task.ID, Result: &result})
	default:
		d.events.Emit(ExecutionEvent{Type: EventTaskError, WorkflowID: d.workflowID, TaskID: task.ID, Result: &result})
	}
	return result
}

// dispatchRemoteTool consults the speculative cache before falling back to a
// live ToolExecutor.Invoke call, each guarded by a per-tool circuit breaker.
func (d *Dispatcher) dispatchRemoteTool(ctx context.Context, task Task, state *WorkflowState) TaskResult {
	if d.speculation != nil {
		if out, err, hit := d.speculation.Consume(task.ToolRef, task.Args); hit {
			d.speculation.RecordCompletion(task.ToolRef)
			if err != nil {
				return TaskResult{TaskID: task.ID, Status: StatusError, ErrorMsg: err.Error()}
			}
			return TaskResult{TaskID: task.ID, Status: StatusSuccess, Output: out}
		}
	}

	br := d.breakerFor("tool:" + task.ToolRef)
	if !br.Allow() {
		return TaskResult{TaskID: task.ID, Status: StatusError, ErrorMsg: "engine: circuit open for tool " + task.ToolRef}
	}
	out, err := d.tools.Invoke(ctx, task.ToolRef, task.Args)
	br.RecordResult(err == nil)
	if err != nil {
		return TaskResult{TaskID: task.ID, Status: StatusError, ErrorMsg: err.Error()}
	}
	if d.speculation != nil {
		d.speculation.RecordCompletion(task.ToolRef)
	}
	return TaskResult{TaskID: task.ID, Status: StatusSuccess, Output: out}
}

// dispatchSandboxedCode applies the safe-to-fail retry policy (§4.2) when the
// task declares no side effects: three attempts, 100ms then 200ms apart (the
// schedule's 400ms entry is never slept, since no fourth attempt follows),
// demoting an exhausted retry sequence to failed_safe rather than error. A
// permission failure that escalation did not resolve stops the retries and
// is reported as error.
func (d *Dispatcher) dispatchSandboxedCode(ctx context.Context, task Task, state *WorkflowState) TaskResult {
	retryCtx, stopRetry := context.WithCancel(ctx)
	defer stopRetry()
	var permErr *SandboxError
	attempt := func(int) (SandboxResult, error) {
		res, err := d.runSandboxLike(ctx, task, state, task.CodeBody, task.Sandbox.Permissions, "sandbox:runtime", "")
		if sbErr := sandboxErrorOf(res, err); sbErr != nil && (sbErr.Kind == SandboxErrPermissionDenied || sbErr.Kind == SandboxErrNotCapable) {
			permErr = sbErr
			stopRetry()
		}
		if err == nil && !res.Success {
			err = errors.New(sandboxFailureMsg(res, nil))
		}
		return res, err
	}

	if task.SafeToFail() {
		res, err, _ := resilience.FixedRetry(retryCtx, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, attempt)
		if permErr != nil {
			return TaskResult{TaskID: task.ID, Status: StatusError, ErrorMsg: permErr.Error()}
		}
		if err != nil || !res.Success {
			return TaskResult{TaskID: task.ID, Status: StatusFailedSafe, ErrorMsg: sandboxFailureMsg(res, err)}
		}
		return TaskResult{TaskID: task.ID, Status: StatusSuccess, Output: res.Result}
	}

	res, err := d.runSandboxLike(ctx, task, state, task.CodeBody, task.Sandbox.Permissions, "sandbox:runtime", "")
	if err != nil || !res.Success {
		return TaskResult{TaskID: task.ID, Status: StatusError, ErrorMsg: sandboxFailureMsg(res, err)}
	}
	return TaskResult{TaskID: task.ID, Status: StatusSuccess, Output: res.Result}
}

// dispatchLearnedCapability resolves the capability's code and permission
// set from the CapabilityStore before executing it through the sandbox.
func (d *Dispatcher) dispatchLearnedCapability(ctx context.Context, task Task, state *WorkflowState) TaskResult {
	cap, err := d.capabilities.Find(ctx, task.CapabilityID)
	if err != nil {
		return TaskResult{TaskID: task.ID, Status: StatusError, ErrorMsg: err.Error()}
	}

	res, err := d.runSandboxLike(ctx, task, state, cap.Code, cap.Permissions, "capability:"+task.CapabilityID, task.CapabilityID)
	if err != nil || !res.Success {
		return TaskResult{TaskID: task.ID, Status: StatusError, ErrorMsg: sandboxFailureMsg(res, err)}
	}
	return TaskResult{TaskID: task.ID, Status: StatusSuccess, Output: res.Result}
}

// runSandboxLike executes code in the sandbox once, and — if the failure is
// permission-denied or not-capable — drives a HIL permission escalation gate
// and retries exactly once more with the approved, widened permission set
// (§4.2). capabilityID is empty for plain sandboxed_code tasks; when set, an
// approved widening is persisted back to the CapabilityStore.
func (d *Dispatcher) runSandboxLike(ctx context.Context, task Task, state *WorkflowState, code string, perms PermissionSet, breakerKey, capabilityID string) (SandboxResult, error) {
	execCtx := d.execContext(task, state)

	exec := func(p PermissionSet) (SandboxResult, error) {
		br := d.breakerFor(breakerKey)
		if !br.Allow() {
			return SandboxResult{}, &SandboxError{Kind: SandboxErrRuntime, Message: "circuit open for " + breakerKey}
		}
		res, err := d.sandbox.Execute(ctx, code, execCtx, p)
		br.RecordResult(err == nil && res.Err == nil)
		return res, err
	}

	res, err := exec(perms)
	if sbErr := sandboxErrorOf(res, err); sbErr != nil && (sbErr.Kind == SandboxErrPermissionDenied || sbErr.Kind == SandboxErrNotCapable) {
		widened, approved := d.escalate(ctx, task, perms, sbErr)
		if approved {
			if capabilityID != "" && d.capabilities != nil {
				_ = d.capabilities.UpdatePermissionSet(ctx, capabilityID, widened)
			}
			res, err = exec(widened)
		}
	}
	return res, err
}

// escalate emits a decision_required HIL event describing the permission
// gap and blocks (bounded by PermissionEscalationWait, default-deny on
// timeout, §4.2/§6) for an operator response. Concurrent escalations across
// a layer are throttled through the shared HybridRateLimiter so a cascade of
// permission-denied tasks can't flood the approval channel at once.
func (d *Dispatcher) escalate(ctx context.Context, task Task, current PermissionSet, sbErr *SandboxError) (PermissionSet, bool) {
	if d.escalation != nil {
		if err := d.escalation.AllowOrWait(ctx); err != nil {
			return current, false
		}
	}

	widened := widenPermission(current)
	corrID := uuid.NewString()

	d.events.Emit(ExecutionEvent{
		Type:       EventDecisionRequired,
		WorkflowID: d.workflowID,
		TaskID:     task.ID,
		Decision: &DecisionPrompt{
			Kind:          DecisionHIL,
			Description:   fmt.Sprintf("task %s needs %s permission (currently %s): %s", task.ID, widened, current, sbErr.Message),
			CorrelationID: corrID,
		},
	})

	cmd, ok := d.commands.WaitForDecision(ctx, PermissionEscalationWait, corrID, CmdApprovalResponse, CmdPermissionEscalationResponse)
	if !ok || !cmd.Approved {
		return current, false
	}
	if cmd.WidenedPermissions != "" {
		widened = cmd.WidenedPermissions
	}
	return widened, true
}

// execContext assembles the data a sandboxed/capability task body runs
// against: its own static args plus the recorded outputs of its dependencies.
func (d *Dispatcher) execContext(task Task, state *WorkflowState) map[string]any {
	ctxData := make(map[string]any, len(task.Args)+1)
	for k, v := range task.Args {
		ctxData[k] = v
	}
	deps := make(map[string]map[string]any, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if r, ok := state.Result(dep); ok {
			deps[dep] = r.Output
		}
	}
	ctxData["_deps"] = deps
	return ctxData
}

// breakerFor returns the circuit breaker for a given tool/capability key,
// creating it with fixed rolling-window parameters on first use.
func (d *Dispatcher) breakerFor(key string) *resilience.CircuitBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	if br, ok := d.breakers[key]; ok {
		return br
	}
	br := resilience.NewCircuitBreaker(key, 30*time.Second, 6, 5, 0.5, 10*time.Second, 1)
	d.breakers[key] = br
	return br
}

// widenPermission advances a permission set one rung up the fixed ladder
// minimal -> network -> filesystem (glossary); filesystem is the ceiling.
func widenPermission(p PermissionSet) PermissionSet {
	switch p {
	case PermissionMinimal:
		return PermissionNetwork
	case PermissionNetwork:
		return PermissionFilesystem
	default:
		return PermissionFilesystem
	}
}

// sandboxErrorOf extracts the structured SandboxError from either the error
// return or the result payload, whichever carries it.
func sandboxErrorOf(res SandboxResult, err error) *SandboxError {
	if err != nil {
		var sbErr *SandboxError
		if errors.As(err, &sbErr) {
			return sbErr
		}
		return nil
	}
	return res.Err
}

func sandboxFailureMsg(res SandboxResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res.Err != nil {
		return res.Err.Error()
	}
	return "engine: sandbox execution failed"
}
