package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/swarmguard/dagcore/internal/resilience"
)

// Executor is the top-level entry point (§6): it builds a Plan, wires a
// fresh Dispatcher/DecisionGate/Replanner/SpeculativeExecutor around it, and
// runs the drive loop in the background. Multiple workflows may run
// concurrently through one Executor; each gets its own EventStream,
// CommandQueue, and WorkflowState.
type Executor struct {
	tools        ToolExecutor
	sandbox      SandboxRuntime
	capabilities CapabilityStore
	planner      Planner
	predictor    Predictor
	checkpointer Checkpointer
	cfg          Config

	escalation *resilience.HybridRateLimiter

	mu   sync.Mutex
	runs map[string]*runHandle
}

type runHandle struct {
	events    *EventStream
	commands  *CommandQueue
	state     *WorkflowState
	scheduler *Scheduler

	mu     sync.Mutex
	status WorkflowStatus
	err    error
}

// NewExecutor wires an executor. planner, predictor, and checkpointer may be
// nil to disable replanning, speculation, and checkpointing respectively.
func NewExecutor(tools ToolExecutor, sandbox SandboxRuntime, capabilities CapabilityStore, planner Planner, predictor Predictor, checkpointer Checkpointer, cfg Config) *Executor {
	return &Executor{
		tools:        tools,
		sandbox:      sandbox,
		capabilities: capabilities,
		planner:      planner,
		predictor:    predictor,
		checkpointer: checkpointer,
		cfg:          cfg,
		escalation:   resilience.NewHybridRateLimiter(4, 1, 32, 250*time.Millisecond),
		runs:         make(map[string]*runHandle),
	}
}

// Close releases the executor's shared background resources.
func (e *Executor) Close() { e.escalation.Stop() }

// Execute validates and plans dag, then starts a fresh run in the
// background. It returns the generated workflow ID and a subscription to
// its event stream; call the returned detach func once done consuming.
func (e *Executor) Execute(ctx context.Context, dag DAG, workflowName string) (string, <-chan ExecutionEvent, func(), error) {
	plan, err := BuildPlan(dag)
	if err != nil {
		return "", nil, nil, err
	}
	workflowID := workflowName + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	ch, detach := e.start(ctx, plan, workflowID, NewWorkflowState(workflowID), 0)
	return workflowID, ch, detach, nil
}

// Resume loads a checkpoint and restarts the drive loop from its recorded
// layer, using dag (the caller's copy, since a checkpoint only captures
// state, not DAG structure) to rebuild the Plan (§4.6).
func (e *Executor) Resume(ctx context.Context, dag DAG, checkpointID string) (string, <-chan ExecutionEvent, func(), error) {
	if e.checkpointer == nil {
		return "", nil, nil, fmt.Errorf("engine: no checkpointer configured")
	}
	workflowID, _, snap, err := e.checkpointer.Load(ctx, checkpointID)
	if err != nil {
		return "", nil, nil, err
	}
	plan, err := BuildPlan(dag)
	if err != nil {
		return "", nil, nil, err
	}

	state := NewWorkflowState(workflowID)
	state.restore(snap)

	ch, detach := e.start(ctx, plan, workflowID, state, state.CurrentLayer)
	return workflowID, ch, detach, nil
}

func (e *Executor) start(ctx context.Context, plan *Plan, workflowID string, state *WorkflowState, startLayer int) (<-chan ExecutionEvent, func()) {
	events := NewEventStream(e.cfg.EventStreamMaxBuffer)
	commands := NewCommandQueue()

	var spec *SpeculativeExecutor
	if e.cfg.SpeculationEnabled && e.predictor != nil {
		n := int64(e.cfg.SpeculationMaxConcurrent)
		if n <= 0 {
			n = 1
		}
		limiter := resilience.NewRateLimiter(n, float64(n), time.Second, n)
		spec = NewSpeculativeExecutor(e.tools, e.predictor, events, workflowID, limiter, e.cfg.SpeculationConfidenceThreshold)
	}

	dispatcher := NewDispatcher(e.tools, e.sandbox, e.capabilities, commands, events, spec, e.escalation, workflowID)
	decision := NewDecisionGate(e.cfg, commands, events)

	var replanner *Replanner
	if e.planner != nil {
		replanner = NewReplanner(e.planner, e.cfg.MaxReplans)
	}

	scheduler := NewScheduler(workflowID, e.cfg, dispatcher, decision, replanner, spec, e.checkpointer, events, commands, state)

	rh := &runHandle{events: events, commands: commands, state: state, scheduler: scheduler, status: WFCreated}
	e.mu.Lock()
	e.runs[workflowID] = rh
	e.mu.Unlock()

	ch, detach := events.Subscribe()

	go func() {
		status, err := scheduler.Run(ctx, plan, startLayer)
		rh.mu.Lock()
		rh.status = status
		rh.err = err
		rh.mu.Unlock()
		events.Close()
	}()

	return ch, detach
}

// EnqueueCommand injects a Command into a running workflow's queue (§4.4).
func (e *Executor) EnqueueCommand(workflowID string, cmd Command) error {
	rh, err := e.handle(workflowID)
	if err != nil {
		return err
	}
	rh.commands.Enqueue(cmd)
	return nil
}

// GetStateSnapshot returns a deep-structural snapshot of a workflow's state.
func (e *Executor) GetStateSnapshot(workflowID string) (Snapshot, error) {
	rh, err := e.handle(workflowID)
	if err != nil {
		return Snapshot{}, err
	}
	return rh.state.Snapshot(), nil
}

// GetStreamStats reports event stream health (consumer count, drops) for a workflow.
func (e *Executor) GetStreamStats(workflowID string) (Stats, error) {
	rh, err := e.handle(workflowID)
	if err != nil {
		return Stats{}, err
	}
	return rh.events.Stats(), nil
}

// ListCheckpoints returns the retained checkpoints for workflowID, oldest
// first, so a host can pick a resume point without loading every Snapshot.
func (e *Executor) ListCheckpoints(ctx context.Context, workflowID string) ([]CheckpointInfo, error) {
	if e.checkpointer == nil {
		return nil, fmt.Errorf("engine: no checkpointer configured")
	}
	return e.checkpointer.ListCheckpoints(ctx, workflowID)
}

// GetStatus returns the workflow's current status and, if it has finished
// in a non-completed state, the terminating error.
func (e *Executor) GetStatus(workflowID string) (WorkflowStatus, error) {
	rh, err := e.handle(workflowID)
	if err != nil {
		return "", err
	}
	rh.mu.Lock()
	defer rh.mu.Unlock()
	if rh.status == WFCreated {
		// the run has not returned yet; report the scheduler's live status
		return rh.scheduler.Status(), nil
	}
	return rh.status, rh.err
}

func (e *Executor) handle(workflowID string) (*runHandle, error) {
	e.mu.Lock()
	rh, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown workflow %q", workflowID)
	}
	return rh, nil
}
