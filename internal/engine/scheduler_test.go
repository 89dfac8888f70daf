package engine

import (
	"context"
	"testing"
)

func newTestScheduler(cfg Config, dag DAG) (*Scheduler, *Plan, *WorkflowState, *EventStream, *CommandQueue) {
	plan, err := BuildPlan(dag)
	if err != nil {
		panic(err)
	}
	events := NewEventStream(64)
	commands := NewCommandQueue()
	state := NewWorkflowState("wf")
	tools := newFakeTools()
	dispatcher := NewDispatcher(tools, &fakeSandbox{}, newFakeCapabilities(), commands, events, nil, nil, "wf")
	decision := NewDecisionGate(cfg, commands, events)
	sched := NewScheduler("wf", cfg, dispatcher, decision, nil, nil, nil, events, commands, state)
	return sched, plan, state, events, commands
}

func TestSchedulerRunsToCompletion(t *testing.T) {
	dag := DAG{Tasks: []Task{
		{ID: "a", Type: TaskRemoteTool, ToolRef: "echo"},
		{ID: "b", Type: TaskRemoteTool, ToolRef: "echo", DependsOn: []string{"a"}},
	}}
	sched, plan, state, events, _ := newTestScheduler(DefaultConfig(), dag)

	ch, detach := events.Subscribe()
	defer detach()
	go func() {
		for range ch {
		}
	}()

	status, err := sched.Run(context.Background(), plan, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != WFCompleted {
		t.Fatalf("status = %v, want completed", status)
	}
	success, failed, failedSafe := state.ResultCount()
	if success != 2 || failed != 0 || failedSafe != 0 {
		t.Fatalf("results = (%d,%d,%d), want (2,0,0)", success, failed, failedSafe)
	}
}

func TestSchedulerAbortCommandStopsRun(t *testing.T) {
	dag := DAG{Tasks: []Task{
		{ID: "a", Type: TaskRemoteTool, ToolRef: "echo"},
		{ID: "b", Type: TaskRemoteTool, ToolRef: "echo", DependsOn: []string{"a"}},
	}}
	sched, plan, _, events, commands := newTestScheduler(DefaultConfig(), dag)

	ch, detach := events.Subscribe()
	defer detach()
	go func() {
		for ev := range ch {
			if ev.Type == EventLayerStart {
				commands.Enqueue(Command{Type: CmdAbort})
				return
			}
		}
	}()
	status, err := sched.Run(context.Background(), plan, 0)
	if status != WFAborted {
		t.Fatalf("status = %v, want aborted", status)
	}
	if err == nil {
		t.Fatalf("expected a FatalWorkflowError")
	}
}

func TestSchedulerHILRejectAborts(t *testing.T) {
	dag := DAG{Tasks: []Task{{ID: "a", Type: TaskRemoteTool, ToolRef: "echo"}}}
	cfg := DefaultConfig()
	cfg.HILEnabled = true
	cfg.HILApproval = HILAlways
	sched, plan, _, events, commands := newTestScheduler(cfg, dag)

	ch, detach := events.Subscribe()
	defer detach()
	go func() {
		for ev := range ch {
			if ev.Type == EventDecisionRequired {
				commands.Enqueue(Command{Type: CmdApprovalResponse, CorrelationID: ev.Decision.CorrelationID, Approved: false})
				return
			}
		}
	}()

	status, err := sched.Run(context.Background(), plan, 0)
	if status != WFAborted {
		t.Fatalf("status = %v, want aborted on HIL rejection", status)
	}
	if err == nil {
		t.Fatalf("expected an error describing the HIL rejection")
	}
}

func TestSchedulerEmitsCheckpointPerLayer(t *testing.T) {
	dag := DAG{Tasks: []Task{{ID: "a", Type: TaskRemoteTool, ToolRef: "echo"}}}
	plan, _ := BuildPlan(dag)
	events := NewEventStream(64)
	commands := NewCommandQueue()
	state := NewWorkflowState("wf")
	dispatcher := NewDispatcher(newFakeTools(), &fakeSandbox{}, newFakeCapabilities(), commands, events, nil, nil, "wf")
	decision := NewDecisionGate(DefaultConfig(), commands, events)
	checkpointer := NewMemCheckpointer()
	sched := NewScheduler("wf", DefaultConfig(), dispatcher, decision, nil, nil, checkpointer, events, commands, state)

	ch, detach := events.Subscribe()
	defer detach()
	var sawCheckpoint bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if ev.Type == EventCheckpoint {
				sawCheckpoint = true
			}
		}
	}()

	if _, err := sched.Run(context.Background(), plan, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events.Close()
	<-done

	if !sawCheckpoint {
		t.Fatalf("expected a checkpoint event")
	}
	if _, _, _, err := checkpointer.Load(context.Background(), "wf-layer-0"); err != nil {
		t.Fatalf("expected layer-0 checkpoint persisted: %v", err)
	}
}
