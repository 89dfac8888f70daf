package engine

import (
	"context"
	"testing"
)

func TestExecutorExecuteRunsWorkflowToCompletion(t *testing.T) {
	e := NewExecutor(newFakeTools(), &fakeSandbox{}, newFakeCapabilities(), nil, nil, nil, DefaultConfig())
	defer e.Close()

	dag := DAG{Tasks: []Task{{ID: "a", Type: TaskRemoteTool, ToolRef: "echo"}}}
	workflowID, events, detach, err := e.Execute(context.Background(), dag, "greet")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer detach()

	var sawComplete bool
	for ev := range events {
		if ev.Type == EventWorkflowComplete {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Fatalf("expected a workflow_complete event")
	}

	status, err := e.GetStatus(workflowID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != WFCompleted {
		t.Fatalf("status = %v, want completed", status)
	}
}

func TestExecutorExecuteRejectsInvalidDAG(t *testing.T) {
	e := NewExecutor(newFakeTools(), &fakeSandbox{}, newFakeCapabilities(), nil, nil, nil, DefaultConfig())
	defer e.Close()

	if _, _, _, err := e.Execute(context.Background(), DAG{}, "empty"); err == nil {
		t.Fatalf("expected an error for an empty DAG")
	}
}

func TestExecutorResumeRestoresState(t *testing.T) {
	checkpointer := NewMemCheckpointer()
	e := NewExecutor(newFakeTools(), &fakeSandbox{}, newFakeCapabilities(), nil, nil, checkpointer, DefaultConfig())
	defer e.Close()

	dag := DAG{Tasks: []Task{
		{ID: "a", Type: TaskRemoteTool, ToolRef: "echo"},
		{ID: "b", Type: TaskRemoteTool, ToolRef: "echo", DependsOn: []string{"a"}},
	}}
	workflowID, events, detach, err := e.Execute(context.Background(), dag, "two-step")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for range events {
	}
	detach()

	if _, _, _, err := checkpointer.Load(context.Background(), workflowID+"-layer-0"); err != nil {
		t.Fatalf("expected a checkpoint for layer 0: %v", err)
	}

	resumedID, resumedEvents, resumedDetach, err := e.Resume(context.Background(), dag, workflowID+"-layer-0")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	defer resumedDetach()
	for range resumedEvents {
	}

	if resumedID != workflowID {
		t.Fatalf("resumed workflow ID = %q, want %q", resumedID, workflowID)
	}
	status, err := e.GetStatus(resumedID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != WFCompleted {
		t.Fatalf("status = %v, want completed after resuming from layer 0", status)
	}
}

func TestExecutorUnknownWorkflowIDErrors(t *testing.T) {
	e := NewExecutor(newFakeTools(), &fakeSandbox{}, newFakeCapabilities(), nil, nil, nil, DefaultConfig())
	defer e.Close()

	if _, err := e.GetStatus("ghost"); err == nil {
		t.Fatalf("expected an error for an unknown workflow ID")
	}
	if err := e.EnqueueCommand("ghost", Command{Type: CmdAbort}); err == nil {
		t.Fatalf("expected an error enqueueing to an unknown workflow")
	}
}
