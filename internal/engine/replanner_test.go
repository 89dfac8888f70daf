package engine

import (
	"context"
	"testing"
)

func TestReplannerSuccessRebuildsPlan(t *testing.T) {
	oldDAG := DAG{Tasks: []Task{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}}}
	newDAG := DAG{Tasks: []Task{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}, {ID: "c", DependsOn: []string{"b"}}}}
	plan, err := BuildPlan(oldDAG)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	r := NewReplanner(&fakePlanner{dag: newDAG}, 3)
	state := NewWorkflowState("wf")

	newPlan, d := r.Replan(context.Background(), plan, state, "add task c", nil)
	if d.Outcome != OutcomeReplanSuccess {
		t.Fatalf("Outcome = %v, want replan_success", d.Outcome)
	}
	if len(newPlan.DAG.Tasks) != 3 {
		t.Fatalf("expected rebuilt plan with 3 tasks, got %d", len(newPlan.DAG.Tasks))
	}
}

func TestReplannerNoChangesDetected(t *testing.T) {
	dag := DAG{Tasks: []Task{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}}}
	plan, _ := BuildPlan(dag)

	r := NewReplanner(&fakePlanner{dag: dag}, 3)
	state := NewWorkflowState("wf")

	unchangedPlan, d := r.Replan(context.Background(), plan, state, "no-op request", nil)
	if d.Outcome != OutcomeReplanNoChanges {
		t.Fatalf("Outcome = %v, want replan_no_changes", d.Outcome)
	}
	if unchangedPlan != plan {
		t.Fatalf("expected the original plan pointer to be returned on no-op")
	}
}

func TestReplannerRateLimited(t *testing.T) {
	dag := DAG{Tasks: []Task{{ID: "a"}}}
	plan, _ := BuildPlan(dag)
	state := NewWorkflowState("wf")

	otherDAG := DAG{Tasks: []Task{{ID: "a"}, {ID: "b"}}}
	r := NewReplanner(&fakePlanner{dag: otherDAG}, 1)

	_, first := r.Replan(context.Background(), plan, state, "req1", nil)
	if first.Outcome != OutcomeReplanSuccess {
		t.Fatalf("first replan Outcome = %v, want replan_success", first.Outcome)
	}

	_, second := r.Replan(context.Background(), plan, state, "req2", nil)
	if second.Outcome != OutcomeReplanRejected {
		t.Fatalf("second replan Outcome = %v, want replan_rejected after rate limit", second.Outcome)
	}
}

func TestReplannerPlannerErrorYieldsFailed(t *testing.T) {
	dag := DAG{Tasks: []Task{{ID: "a"}}}
	plan, _ := BuildPlan(dag)
	state := NewWorkflowState("wf")

	r := NewReplanner(&fakePlanner{err: errPlannerBoom}, 3)
	_, d := r.Replan(context.Background(), plan, state, "req", nil)
	if d.Outcome != OutcomeReplanFailed {
		t.Fatalf("Outcome = %v, want replan_failed", d.Outcome)
	}
}

func TestReplannerNilPlannerYieldsFailed(t *testing.T) {
	dag := DAG{Tasks: []Task{{ID: "a"}}}
	plan, _ := BuildPlan(dag)
	state := NewWorkflowState("wf")

	r := NewReplanner(nil, 3)
	_, d := r.Replan(context.Background(), plan, state, "req", nil)
	if d.Outcome != OutcomeReplanFailed {
		t.Fatalf("Outcome = %v, want replan_failed for a nil planner", d.Outcome)
	}
}

var errPlannerBoom = &plannerError{"planner exploded"}

type plannerError struct{ msg string }

func (e *plannerError) Error() string { return e.msg }
