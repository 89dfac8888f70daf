package engine

import (
	"sync"
	"time"

	"context"
)

// Replanner applies rate-limited `replan_dag` requests against a Planner
// during an open AIL gate (§4.8). It is stateful per workflow: once
// Config.MaxReplans requests have been accepted, further requests are
// rejected without consulting the Planner.
type Replanner struct {
	planner    Planner
	maxReplans int

	mu    sync.Mutex
	count int
}

// NewReplanner builds a replanner bound to one workflow's Planner and limit.
func NewReplanner(planner Planner, maxReplans int) *Replanner {
	return &Replanner{planner: planner, maxReplans: maxReplans}
}

// Replan consults the Planner with the current DAG, completed results so
// far, and the requested new requirement, producing a Decision recording the
// outcome (§4.8: replan_success, replan_rejected, replan_failed,
// replan_no_changes) and, on success, the rebuilt Plan to continue from.
func (r *Replanner) Replan(ctx context.Context, plan *Plan, state *WorkflowState, newRequirement string, plannerContext map[string]any) (*Plan, Decision) {
	r.mu.Lock()
	if r.count >= r.maxReplans {
		r.mu.Unlock()
		return plan, Decision{
			Type:        DecisionAIL,
			Timestamp:   time.Now(),
			Description: "replan_dag rejected: rate limit exceeded",
			Outcome:     OutcomeReplanRejected,
			Metadata:    map[string]any{"error": ErrMaxReplansExceeded.Error(), "max_replans": r.maxReplans},
		}
	}
	r.count++
	r.mu.Unlock()

	if r.planner == nil {
		return plan, Decision{
			Type:        DecisionAIL,
			Timestamp:   time.Now(),
			Description: "replan_dag failed: no planner configured",
			Outcome:     OutcomeReplanFailed,
		}
	}

	snap := state.Snapshot()
	completed := make([]TaskResult, 0, len(snap.ResultOrder))
	for _, id := range snap.ResultOrder {
		completed = append(completed, snap.Results[id])
	}

	newDAG, err := r.planner.Replan(ctx, plan.DAG, completed, newRequirement, plannerContext)
	if err != nil {
		return plan, Decision{
			Type:        DecisionAIL,
			Timestamp:   time.Now(),
			Description: "replan_dag failed: " + err.Error(),
			Outcome:     OutcomeReplanFailed,
			Metadata:    map[string]any{"error": err.Error()},
		}
	}

	if len(newDAG.Tasks) == len(plan.DAG.Tasks) && sameTaskIDs(plan.DAG, newDAG) {
		return plan, Decision{
			Type:        DecisionAIL,
			Timestamp:   time.Now(),
			Description: "replan_dag produced no changes",
			Outcome:     OutcomeReplanNoChanges,
		}
	}

	newPlan, err := BuildPlan(newDAG)
	if err != nil {
		return plan, Decision{
			Type:        DecisionAIL,
			Timestamp:   time.Now(),
			Description: "replan_dag failed: rebuilt plan invalid: " + err.Error(),
			Outcome:     OutcomeReplanFailed,
			Metadata:    map[string]any{"error": err.Error()},
		}
	}

	return newPlan, Decision{
		Type:        DecisionAIL,
		Timestamp:   time.Now(),
		Description: "replan_dag applied",
		Outcome:     OutcomeReplanSuccess,
		Metadata:    map[string]any{"task_count": len(newDAG.Tasks)},
	}
}

// sameTaskIDs reports whether two DAGs contain exactly the same task IDs,
// used to detect a no-op replan (§4.8 replan_no_changes).
func sameTaskIDs(a, b DAG) bool {
	if len(a.Tasks) != len(b.Tasks) {
		return false
	}
	ids := make(map[string]bool, len(a.Tasks))
	for _, t := range a.Tasks {
		ids[t.ID] = true
	}
	for _, t := range b.Tasks {
		if !ids[t.ID] {
			return false
		}
	}
	return true
}
