package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DecisionGate evaluates whether an AIL and/or HIL checkpoint fires after a
// layer completes, and drives the corresponding wait-for-command gate (§4.7).
// The asymmetric timeout defaults — AIL continues on timeout, HIL aborts —
// are a deliberate design choice (§5 Design Notes) and must not be unified.
type DecisionGate struct {
	cfg      Config
	commands *CommandQueue
	events   *EventStream
}

// NewDecisionGate builds a decision gate bound to one workflow's config,
// command queue, and event stream.
func NewDecisionGate(cfg Config, commands *CommandQueue, events *EventStream) *DecisionGate {
	return &DecisionGate{cfg: cfg, commands: commands, events: events}
}

// layerHasSideEffect reports whether any task in layer is marked SideEffect,
// the trigger condition for HILCriticalOnly (§4.7).
func layerHasSideEffect(plan *Plan, layer Layer) bool {
	for _, id := range layer {
		if t, ok := plan.TaskByID(id); ok && t.SideEffect {
			return true
		}
	}
	return false
}

// shouldTriggerAIL reports whether the AIL gate fires for the layer just
// completed, given results just produced in that layer.
func (g *DecisionGate) shouldTriggerAIL(layerResults []TaskResult) bool {
	if !g.cfg.AILEnabled {
		return false
	}
	switch g.cfg.AILMode {
	case AILPerLayer:
		return true
	case AILOnError:
		for _, r := range layerResults {
			if r.Status == StatusError || r.Status == StatusFailedSafe {
				return true
			}
		}
		return false
	case AILManual:
		return false // never fires automatically; no command type opens a manual gate either
	default: // AILOff
		return false
	}
}

// shouldTriggerHIL reports whether the HIL gate fires for the layer just
// completed.
func (g *DecisionGate) shouldTriggerHIL(plan *Plan, layer Layer) bool {
	if !g.cfg.HILEnabled {
		return false
	}
	switch g.cfg.HILApproval {
	case HILAlways:
		return true
	case HILCriticalOnly:
		return layerHasSideEffect(plan, layer)
	default: // HILNever
		return false
	}
}

// buildSummary renders the deterministic HIL template (§4.7): counts so far,
// up to three most recent outcomes, the current layer's task dump, and a
// preview of the first five tasks of the next layer.
func buildSummary(plan *Plan, state *WorkflowState, layerIndex int, layer Layer) *HILSummary {
	snap := state.Snapshot()
	success, failed, failedSafe := state.ResultCount()

	var recent []RecentOutcome
	start := len(snap.ResultOrder) - 3
	if start < 0 {
		start = 0
	}
	for _, id := range snap.ResultOrder[start:] {
		r := snap.Results[id]
		recent = append(recent, RecentOutcome{TaskID: r.TaskID, Status: r.Status, Duration: r.Duration})
	}

	current := make([]LayerTaskView, 0, len(layer))
	for _, id := range layer {
		t, _ := plan.TaskByID(id)
		status := "pending"
		if r, ok := snap.Results[id]; ok {
			status = string(r.Status)
		}
		current = append(current, LayerTaskView{TaskID: t.ID, ToolRef: t.ToolRef, DepCount: len(t.DependsOn), Status: status})
	}

	var next []LayerTaskView
	if layerIndex+1 < len(plan.Layers) {
		nextLayer := plan.Layers[layerIndex+1]
		limit := 5
		if len(nextLayer) < limit {
			limit = len(nextLayer)
		}
		for _, id := range nextLayer[:limit] {
			t, _ := plan.TaskByID(id)
			next = append(next, LayerTaskView{TaskID: t.ID, ToolRef: t.ToolRef, DepCount: len(t.DependsOn)})
		}
	}

	return &HILSummary{
		LayerIndex:       layerIndex,
		SuccessfulSoFar:  success,
		FailedSoFar:      failed + failedSafe,
		RecentOutcomes:   recent,
		CurrentLayer:     current,
		NextLayerPreview: next,
	}
}

// RunAIL emits a decision_required AIL event and waits up to AILTimeout,
// defaulting to continue on timeout/no response (§4.7, §5). description
// should summarize why the gate fired (per_layer / on_error / manual). The
// resolved Command is returned alongside the Decision so the caller can act
// on a replan_dag request (the Replanner Bridge is a scheduler-level concern,
// not the gate's).
func (g *DecisionGate) RunAIL(ctx context.Context, workflowID string, layerIndex int, description string) (Decision, Command) {
	corrID := uuid.NewString()
	g.events.Emit(ExecutionEvent{
		Type:       EventDecisionRequired,
		WorkflowID: workflowID,
		LayerIndex: layerIndex,
		Decision:   &DecisionPrompt{Kind: DecisionAIL, Description: description, CorrelationID: corrID},
	})

	cmd, ok := g.commands.WaitForDecision(ctx, AILTimeout, corrID, CmdContinue, CmdAbort, CmdReplanDAG)
	outcome := OutcomeContinue
	if !ok {
		outcome = OutcomeTimeout
	} else if cmd.Type == CmdAbort {
		outcome = OutcomeAbort
	}
	return Decision{
		Type:        DecisionAIL,
		Timestamp:   time.Now(),
		Description: description,
		Outcome:     outcome,
		Metadata:    map[string]any{"correlation_id": corrID},
	}, cmd
}

// RunHIL emits a decision_required HIL event (with the full operator-facing
// summary) and waits up to HILTimeout, defaulting to abort on
// timeout/no response (§4.7, §5).
func (g *DecisionGate) RunHIL(ctx context.Context, plan *Plan, state *WorkflowState, workflowID string, layerIndex int, layer Layer, description string) Decision {
	corrID := uuid.NewString()
	summary := buildSummary(plan, state, layerIndex, layer)

	g.events.Emit(ExecutionEvent{
		Type:       EventDecisionRequired,
		WorkflowID: workflowID,
		LayerIndex: layerIndex,
		Decision:   &DecisionPrompt{Kind: DecisionHIL, Description: description, CorrelationID: corrID, Summary: summary},
	})

	cmd, ok := g.commands.WaitForDecision(ctx, HILTimeout, corrID, CmdApprovalResponse)
	outcome := OutcomeApprove
	if !ok {
		outcome = OutcomeTimeout
	} else if !cmd.Approved {
		outcome = OutcomeReject
	}
	return Decision{
		Type:        DecisionHIL,
		Timestamp:   time.Now(),
		Description: description,
		Outcome:     outcome,
		Metadata:    map[string]any{"correlation_id": corrID},
	}
}
