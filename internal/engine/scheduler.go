package engine

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// WorkflowStatus is the workflow-level state machine (§4.10):
// Created -> Running -> (Paused <-> Running) -> (Completed | Aborted | Failed).
type WorkflowStatus string

const (
	WFCreated   WorkflowStatus = "created"
	WFRunning   WorkflowStatus = "running"
	WFPaused    WorkflowStatus = "paused"
	WFCompleted WorkflowStatus = "completed"
	WFAborted   WorkflowStatus = "aborted"
	WFFailed    WorkflowStatus = "failed"
)

// pauseWait is how long a paused workflow blocks for a resume/abort command
// before re-checking ctx; effectively indefinite short of cancellation.
const pauseWait = 24 * time.Hour

// Scheduler is the layer drive loop (§4.1): for every layer in the plan it
// emits layer_start, kicks off speculation for the layer beyond, runs the
// dispatcher, folds results into state through the single reducer, emits
// state_updated, checkpoints, and evaluates the decision protocol before
// advancing. It is the only component that transitions WorkflowStatus.
type Scheduler struct {
	workflowID string
	cfg        Config

	dispatcher   *Dispatcher
	decision     *DecisionGate
	replanner    *Replanner
	speculation  *SpeculativeExecutor
	checkpointer Checkpointer
	events       *EventStream
	commands     *CommandQueue
	state        *WorkflowState

	mu     sync.Mutex
	status WorkflowStatus
}

// NewScheduler wires the drive loop for one workflow run. speculation,
// replanner, and checkpointer may be nil to disable those features.
func NewScheduler(workflowID string, cfg Config, dispatcher *Dispatcher, decision *DecisionGate, replanner *Replanner, speculation *SpeculativeExecutor, checkpointer Checkpointer, events *EventStream, commands *CommandQueue, state *WorkflowState) *Scheduler {
	return &Scheduler{
		workflowID:   workflowID,
		cfg:          cfg,
		dispatcher:   dispatcher,
		decision:     decision,
		replanner:    replanner,
		speculation:  speculation,
		checkpointer: checkpointer,
		events:       events,
		commands:     commands,
		state:        state,
		status:       WFCreated,
	}
}

// Status reports the current workflow status.
func (s *Scheduler) Status() WorkflowStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) setStatus(st WorkflowStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Run drives the plan to completion (or abort/failure), starting at
// plan.Layers[startLayer] — 0 for a fresh run, state.CurrentLayer after a
// Resume (§4.6, §4.10).
func (s *Scheduler) Run(ctx context.Context, plan *Plan, startLayer int) (WorkflowStatus, error) {
	s.setStatus(WFRunning)
	s.events.Emit(ExecutionEvent{Type: EventWorkflowStart, WorkflowID: s.workflowID})

	layerIndex := startLayer
	for layerIndex < len(plan.Layers) {
		if outcome, err := s.handlePendingControl(ctx); outcome != WFRunning {
			s.setStatus(outcome)
			return outcome, err
		}

		layer := plan.Layers[layerIndex]
		s.events.Emit(ExecutionEvent{Type: EventLayerStart, WorkflowID: s.workflowID, LayerIndex: layerIndex})

		if s.speculation != nil && layerIndex+1 < len(plan.Layers) {
			nextTasks := tasksOf(plan, plan.Layers[layerIndex+1])
			go s.speculation.Speculate(ctx, layerIndex+1, nextTasks, s.state.Snapshot())
		}

		results := s.dispatcher.RunLayer(ctx, plan, layer, s.state)

		nextLayerIndex := layerIndex + 1
		s.state.Apply(StateUpdate{NewResults: results, LayerIndex: &nextLayerIndex})
		s.events.Emit(ExecutionEvent{
			Type:            EventStateUpdated,
			WorkflowID:      s.workflowID,
			LayerIndex:      layerIndex,
			State:           snapshotPtr(s.state),
			SuccessfulTasks: countStatus(results, StatusSuccess),
			FailedTasks:     countStatus(results, StatusError) + countStatus(results, StatusFailedSafe),
		})

		if s.checkpointer != nil {
			s.emitCheckpoint(ctx, layerIndex)
		}

		outcome, replanned, err := s.runDecisions(ctx, &plan, layerIndex, layer, results)
		if err != nil || outcome != WFRunning {
			s.setStatus(outcome)
			return outcome, err
		}
		if replanned {
			// the plan may have grown or shrunk; resume from the layer just
			// completed since its results remain valid dependency inputs.
			layerIndex = nextLayerIndex
			continue
		}

		layerIndex = nextLayerIndex
	}

	s.setStatus(WFCompleted)
	success, failed, failedSafe := s.state.ResultCount()
	s.events.Emit(ExecutionEvent{
		Type:            EventWorkflowComplete,
		WorkflowID:      s.workflowID,
		SuccessfulTasks: success,
		FailedTasks:     failed + failedSafe,
	})
	return WFCompleted, nil
}

// handlePendingControl drains non-decision commands (pause, abort) between
// layers. A pause blocks until resumed (CmdContinue) or aborted (§4.4, §4.10).
func (s *Scheduler) handlePendingControl(ctx context.Context) (WorkflowStatus, error) {
	for _, cmd := range s.commands.DrainNonDecision() {
		switch cmd.Type {
		case CmdAbort:
			return WFAborted, &FatalWorkflowError{Reason: "abort command received"}
		case CmdPause:
			s.setStatus(WFPaused)
			for {
				resume, ok := s.commands.WaitForDecision(ctx, pauseWait, "", CmdContinue, CmdAbort)
				if ctx.Err() != nil {
					return WFAborted, ctx.Err()
				}
				if !ok {
					continue // pauseWait elapsed with no command; keep waiting
				}
				if resume.Type == CmdAbort {
					return WFAborted, &FatalWorkflowError{Reason: "abort command received while paused"}
				}
				break
			}
			s.setStatus(WFRunning)
		}
	}
	return WFRunning, nil
}

// runDecisions evaluates HIL then AIL for the layer just completed,
// returning the resulting status transition (WFRunning to continue) and
// whether a replan changed *plan.
func (s *Scheduler) runDecisions(ctx context.Context, plan **Plan, layerIndex int, layer Layer, results []TaskResult) (WorkflowStatus, bool, error) {
	if s.decision.shouldTriggerHIL(*plan, layer) {
		d := s.decision.RunHIL(ctx, *plan, s.state, s.workflowID, layerIndex, layer, "HIL approval required for layer "+strconv.Itoa(layerIndex))
		s.state.Apply(StateUpdate{NewDecisions: []Decision{d}})
		if d.Outcome == OutcomeReject || d.Outcome == OutcomeTimeout {
			return WFAborted, false, &FatalWorkflowError{Reason: "HIL " + string(d.Outcome)}
		}
	}

	if s.decision.shouldTriggerAIL(results) {
		d, cmd := s.decision.RunAIL(ctx, s.workflowID, layerIndex, "AIL gate for layer "+strconv.Itoa(layerIndex))
		s.state.Apply(StateUpdate{NewDecisions: []Decision{d}})
		if d.Outcome == OutcomeAbort {
			return WFAborted, false, &FatalWorkflowError{Reason: "AIL abort command received"}
		}

		if cmd.Type == CmdReplanDAG && s.replanner != nil {
			newPlan, rd := s.replanner.Replan(ctx, *plan, s.state, cmd.NewRequirement, cmd.PlannerContext)
			s.state.Apply(StateUpdate{NewDecisions: []Decision{rd}})
			if rd.Outcome == OutcomeReplanSuccess {
				if s.speculation != nil {
					s.speculation.InvalidateAll()
				}
				*plan = newPlan
				return WFRunning, true, nil
			}
		}
	}

	return WFRunning, false, nil
}

func (s *Scheduler) emitCheckpoint(ctx context.Context, layerIndex int) {
	id, err := s.checkpointer.Save(ctx, s.workflowID, layerIndex, s.state.Snapshot())
	failed := err != nil
	if failed {
		id = "failed-" + s.workflowID + "-" + strconv.Itoa(layerIndex)
	}
	s.events.Emit(ExecutionEvent{
		Type:       EventCheckpoint,
		WorkflowID: s.workflowID,
		LayerIndex: layerIndex,
		Checkpoint: &CheckpointRef{ID: id, LayerIndex: layerIndex, Failed: failed},
	})
}

func tasksOf(plan *Plan, layer Layer) []Task {
	out := make([]Task, 0, len(layer))
	for _, id := range layer {
		if t, ok := plan.TaskByID(id); ok {
			out = append(out, t)
		}
	}
	return out
}

func snapshotPtr(s *WorkflowState) *Snapshot {
	snap := s.Snapshot()
	return &snap
}

func countStatus(results []TaskResult, status TaskStatus) int {
	n := 0
	for _, r := range results {
		if r.Status == status {
			n++
		}
	}
	return n
}
