package engine

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// TaskStatus is the outcome of a single task execution (§3).
type TaskStatus string

const (
	StatusSuccess    TaskStatus = "success"
	StatusError      TaskStatus = "error"
	StatusFailedSafe TaskStatus = "failed_safe"
)

// TaskResult is an append-only record of a task's execution outcome (§3).
type TaskResult struct {
	TaskID   string
	Status   TaskStatus
	Output   map[string]any
	ErrorMsg string
	Duration time.Duration
}

// DecisionType distinguishes agent-in-the-loop from human-in-the-loop gates (glossary).
type DecisionType string

const (
	DecisionAIL DecisionType = "AIL"
	DecisionHIL DecisionType = "HIL"
)

// DecisionOutcome is the resolved verdict of a decision gate (§3).
type DecisionOutcome string

const (
	OutcomeContinue        DecisionOutcome = "continue"
	OutcomeAbort           DecisionOutcome = "abort"
	OutcomeApprove         DecisionOutcome = "approve"
	OutcomeReject          DecisionOutcome = "reject"
	OutcomeReplanSuccess   DecisionOutcome = "replan_success"
	OutcomeReplanRejected  DecisionOutcome = "replan_rejected"
	OutcomeReplanFailed    DecisionOutcome = "replan_failed"
	OutcomeReplanNoChanges DecisionOutcome = "replan_no_changes"
	OutcomeTimeout         DecisionOutcome = "timeout"
)

// Decision is an append-only record of a decision gate's resolution (§3).
type Decision struct {
	Type        DecisionType
	Timestamp   time.Time
	Description string
	Outcome     DecisionOutcome
	Metadata    map[string]any
}

// WorkflowState is the single-writer, append-only record of a workflow's
// progress (§3, §4.5). The scheduler is the only writer; all other readers
// receive deep-structural snapshots via Snapshot().
type WorkflowState struct {
	mu sync.RWMutex

	WorkflowID   string
	CurrentLayer int
	results      map[string]TaskResult
	resultOrder  []string
	decisions    []Decision
	context      map[string]any
}

// NewWorkflowState creates an empty state for a freshly started workflow.
func NewWorkflowState(workflowID string) *WorkflowState {
	return &WorkflowState{
		WorkflowID: workflowID,
		results:    make(map[string]TaskResult),
		context:    make(map[string]any),
	}
}

// StateUpdate describes the additive deltas a reducer applies in one step
// (§4.5). Every field is optional; nil/zero means "no change".
type StateUpdate struct {
	NewResults   []TaskResult
	NewDecisions []Decision
	LayerIndex   *int
	ContextPatch map[string]any
}

// Apply is the single pure reducer through which the scheduler mutates state.
// TaskResults are keyed by task ID and never overwritten (§4.5 invariant);
// decisions only append; CurrentLayer only advances except during replan,
// where the caller passes nil for LayerIndex and lets the layer vector expand
// independently.
func (s *WorkflowState) Apply(u StateUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range u.NewResults {
		if _, exists := s.results[r.TaskID]; exists {
			continue
		}
		s.results[r.TaskID] = r
		s.resultOrder = append(s.resultOrder, r.TaskID)
	}
	s.decisions = append(s.decisions, u.NewDecisions...)
	if u.LayerIndex != nil && *u.LayerIndex > s.CurrentLayer {
		s.CurrentLayer = *u.LayerIndex
	}
	for k, v := range u.ContextPatch {
		s.context[k] = v
	}
}

// Result returns the recorded result for a task, if any.
func (s *WorkflowState) Result(taskID string) (TaskResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[taskID]
	return r, ok
}

// ResultCount returns counts of recorded results by status, for reporting.
func (s *WorkflowState) ResultCount() (success, failed, failedSafe int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.results {
		switch r.Status {
		case StatusSuccess:
			success++
		case StatusError:
			failed++
		case StatusFailedSafe:
			failedSafe++
		}
	}
	return
}

// Snapshot is an immutable, deep-structural copy of WorkflowState for readers.
type Snapshot struct {
	WorkflowID   string
	CurrentLayer int
	Results      map[string]TaskResult
	ResultOrder  []string
	Decisions    []Decision
	Context      map[string]any
}

// Snapshot returns a deep copy of the current state; never a live reference.
func (s *WorkflowState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make(map[string]TaskResult, len(s.results))
	for k, v := range s.results {
		cp := v
		cp.Output = maps.Clone(v.Output)
		results[k] = cp
	}

	decisions := make([]Decision, len(s.decisions))
	for i, d := range s.decisions {
		cp := d
		cp.Metadata = maps.Clone(d.Metadata)
		decisions[i] = cp
	}

	return Snapshot{
		WorkflowID:   s.WorkflowID,
		CurrentLayer: s.CurrentLayer,
		Results:      results,
		ResultOrder:  slices.Clone(s.resultOrder),
		Decisions:    decisions,
		Context:      maps.Clone(s.context),
	}
}

// restore installs a checkpointed snapshot as the live state, used by Resume
// (§4.6). It bypasses Apply's append-only merge semantics intentionally: a
// restored snapshot IS the starting state, not a delta against an empty one.
func (s *WorkflowState) restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.WorkflowID = snap.WorkflowID
	s.CurrentLayer = snap.CurrentLayer
	s.results = make(map[string]TaskResult, len(snap.Results))
	for k, v := range snap.Results {
		s.results[k] = v
	}
	s.resultOrder = slices.Clone(snap.ResultOrder)
	s.decisions = slices.Clone(snap.Decisions)
	s.context = maps.Clone(snap.Context)
	if s.context == nil {
		s.context = make(map[string]any)
	}
}
