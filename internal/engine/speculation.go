package engine

import (
	"context"
	"reflect"
	"sync"

	"github.com/swarmguard/dagcore/internal/resilience"
)

// speculativeEntry is one cached speculative invocation, keyed by tool ID.
// It is only valid as a substitute for a real dispatch if the actual
// predecessor tool that completes immediately before the real call matches
// predecessorToolID exactly (§4.9 consume validation).
type speculativeEntry struct {
	predecessorToolID string
	args              map[string]any
	result            map[string]any
	err               error
	done              chan struct{}
}

// SpeculativeExecutor pre-invokes high-confidence guesses at upcoming
// remote_tool calls while the current layer is still dispatching, so that by
// the time the real call is due the result may already be in hand (§4.9). It
// never mutates WorkflowState — only EventSpeculationStart is emitted, and a
// successful consume folds into the normal task_complete path at the call site.
type SpeculativeExecutor struct {
	tools      ToolExecutor
	predictor  Predictor
	events     *EventStream
	workflowID string
	limiter    *resilience.RateLimiter
	threshold  float64

	mu         sync.Mutex
	cache      map[string]*speculativeEntry
	lastTool   string
	cancelFunc context.CancelFunc
}

// NewSpeculativeExecutor builds a per-workflow speculative cache. predictor
// may be nil, in which case Speculate is a no-op (speculation disabled).
func NewSpeculativeExecutor(tools ToolExecutor, predictor Predictor, events *EventStream, workflowID string, limiter *resilience.RateLimiter, confidenceThreshold float64) *SpeculativeExecutor {
	return &SpeculativeExecutor{
		tools:      tools,
		predictor:  predictor,
		events:     events,
		workflowID: workflowID,
		limiter:    limiter,
		threshold:  confidenceThreshold,
		cache:      make(map[string]*speculativeEntry),
	}
}

// Speculate asks the predictor about the upcoming layer and fires off
// best-effort concurrent pre-invocations for every prediction whose
// confidence clears the threshold, bounded by the rate limiter. It returns
// immediately; results land in the cache asynchronously.
//
// Speculation is gated by the same safe-to-fail-adjacent predicate the
// dispatcher enforces for remote_tool tasks (§4.2, §4.9, §9 Design Notes
// "gate speculation by the same safe-to-fail predicate the dispatcher
// uses... when in doubt, skip speculation"): a prediction is only honored
// if its tool ID matches an upcoming task that is NOT flagged SideEffect. A
// prediction naming a tool no upcoming task declares is skipped too, since
// there is nothing to validate its side-effect status against.
func (s *SpeculativeExecutor) Speculate(ctx context.Context, layerIndex int, upcoming []Task, state Snapshot) {
	if s.predictor == nil || len(upcoming) == 0 {
		return
	}

	safeTools := make(map[string]bool, len(upcoming))
	for _, t := range upcoming {
		if t.Type == TaskRemoteTool && !t.SideEffect {
			safeTools[t.ToolRef] = true
		}
	}
	if len(safeTools) == 0 {
		return
	}

	s.mu.Lock()
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	specCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	s.mu.Unlock()

	predictions, err := s.predictor.Predict(specCtx, upcoming, state)
	if err != nil || len(predictions) == 0 {
		return
	}

	for _, p := range predictions {
		if p.Confidence < s.threshold {
			continue
		}
		if !safeTools[p.ToolID] {
			continue // side-effecting or unrecognized task: skip speculation
		}
		if s.limiter != nil && !s.limiter.Allow() {
			continue
		}
		s.events.Emit(ExecutionEvent{
			Type:       EventSpeculationStart,
			WorkflowID: s.workflowID,
			LayerIndex: layerIndex,
			TaskID:     p.ToolID,
		})
		s.startOne(specCtx, p)
	}
}

func (s *SpeculativeExecutor) startOne(ctx context.Context, p Prediction) {
	entry := &speculativeEntry{
		predecessorToolID: p.PredecessorToolID,
		args:              p.Args,
		done:              make(chan struct{}),
	}

	s.mu.Lock()
	s.cache[p.ToolID] = entry
	s.mu.Unlock()

	go func() {
		defer close(entry.done)
		result, err := s.tools.Invoke(ctx, p.ToolID, p.Args)
		entry.result = result
		entry.err = err
	}()
}

// RecordCompletion updates the most-recently-completed tool ID used to
// validate future consume() calls (§4.9: a cached guess is only honored if
// its declared predecessor actually just ran).
func (s *SpeculativeExecutor) RecordCompletion(toolID string) {
	s.mu.Lock()
	s.lastTool = toolID
	s.mu.Unlock()
}

// Consume looks up a cached speculative result for toolID. It is only
// returned if the tool that most recently completed matches the prediction's
// declared predecessor and the args the caller intends to use match exactly;
// otherwise the entry is invalidated and (nil, nil, false) is returned so the
// dispatcher falls back to a normal synchronous invocation.
func (s *SpeculativeExecutor) Consume(toolID string, args map[string]any) (map[string]any, error, bool) {
	s.mu.Lock()
	entry, ok := s.cache[toolID]
	if ok {
		delete(s.cache, toolID)
	}
	lastTool := s.lastTool
	s.mu.Unlock()

	if !ok {
		return nil, nil, false
	}
	if entry.predecessorToolID != lastTool || !argsEqual(entry.args, args) {
		return nil, nil, false
	}
	<-entry.done
	return entry.result, entry.err, true
}

// InvalidateAll drops every cached speculative entry, used at a layer
// boundary change (e.g. after a replan) where prior guesses no longer apply.
func (s *SpeculativeExecutor) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}
	s.cache = make(map[string]*speculativeEntry)
}

func argsEqual(a, b map[string]any) bool {
	return reflect.DeepEqual(a, b)
}
