package engine

import (
	"context"
	"testing"
	"time"
)

func TestSpeculateSkipsSideEffectingTask(t *testing.T) {
	tools := newFakeTools()
	events := NewEventStream(16)
	_, detach := events.Subscribe()
	defer detach()

	predictor := &fakePredictor{predictions: []Prediction{
		{ToolID: "danger", Confidence: 0.9, PredecessorToolID: "a"},
	}}
	spec := NewSpeculativeExecutor(tools, predictor, events, "wf", nil, 0.7)

	upcoming := []Task{{ID: "t2", Type: TaskRemoteTool, ToolRef: "danger", SideEffect: true}}
	spec.Speculate(context.Background(), 1, upcoming, Snapshot{})

	time.Sleep(20 * time.Millisecond)
	_, _, hit := spec.Consume("danger", nil)
	if hit {
		t.Fatalf("speculation must not pre-invoke a side-effecting task")
	}
	for _, call := range tools.calls {
		if call == "danger" {
			t.Fatalf("side-effecting tool %q was invoked speculatively", call)
		}
	}
}

func TestSpeculateSkipsUnrecognizedTool(t *testing.T) {
	tools := newFakeTools()
	events := NewEventStream(16)

	predictor := &fakePredictor{predictions: []Prediction{
		{ToolID: "mystery", Confidence: 0.95, PredecessorToolID: "a"},
	}}
	spec := NewSpeculativeExecutor(tools, predictor, events, "wf", nil, 0.7)

	upcoming := []Task{{ID: "t2", Type: TaskRemoteTool, ToolRef: "other", SideEffect: false}}
	spec.Speculate(context.Background(), 1, upcoming, Snapshot{})

	time.Sleep(20 * time.Millisecond)
	if _, _, hit := spec.Consume("mystery", nil); hit {
		t.Fatalf("speculation must not pre-invoke a tool with no matching safe upcoming task")
	}
}

func TestSpeculateRunsSafeTaskAndConsumeValidatesPredecessor(t *testing.T) {
	tools := newFakeTools()
	events := NewEventStream(16)

	predictor := &fakePredictor{predictions: []Prediction{
		{ToolID: "fetch", Args: map[string]any{"q": "x"}, Confidence: 0.9, PredecessorToolID: "a"},
	}}
	spec := NewSpeculativeExecutor(tools, predictor, events, "wf", nil, 0.7)

	upcoming := []Task{{ID: "t2", Type: TaskRemoteTool, ToolRef: "fetch", SideEffect: false}}
	spec.Speculate(context.Background(), 1, upcoming, Snapshot{})
	time.Sleep(20 * time.Millisecond)

	// predecessor mismatch: not consumed, entry dropped.
	if _, _, hit := spec.Consume("fetch", map[string]any{"q": "x"}); hit {
		t.Fatalf("consume must require predecessor match")
	}

	// re-seed and validate the matching-predecessor path.
	spec.Speculate(context.Background(), 1, upcoming, Snapshot{})
	time.Sleep(20 * time.Millisecond)
	spec.RecordCompletion("a")
	_, _, hit := spec.Consume("fetch", map[string]any{"q": "x"})
	if !hit {
		t.Fatalf("expected speculative hit once predecessor matches")
	}
}
