package engine

import "testing"

func TestStateApplyDedupesResults(t *testing.T) {
	s := NewWorkflowState("wf")
	s.Apply(StateUpdate{NewResults: []TaskResult{{TaskID: "a", Status: StatusSuccess, Output: map[string]any{"v": 1}}}})
	s.Apply(StateUpdate{NewResults: []TaskResult{{TaskID: "a", Status: StatusError, ErrorMsg: "should not win"}}})

	r, ok := s.Result("a")
	if !ok {
		t.Fatalf("expected result for a")
	}
	if r.Status != StatusSuccess {
		t.Fatalf("first write must win, got status %v", r.Status)
	}
}

func TestStateApplyLayerIndexOnlyAdvances(t *testing.T) {
	s := NewWorkflowState("wf")
	three, one := 3, 1
	s.Apply(StateUpdate{LayerIndex: &three})
	s.Apply(StateUpdate{LayerIndex: &one})
	if s.CurrentLayer != 3 {
		t.Fatalf("CurrentLayer = %d, want 3 (must not regress)", s.CurrentLayer)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := NewWorkflowState("wf")
	s.Apply(StateUpdate{NewResults: []TaskResult{{TaskID: "a", Status: StatusSuccess, Output: map[string]any{"v": 1}}}})

	snap := s.Snapshot()
	snap.Results["a"] = TaskResult{TaskID: "a", Status: StatusError}
	snap.Context["injected"] = true

	r, _ := s.Result("a")
	if r.Status != StatusSuccess {
		t.Fatalf("mutating a snapshot must not affect live state, got %v", r.Status)
	}
	if _, ok := s.Snapshot().Context["injected"]; ok {
		t.Fatalf("context leaked from an external snapshot mutation")
	}
}

func TestResultCountTallies(t *testing.T) {
	s := NewWorkflowState("wf")
	s.Apply(StateUpdate{NewResults: []TaskResult{
		{TaskID: "a", Status: StatusSuccess},
		{TaskID: "b", Status: StatusError},
		{TaskID: "c", Status: StatusFailedSafe},
		{TaskID: "d", Status: StatusSuccess},
	}})
	success, failed, failedSafe := s.ResultCount()
	if success != 2 || failed != 1 || failedSafe != 1 {
		t.Fatalf("got (%d,%d,%d), want (2,1,1)", success, failed, failedSafe)
	}
}

func TestRestoreInstallsSnapshotVerbatim(t *testing.T) {
	s := NewWorkflowState("wf")
	s.Apply(StateUpdate{NewResults: []TaskResult{{TaskID: "a", Status: StatusSuccess}}})
	snap := s.Snapshot()

	fresh := NewWorkflowState("wf-resumed")
	fresh.restore(snap)

	if fresh.WorkflowID != "wf" {
		t.Fatalf("restore must adopt the checkpoint's workflow ID, got %q", fresh.WorkflowID)
	}
	if _, ok := fresh.Result("a"); !ok {
		t.Fatalf("restored state missing task result")
	}
}
