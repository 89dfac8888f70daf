package engine

import (
	"context"
	"testing"
	"time"
)

func TestCommandQueueDrainNonDecisionFiltersDecisionBound(t *testing.T) {
	q := NewCommandQueue()
	q.Enqueue(Command{Type: CmdPause})
	q.Enqueue(Command{Type: CmdApprovalResponse})
	q.Enqueue(Command{Type: CmdAbort})

	drained := q.DrainNonDecision()
	if len(drained) != 2 {
		t.Fatalf("drained %d commands, want 2 (pause, abort)", len(drained))
	}
	for _, c := range drained {
		if c.Type == CmdApprovalResponse {
			t.Fatalf("DrainNonDecision must not consume decision-bound commands")
		}
	}

	// the decision-bound command must still be waiting.
	cmd, ok := q.takeFirstMatching(map[CommandType]bool{CmdApprovalResponse: true}, "")
	if !ok || cmd.Type != CmdApprovalResponse {
		t.Fatalf("expected approval_response still queued")
	}
}

func TestCommandQueueWaitForDecisionMatchesByCorrelationID(t *testing.T) {
	q := NewCommandQueue()
	q.Enqueue(Command{Type: CmdPermissionEscalationResponse, CorrelationID: "other-task"})
	q.Enqueue(Command{Type: CmdPermissionEscalationResponse, CorrelationID: "target-task", Approved: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cmd, ok := q.WaitForDecision(ctx, 500*time.Millisecond, "target-task", CmdPermissionEscalationResponse)
	if !ok {
		t.Fatalf("expected a matching command")
	}
	if cmd.CorrelationID != "target-task" || !cmd.Approved {
		t.Fatalf("got command for %q, want target-task", cmd.CorrelationID)
	}
}

func TestCommandQueueWaitForDecisionEmptyCorrIDMatchesAny(t *testing.T) {
	q := NewCommandQueue()
	q.Enqueue(Command{Type: CmdContinue, CorrelationID: "whatever"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, ok := q.WaitForDecision(ctx, 500*time.Millisecond, "", CmdContinue); !ok {
		t.Fatalf("expected empty corrID to match any correlation")
	}
}

func TestCommandQueueWaitForDecisionTimesOut(t *testing.T) {
	q := NewCommandQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	_, ok := q.WaitForDecision(ctx, 150*time.Millisecond, "", CmdContinue)
	if ok {
		t.Fatalf("expected timeout, got a match")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestCommandQueueWaitForDecisionRespectsContextCancellation(t *testing.T) {
	q := NewCommandQueue()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, ok := q.WaitForDecision(ctx, 10*time.Second, "", CmdContinue)
	if ok {
		t.Fatalf("expected cancellation, got a match")
	}
}
