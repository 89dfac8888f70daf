package engine

import (
	"context"
	"sync"
	"time"
)

// CommandType tags the Command union (§3).
type CommandType string

const (
	CmdContinue                   CommandType = "continue"
	CmdAbort                      CommandType = "abort"
	CmdPause                      CommandType = "pause"
	CmdReplanDAG                  CommandType = "replan_dag"
	CmdApprovalResponse           CommandType = "approval_response"
	CmdPermissionEscalationResponse CommandType = "permission_escalation_response"
)

// Command is an externally injected control message (§3).
type Command struct {
	Type               CommandType
	Reason             string
	Approved           bool
	WidenedPermissions PermissionSet
	NewRequirement     string
	PlannerContext     map[string]any
	CorrelationID      string
}

// decisionBound is the set of command types consumed exclusively by the
// decision protocol (§4.4 "Separation of concerns").
var decisionBound = map[CommandType]bool{
	CmdContinue:                     true,
	CmdApprovalResponse:             true,
	CmdPermissionEscalationResponse: true,
	CmdReplanDAG:                    true,
}

// CommandQueue is an unbounded FIFO mailbox for externally injected commands
// (§4.4). It supports non-blocking type-filtered drain (used by the scheduler
// between layers) and blocking wait-for-decision (used by the decision
// protocol and permission escalation), each dispensing disjoint command
// types so neither starves the other.
type CommandQueue struct {
	mu      sync.Mutex
	pending []Command
	signal  chan struct{}
}

// NewCommandQueue creates an empty command queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{signal: make(chan struct{}, 1)}
}

// Enqueue appends a command, exactly-once delivered to whichever consumption
// mode next claims it.
func (q *CommandQueue) Enqueue(cmd Command) {
	q.mu.Lock()
	q.pending = append(q.pending, cmd)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// DrainNonDecision removes and returns all currently enqueued commands whose
// type is NOT decision-bound (i.e. abort, pause) — used by the scheduler's
// between-layer sweep so it never accidentally consumes a decision response.
func (q *CommandQueue) DrainNonDecision() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	var taken []Command
	kept := q.pending[:0]
	for _, c := range q.pending {
		if decisionBound[c.Type] {
			kept = append(kept, c)
		} else {
			taken = append(taken, c)
		}
	}
	q.pending = kept
	return taken
}

// takeFirstMatching removes and returns the first pending command whose type
// is in types and whose CorrelationID matches corrID. An empty corrID matches
// any CorrelationID; the scheduler's pause wait uses it, while decision gates
// and permission escalations pass their own correlation ID.
func (q *CommandQueue) takeFirstMatching(types map[CommandType]bool, corrID string) (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, c := range q.pending {
		if !types[c.Type] {
			continue
		}
		if corrID != "" && c.CorrelationID != corrID {
			continue
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		return c, true
	}
	return Command{}, false
}

// WaitForDecision polls (100ms interval, §4.4) until a command of one of the
// given types (optionally scoped to a single correlation ID, for concurrent
// per-task permission escalations within one layer) is available, ctx is
// done, or timeout elapses. It returns (cmd, true) on a match, (zero, false)
// on timeout/ctx done.
func (q *CommandQueue) WaitForDecision(ctx context.Context, timeout time.Duration, corrID string, types ...CommandType) (Command, bool) {
	wanted := make(map[CommandType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	if cmd, ok := q.takeFirstMatching(wanted, corrID); ok {
		return cmd, true
	}

	for {
		select {
		case <-ctx.Done():
			return Command{}, false
		case <-q.signal:
			if cmd, ok := q.takeFirstMatching(wanted, corrID); ok {
				return cmd, true
			}
		case <-ticker.C:
			if cmd, ok := q.takeFirstMatching(wanted, corrID); ok {
				return cmd, true
			}
			if time.Now().After(deadline) {
				return Command{}, false
			}
		}
	}
}
