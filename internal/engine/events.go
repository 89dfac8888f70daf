package engine

import (
	"sync"
	"time"
)

// EventType tags the ExecutionEvent union (§3).
type EventType string

const (
	EventWorkflowStart    EventType = "workflow_start"
	EventLayerStart       EventType = "layer_start"
	EventTaskStart        EventType = "task_start"
	EventTaskComplete     EventType = "task_complete"
	EventTaskWarning      EventType = "task_warning"
	EventTaskError        EventType = "task_error"
	EventStateUpdated     EventType = "state_updated"
	EventCheckpoint       EventType = "checkpoint"
	EventDecisionRequired EventType = "decision_required"
	EventWorkflowComplete EventType = "workflow_complete"
	EventSpeculationStart EventType = "speculation_start"
)

// ExecutionEvent is a tagged union over the workflow's observable moments
// (§3). Every event carries a monotonic timestamp and the workflow ID;
// type-specific data lives in the remaining fields, left nil/zero when unused.
type ExecutionEvent struct {
	Type       EventType
	Timestamp  time.Time
	WorkflowID string

	LayerIndex int
	TaskID     string
	Result     *TaskResult
	State      *Snapshot
	Checkpoint *CheckpointRef
	Decision   *DecisionPrompt

	SuccessfulTasks int
	FailedTasks     int

	Reason string
}

// CheckpointRef is the event payload for a checkpoint event; ID is prefixed
// "failed-" on save failure per §4.6, which must never abort execution.
type CheckpointRef struct {
	ID         string
	LayerIndex int
	Failed     bool
}

// DecisionPrompt is the event payload for decision_required (§4.7).
type DecisionPrompt struct {
	Kind          DecisionType
	Description   string
	CorrelationID string
	Summary       *HILSummary
}

// HILSummary is the deterministic, template-driven content attached to a HIL
// decision_required event (§4.7).
type HILSummary struct {
	LayerIndex       int
	SuccessfulSoFar  int
	FailedSoFar      int
	RecentOutcomes   []RecentOutcome
	CurrentLayer     []LayerTaskView
	NextLayerPreview []LayerTaskView
}

// RecentOutcome is one of the up-to-three most recent task outcomes with timing.
type RecentOutcome struct {
	TaskID   string
	Status   TaskStatus
	Duration time.Duration
}

// LayerTaskView is a compact rendering of a task for the HIL summary dump.
type LayerTaskView struct {
	TaskID   string
	ToolRef  string
	DepCount int
	Status   string
}

// consumer is a single subscriber's bounded mailbox.
type consumer struct {
	ch      chan ExecutionEvent
	dropped int
}

// EventStream is a single-producer, multi-consumer ordered stream (§4.3).
// Every attached consumer receives events in emission order starting from its
// attach point; emission never blocks the scheduler — a full consumer buffer
// drops its own oldest event and counts the drop, affecting only that consumer.
type EventStream struct {
	mu        sync.Mutex
	consumers map[int]*consumer
	nextID    int
	bufSize   int
	closed    bool
}

// NewEventStream creates a stream with the given per-consumer buffer size
// (§6 event_stream.max_buffer; defaults to 1024 when bufSize <= 0).
func NewEventStream(bufSize int) *EventStream {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &EventStream{consumers: make(map[int]*consumer), bufSize: bufSize}
}

// Subscribe attaches a new consumer and returns its channel plus a detach func.
func (es *EventStream) Subscribe() (<-chan ExecutionEvent, func()) {
	es.mu.Lock()
	defer es.mu.Unlock()

	id := es.nextID
	es.nextID++
	c := &consumer{ch: make(chan ExecutionEvent, es.bufSize)}
	es.consumers[id] = c

	detach := func() {
		es.mu.Lock()
		defer es.mu.Unlock()
		if cur, ok := es.consumers[id]; ok {
			close(cur.ch)
			delete(es.consumers, id)
		}
	}
	return c.ch, detach
}

// Emit fans an event out to every attached consumer, non-blocking. A full
// consumer buffer is drained of its oldest entry to make room (drop-oldest),
// and the consumer's dropped counter is incremented.
func (es *EventStream) Emit(ev ExecutionEvent) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.closed {
		return
	}
	for _, c := range es.consumers {
		select {
		case c.ch <- ev:
		default:
			select {
			case <-c.ch:
				c.dropped++
			default:
			}
			select {
			case c.ch <- ev:
			default:
				c.dropped++
			}
		}
	}
}

// Close detaches and closes every consumer channel; the stream is unusable afterward.
func (es *EventStream) Close() {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.closed {
		return
	}
	es.closed = true
	for id, c := range es.consumers {
		close(c.ch)
		delete(es.consumers, id)
	}
}

// Stats is a point-in-time view of stream health (§6 GetStreamStats).
type Stats struct {
	ConsumerCount  int
	DroppedByConsu map[int]int
}

// Stats reports per-consumer dropped-event counts for introspection.
func (es *EventStream) Stats() Stats {
	es.mu.Lock()
	defer es.mu.Unlock()
	s := Stats{ConsumerCount: len(es.consumers), DroppedByConsu: make(map[int]int, len(es.consumers))}
	for id, c := range es.consumers {
		s.DroppedByConsu[id] = c.dropped
	}
	return s
}
