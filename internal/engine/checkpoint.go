package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Checkpointer is the consumed/provided contract for durable workflow state
// (§4.6, §6). Save is idempotent per (workflowID, layerIndex): saving the
// same layer twice must not create a duplicate durable record. A save
// failure is reported through the returned error but MUST NOT abort
// execution — callers synthesize a "failed-*" checkpoint ID and continue.
type Checkpointer interface {
	Save(ctx context.Context, workflowID string, layerIndex int, state Snapshot) (checkpointID string, err error)
	Load(ctx context.Context, checkpointID string) (workflowID string, layerIndex int, state Snapshot, err error)
	Prune(ctx context.Context, workflowID string, keepN int) error
	ListCheckpoints(ctx context.Context, workflowID string) ([]CheckpointInfo, error)
}

// CheckpointInfo is the lightweight listing entry returned by
// ListCheckpoints, oldest first — enough for a host to pick a resume point
// without loading every full Snapshot.
type CheckpointInfo struct {
	CheckpointID string
	LayerIndex   int
	SavedAt      time.Time
}

// MemCheckpointer is an in-process reference Checkpointer, primarily for
// tests and for hosts that don't need durability across restarts.
type MemCheckpointer struct {
	mu      sync.Mutex
	byID    map[string]memCheckpoint
	byLayer map[string]map[int]string // workflowID -> layerIndex -> checkpointID
	order   map[string][]string       // workflowID -> checkpointIDs in save order
}

type memCheckpoint struct {
	workflowID string
	layerIndex int
	state      Snapshot
	savedAt    time.Time
}

// NewMemCheckpointer builds an empty in-memory checkpoint store.
func NewMemCheckpointer() *MemCheckpointer {
	return &MemCheckpointer{
		byID:    make(map[string]memCheckpoint),
		byLayer: make(map[string]map[int]string),
		order:   make(map[string][]string),
	}
}

// Save stores a snapshot, returning the existing checkpoint ID unchanged if
// this (workflowID, layerIndex) pair was already saved (idempotence).
func (m *MemCheckpointer) Save(ctx context.Context, workflowID string, layerIndex int, state Snapshot) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	layers, ok := m.byLayer[workflowID]
	if !ok {
		layers = make(map[int]string)
		m.byLayer[workflowID] = layers
	}
	if id, exists := layers[layerIndex]; exists {
		return id, nil
	}

	id := fmt.Sprintf("%s-layer-%d", workflowID, layerIndex)
	m.byID[id] = memCheckpoint{workflowID: workflowID, layerIndex: layerIndex, state: state, savedAt: time.Now()}
	layers[layerIndex] = id
	m.order[workflowID] = append(m.order[workflowID], id)
	return id, nil
}

// Load retrieves a previously saved snapshot by checkpoint ID.
func (m *MemCheckpointer) Load(ctx context.Context, checkpointID string) (string, int, Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.byID[checkpointID]
	if !ok {
		return "", 0, Snapshot{}, fmt.Errorf("engine: no checkpoint %q", checkpointID)
	}
	return cp.workflowID, cp.layerIndex, cp.state, nil
}

// ListCheckpoints returns every retained checkpoint for workflowID, oldest
// first (§C, mirroring the teacher's time-ordered index bucket).
func (m *MemCheckpointer) ListCheckpoints(ctx context.Context, workflowID string) ([]CheckpointInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := append([]string(nil), m.order[workflowID]...)
	sort.SliceStable(ids, func(i, j int) bool {
		return m.byID[ids[i]].savedAt.Before(m.byID[ids[j]].savedAt)
	})

	out := make([]CheckpointInfo, 0, len(ids))
	for _, id := range ids {
		cp := m.byID[id]
		out = append(out, CheckpointInfo{CheckpointID: id, LayerIndex: cp.layerIndex, SavedAt: cp.savedAt})
	}
	return out, nil
}

// Prune keeps only the most recent keepN checkpoints for a workflow,
// discarding older ones (§4.6 optional operation).
func (m *MemCheckpointer) Prune(ctx context.Context, workflowID string, keepN int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.order[workflowID]
	if keepN < 0 || len(ids) <= keepN {
		return nil
	}

	sort.SliceStable(ids, func(i, j int) bool {
		return m.byID[ids[i]].layerIndex < m.byID[ids[j]].layerIndex
	})

	toDrop := ids[:len(ids)-keepN]
	kept := ids[len(ids)-keepN:]
	for _, id := range toDrop {
		cp := m.byID[id]
		delete(m.byID, id)
		delete(m.byLayer[workflowID], cp.layerIndex)
	}
	m.order[workflowID] = append([]string(nil), kept...)
	return nil
}
