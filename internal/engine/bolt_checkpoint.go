package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/dagcore/internal/otelinit"
)

// Bucket names, mirroring the store's one-bucket-per-concern convention:
// checkpoints holds the serialized Snapshot keyed by checkpoint ID, index
// holds a time-ordered "workflowID:savedAtUnixNano:checkpointID" ->
// checkpointID lookup used by Prune and ListCheckpoints.
var (
	bucketCheckpoints = []byte("checkpoints")
	bucketIndex       = []byte("index")
)

// boltRecord is the durable JSON envelope around a Snapshot.
type boltRecord struct {
	WorkflowID string    `json:"workflow_id"`
	LayerIndex int       `json:"layer_index"`
	SavedAt    time.Time `json:"saved_at"`
	State      Snapshot  `json:"state"`
}

// BoltCheckpointer is the default durable Checkpointer (§4.6, §B), backed by
// an embedded BoltDB file — adapted from the orchestrator's WorkflowStore.
type BoltCheckpointer struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// NewBoltCheckpointer opens (creating if absent) a BoltDB file at dbPath and
// prepares its buckets.
func NewBoltCheckpointer(dbPath string) (*BoltCheckpointer, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("dagcore: open checkpoint db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketCheckpoints, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dagcore: create checkpoint buckets: %w", err)
	}

	meter := otelinit.Meter()
	readLatency, _ := meter.Float64Histogram("dagcore_checkpoint_read_ms")
	writeLatency, _ := meter.Float64Histogram("dagcore_checkpoint_write_ms")

	return &BoltCheckpointer{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

// Close releases the underlying BoltDB file.
func (b *BoltCheckpointer) Close() error { return b.db.Close() }

// Save persists a snapshot under a deterministic ID derived from
// (workflowID, layerIndex), making repeated saves of the same layer
// idempotent (§4.6).
func (b *BoltCheckpointer) Save(ctx context.Context, workflowID string, layerIndex int, state Snapshot) (string, error) {
	start := time.Now()
	defer func() {
		b.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "save")))
	}()

	id := fmt.Sprintf("%s-layer-%d", workflowID, layerIndex)
	rec := boltRecord{WorkflowID: workflowID, LayerIndex: layerIndex, SavedAt: time.Now(), State: state}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("dagcore: marshal checkpoint: %w", err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		cps := tx.Bucket(bucketCheckpoints)
		if cps.Get([]byte(id)) != nil {
			return nil // idempotent: already saved
		}
		if err := cps.Put([]byte(id), data); err != nil {
			return err
		}
		idx := tx.Bucket(bucketIndex)
		key := fmt.Sprintf("%s:%020d:%s", workflowID, rec.SavedAt.UnixNano(), id)
		return idx.Put([]byte(key), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("dagcore: write checkpoint: %w", err)
	}
	return id, nil
}

// Load retrieves a previously saved snapshot.
func (b *BoltCheckpointer) Load(ctx context.Context, checkpointID string) (string, int, Snapshot, error) {
	start := time.Now()
	defer func() {
		b.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "load")))
	}()

	var rec boltRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get([]byte(checkpointID))
		if data == nil {
			return fmt.Errorf("dagcore: no checkpoint %q", checkpointID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return "", 0, Snapshot{}, err
	}
	return rec.WorkflowID, rec.LayerIndex, rec.State, nil
}

// Prune keeps the most recent keepN checkpoints for workflowID and deletes
// the rest, using the time-ordered index for oldest-first eviction.
func (b *BoltCheckpointer) Prune(ctx context.Context, workflowID string, keepN int) error {
	if keepN < 0 {
		return nil
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketIndex)
		cps := tx.Bucket(bucketCheckpoints)

		prefix := []byte(workflowID + ":")
		var keys [][]byte
		var ids [][]byte

		cursor := idx.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
			ids = append(ids, append([]byte(nil), v...))
		}

		if len(keys) <= keepN {
			return nil
		}

		drop := len(keys) - keepN
		for i := 0; i < drop; i++ {
			if err := idx.Delete(keys[i]); err != nil {
				return err
			}
			if err := cps.Delete(ids[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListCheckpoints returns every retained checkpoint for workflowID, oldest
// first, by walking the same time-ordered index bucket Prune scans (§C).
func (b *BoltCheckpointer) ListCheckpoints(ctx context.Context, workflowID string) ([]CheckpointInfo, error) {
	var out []CheckpointInfo
	err := b.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketIndex)
		cps := tx.Bucket(bucketCheckpoints)

		prefix := []byte(workflowID + ":")
		cursor := idx.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			data := cps.Get(v)
			if data == nil {
				continue
			}
			var rec boltRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			out = append(out, CheckpointInfo{CheckpointID: string(v), LayerIndex: rec.LayerIndex, SavedAt: rec.SavedAt})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dagcore: list checkpoints: %w", err)
	}
	return out, nil
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
