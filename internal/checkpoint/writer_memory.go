package checkpoint

import (
	"context"
	"sync"
)

// MemoryWriter keeps checkpoint data in process memory, one instance per
// rank. It is meant for tests and development runs. It also implements
// Stager, covering the host-buffered writer case: Stage deep-copies the
// state so later mutation of the original cannot reach the checkpoint.
type MemoryWriter struct {
	// SyncAfterExecute makes AsyncSave call Synchronize after submitting the
	// background task.
	SyncAfterExecute bool

	mu           sync.Mutex
	checkpointID string
	items        map[string][]byte
	manifest     *Metadata
	syncCalls    int
}

// NewMemoryWriter returns an empty in-memory writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{items: make(map[string][]byte)}
}

// Reset drops previously written data and adopts the new checkpoint id.
func (w *MemoryWriter) Reset(checkpointID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpointID = checkpointID
	w.items = make(map[string][]byte)
	w.manifest = nil
	return nil
}

func (w *MemoryWriter) SetUpStorageWriter(bool) error { return nil }

func (w *MemoryWriter) PrepareLocalPlan(plan LocalPlan) (LocalPlan, error) {
	return plan, nil
}

func (w *MemoryWriter) PrepareGlobalPlan(global GlobalPlan) (GlobalPlan, error) {
	return global, nil
}

// WriteData stores the planned items synchronously.
func (w *MemoryWriter) WriteData(_ context.Context, plan LocalPlan, planner SavePlanner) (WriteHandle, error) {
	results := make([]WriteResult, 0, len(plan.Items))
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, item := range plan.Items {
		data, err := planner.ResolveData(item)
		if err != nil {
			return nil, err
		}
		w.items[item.Key] = append([]byte(nil), data...)
		results = append(results, WriteResult{Key: item.Key, SizeInBytes: int64(len(data))})
	}
	return resolvedHandle{results: results}, nil
}

// Finish merges the gathered results and keeps the manifest. Coordinator-only.
func (w *MemoryWriter) Finish(_ context.Context, meta *Metadata, results [][]WriteResult) error {
	if err := mergeWriteResults(meta, results); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.manifest = meta
	return nil
}

// Stage deep-copies the state into memory owned by the writer.
func (w *MemoryWriter) Stage(_ context.Context, state State) (State, error) {
	return offloadState(state)
}

// SynchronizeAfterExecute reports the configured post-submit behavior.
func (w *MemoryWriter) SynchronizeAfterExecute() bool { return w.SyncAfterExecute }

// Synchronize records the synchronization request. Memory staging completes
// inside Stage, so there is nothing to wait for.
func (w *MemoryWriter) Synchronize(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncCalls++
	return nil
}

// ItemData returns the stored payload of an item.
func (w *MemoryWriter) ItemData(key string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.items[key]
	return data, ok
}

// Manifest returns the metadata recorded by Finish, nil on non-coordinators.
func (w *MemoryWriter) Manifest() *Metadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.manifest
}

// SynchronizeCalls reports how many times Synchronize ran.
func (w *MemoryWriter) SynchronizeCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncCalls
}

// CheckpointID returns the id adopted by the last Reset.
func (w *MemoryWriter) CheckpointID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpointID
}
