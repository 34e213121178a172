package checkpoint

import (
	"context"
	"fmt"
)

// WriteHandle is the awaitable outcome of StorageWriter.WriteData. Writers
// may fan writes out internally; the handle hides that concurrency.
type WriteHandle interface {
	Wait(ctx context.Context) ([]WriteResult, error)
}

// StorageWriter persists planned items on a storage medium. It is hooked into
// both collective phases: plan preparation before and during the plan
// collective, data writing and finalization during the write collective.
// Finish runs on the coordinator only, after all ranks' results are gathered.
type StorageWriter interface {
	Reset(checkpointID string) error
	SetUpStorageWriter(isCoordinator bool) error
	PrepareLocalPlan(plan LocalPlan) (LocalPlan, error)
	PrepareGlobalPlan(global GlobalPlan) (GlobalPlan, error)
	WriteData(ctx context.Context, plan LocalPlan, planner SavePlanner) (WriteHandle, error)
	Finish(ctx context.Context, meta *Metadata, results [][]WriteResult) error
}

// resolvedHandle is a WriteHandle whose outcome is known at creation.
type resolvedHandle struct {
	results []WriteResult
	err     error
}

func (h resolvedHandle) Wait(context.Context) ([]WriteResult, error) {
	return h.results, h.err
}

// inferStorageWriter picks the writer for a request: the explicit one when
// set, otherwise a filesystem writer rooted at the checkpoint id.
func inferStorageWriter(req SaveRequest) (StorageWriter, error) {
	if req.Writer != nil {
		return req.Writer, nil
	}
	if req.CheckpointID == "" {
		return nil, ErrNoStorageWriter
	}
	return NewFileSystemWriter(req.CheckpointID), nil
}

// mergeWriteResults folds the gathered per-rank write results into the
// metadata index. Every planned item must be covered by exactly one result
// and no result may refer to an unplanned item.
func mergeWriteResults(meta *Metadata, results [][]WriteResult) error {
	written := make(map[string]bool, len(meta.Index))
	for rank, rankResults := range results {
		for _, res := range rankResults {
			entry, ok := meta.Index[res.Key]
			if !ok {
				return fmt.Errorf("checkpoint: rank %d wrote unplanned item %q", rank, res.Key)
			}
			if written[res.Key] {
				return fmt.Errorf("checkpoint: item %q written more than once", res.Key)
			}
			written[res.Key] = true
			entry.SizeInBytes = res.SizeInBytes
			entry.StorageData = res.StorageData
			meta.Index[res.Key] = entry
		}
	}
	for key := range meta.Index {
		if !written[key] {
			return fmt.Errorf("checkpoint: planned item %q has no write result", key)
		}
	}
	return nil
}
