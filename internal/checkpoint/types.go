package checkpoint

import (
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

// WriteItem names one item a rank intends to persist. SizeHint carries the
// expected payload size in bytes and may be zero when unknown.
type WriteItem struct {
	Key      string `json:"key"`
	SizeHint int64  `json:"size_hint,omitempty"`
}

// LocalPlan describes what a single rank intends to write. PlannerData and
// StorageData are private annotations of the planner and storage writer; the
// coordination protocol carries them opaquely.
type LocalPlan struct {
	Rank        int             `json:"rank"`
	Items       []WriteItem     `json:"items"`
	PlannerData json.RawMessage `json:"planner_data,omitempty"`
	StorageData json.RawMessage `json:"storage_data,omitempty"`
}

// GlobalPlan is the coordinator-merged assignment of local plans to ranks.
// Index i is rank i's plan. It is immutable once distributed.
type GlobalPlan []LocalPlan

// ItemIndex locates one persisted item inside a finished checkpoint.
type ItemIndex struct {
	Rank        int             `json:"rank"`
	SizeInBytes int64           `json:"size_in_bytes"`
	StorageData json.RawMessage `json:"storage_data,omitempty"`
}

// Metadata describes a completed checkpoint. The coordinator computes it once
// and distributes the marshaled bytes verbatim, so after a successful save
// every rank holds an identical value.
type Metadata struct {
	CheckpointID string               `json:"checkpoint_id,omitempty"`
	RunID        string               `json:"run_id"`
	CreatedAt    time.Time            `json:"created_at"`
	Index        map[string]ItemIndex `json:"index"`
	StorageData  json.RawMessage      `json:"storage_data,omitempty"`
}

// WriteResult is the rank-private outcome of persisting one item.
type WriteResult struct {
	Key         string          `json:"key"`
	SizeInBytes int64           `json:"size_in_bytes"`
	StorageData json.RawMessage `json:"storage_data,omitempty"`
}

// ErrNilLogger is returned when NewSaver is called with a nil logger.
var ErrNilLogger = errors.New("checkpoint: nil logger")

// ErrNoStorageWriter is returned when no writer is supplied and none can be
// inferred from the checkpoint id.
var ErrNoStorageWriter = errors.New("checkpoint: no storage writer and no checkpoint id to infer one from")

// ErrGroupNotHostCapable is returned by AsyncSave when the configured group
// cannot move host-resident data, which staging requires.
var ErrGroupNotHostCapable = errors.New("checkpoint: async save requires a group that supports host memory")

// ErrRunnerReleased is returned when a task is submitted to a released runner.
var ErrRunnerReleased = errors.New("checkpoint: task runner already released")

// ErrSavePending is returned by Handle.Result while the save is still running.
var ErrSavePending = errors.New("checkpoint: save still running")
