package checkpoint

import (
	"context"
	"fmt"

	"github.com/tiendc/go-deepcopy"
)

// Stager is an optional storage-writer capability that copies the logical
// state to host-accessible memory before the collective protocol starts.
// A staged state must be value-independent of the original: mutating the
// original afterwards must not affect what gets written.
type Stager interface {
	Stage(ctx context.Context, state State) (State, error)

	// SynchronizeAfterExecute reports whether the caller must block on
	// Synchronize after the background save has been submitted, e.g. to let a
	// pending device-to-host copy overlap with the early pipeline steps.
	SynchronizeAfterExecute() bool
	Synchronize(ctx context.Context) error
}

// stagerOf reports the staging capability of w, or nil if w does not stage.
func stagerOf(w StorageWriter) Stager {
	if w == nil {
		return nil
	}
	if st, ok := w.(Stager); ok {
		return st
	}
	return nil
}

// offloadState is the generic host offload used when the writer has no
// staging capability: a deep copy of the resolved state.
func offloadState(state State) (State, error) {
	staged := make(State, len(state))
	if err := deepcopy.Copy(&staged, state); err != nil {
		return nil, fmt.Errorf("checkpoint: offload state: %w", err)
	}
	return staged, nil
}
