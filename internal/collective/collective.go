// Package collective defines the rank-addressed communication primitives used
// to coordinate checkpoint participants.
//
// A Group is one participant's handle into a fixed-size set of processes.
// Payloads are opaque byte slices; ordering and fan-in/fan-out guarantees are
// provided by the primitives, interpretation is left to the caller.
package collective

import (
	"context"
	"errors"
)

// Group is one participant's handle into a communication group of a fixed
// size. Ranks are dense in [0, Size). A Group value belongs to a single
// participant and must not be shared across concurrent collective operations:
// every member of the group must invoke the same primitives in the same order.
type Group interface {
	// Rank returns this participant's rank.
	Rank() int

	// Size returns the number of participants in the group.
	Size() int

	// Gather delivers every participant's payload to root, ordered by rank.
	// The returned slice is non-nil only on root; other ranks return once
	// their payload has been accepted.
	Gather(ctx context.Context, tag string, payload []byte, root int) ([][]byte, error)

	// Scatter distributes payloads[i] to rank i. Only root supplies payloads
	// (one per rank, ordered by rank); other ranks pass nil. Every caller,
	// root included, receives its own element.
	Scatter(ctx context.Context, tag string, payloads [][]byte, root int) ([]byte, error)

	// Broadcast delivers root's payload to every participant. Non-root ranks
	// pass nil. Every caller, root included, receives the same bytes.
	Broadcast(ctx context.Context, tag string, payload []byte, root int) ([]byte, error)

	// SupportsHostMemory reports whether payloads may reference host-resident
	// memory. Groups backed by device-to-device interconnects return false.
	SupportsHostMemory() bool

	// Close releases the participant's communication resources.
	Close() error
}

// ErrClosed is returned by group operations after Close.
var ErrClosed = errors.New("collective: group closed")
