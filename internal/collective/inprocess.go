package collective

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Round kinds tracked by the in-process hub.
const (
	roundGather    = "gather"
	roundScatter   = "scatter"
	roundBroadcast = "broadcast"
)

// InProcessHub connects participants running inside a single process.
// It is intended for tests and single-machine development runs.
type InProcessHub struct {
	size int

	mu     sync.Mutex
	joined []bool
	rounds map[uint64]*inProcessRound
}

// inProcessRound is the rendezvous state for one collective operation.
// All fields are guarded by the hub mutex; the done channel is closed exactly
// once when the round's inputs are complete.
type inProcessRound struct {
	kind string
	tag  string

	payloads [][]byte
	arrived  int
	done     chan struct{}

	// finished counts participants whose call completed; the round is removed
	// from the hub once every participant has been through it.
	finished int
}

// NewInProcessHub creates a hub for size participants.
func NewInProcessHub(size int) *InProcessHub {
	return &InProcessHub{
		size:   size,
		joined: make([]bool, size),
		rounds: make(map[uint64]*inProcessRound),
	}
}

// Size returns the number of participants the hub coordinates.
func (h *InProcessHub) Size() int { return h.size }

// Join claims rank and returns that participant's group handle.
// Each rank can be joined once.
func (h *InProcessHub) Join(rank int) (*InProcessGroup, error) {
	if rank < 0 || rank >= h.size {
		return nil, fmt.Errorf("collective: rank %d out of range for group of %d", rank, h.size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.joined[rank] {
		return nil, fmt.Errorf("collective: rank %d already joined", rank)
	}
	h.joined[rank] = true
	return &InProcessGroup{hub: h, rank: rank}, nil
}

// round returns the rendezvous state for seq, creating it on first use.
// A kind or tag mismatch means the participants diverged in their sequence of
// collective calls, which is a protocol bug worth failing loudly on.
func (h *InProcessHub) round(seq uint64, kind, tag string) (*inProcessRound, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rounds[seq]
	if !ok {
		// Participants advance in lockstep, so once seq starts only seq-1
		// can still be draining. Anything older was abandoned mid-round by
		// a participant that returned early (canceled context, bad input)
		// and would otherwise linger forever.
		for old := range h.rounds {
			if old+1 < seq {
				delete(h.rounds, old)
			}
		}
		r = &inProcessRound{
			kind:     kind,
			tag:      tag,
			payloads: make([][]byte, h.size),
			done:     make(chan struct{}),
		}
		h.rounds[seq] = r
		return r, nil
	}
	if r.kind != kind || r.tag != tag {
		return nil, fmt.Errorf("collective: op %d mismatch: hub has %s %q, participant sent %s %q",
			seq, r.kind, r.tag, kind, tag)
	}
	return r, nil
}

// finish records that one participant completed its part of the round and
// frees the round once all of them have.
func (h *InProcessHub) finish(seq uint64, r *inProcessRound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.finished++
	if r.finished == h.size {
		delete(h.rounds, seq)
	}
}

// InProcessGroup is a single participant's handle into an InProcessHub.
type InProcessGroup struct {
	hub    *InProcessHub
	rank   int
	seq    atomic.Uint64
	closed atomic.Bool
}

// Rank returns this participant's rank.
func (g *InProcessGroup) Rank() int { return g.rank }

// Size returns the group size.
func (g *InProcessGroup) Size() int { return g.hub.size }

// SupportsHostMemory reports true: payloads live in process memory.
func (g *InProcessGroup) SupportsHostMemory() bool { return true }

// Close marks the participant closed. It does not unblock peers mid-round.
func (g *InProcessGroup) Close() error {
	g.closed.Store(true)
	return nil
}

// Gather collects all payloads on root, ordered by rank.
func (g *InProcessGroup) Gather(ctx context.Context, tag string, payload []byte, root int) ([][]byte, error) {
	seq, r, err := g.enter(roundGather, tag, root)
	if err != nil {
		return nil, err
	}

	g.hub.mu.Lock()
	r.payloads[g.rank] = cloneBytes(payload)
	r.arrived++
	if r.arrived == g.hub.size {
		close(r.done)
	}
	g.hub.mu.Unlock()

	if g.rank != root {
		g.hub.finish(seq, r)
		return nil, nil
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.hub.mu.Lock()
	out := make([][]byte, g.hub.size)
	for i, p := range r.payloads {
		out[i] = cloneBytes(p)
	}
	g.hub.mu.Unlock()

	g.hub.finish(seq, r)
	return out, nil
}

// Scatter hands rank i the i-th payload supplied by root.
func (g *InProcessGroup) Scatter(ctx context.Context, tag string, payloads [][]byte, root int) ([]byte, error) {
	return g.deal(ctx, roundScatter, tag, payloads, root)
}

// Broadcast hands every rank the payload supplied by root.
func (g *InProcessGroup) Broadcast(ctx context.Context, tag string, payload []byte, root int) ([]byte, error) {
	var payloads [][]byte
	if g.rank == root {
		payloads = make([][]byte, g.hub.size)
		for i := range payloads {
			payloads[i] = payload
		}
	}
	return g.deal(ctx, roundBroadcast, tag, payloads, root)
}

func (g *InProcessGroup) deal(ctx context.Context, kind, tag string, payloads [][]byte, root int) ([]byte, error) {
	seq, r, err := g.enter(kind, tag, root)
	if err != nil {
		return nil, err
	}

	if g.rank == root {
		if len(payloads) != g.hub.size {
			return nil, fmt.Errorf("collective: %s %q: root supplied %d payloads for %d ranks",
				kind, tag, len(payloads), g.hub.size)
		}
		g.hub.mu.Lock()
		for i, p := range payloads {
			r.payloads[i] = cloneBytes(p)
		}
		g.hub.mu.Unlock()
		close(r.done)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.hub.mu.Lock()
	out := cloneBytes(r.payloads[g.rank])
	g.hub.mu.Unlock()

	g.hub.finish(seq, r)
	return out, nil
}

// enter validates the call and registers this participant in the next round.
func (g *InProcessGroup) enter(kind, tag string, root int) (uint64, *inProcessRound, error) {
	if g.closed.Load() {
		return 0, nil, ErrClosed
	}
	if root < 0 || root >= g.hub.size {
		return 0, nil, fmt.Errorf("collective: root %d out of range for group of %d", root, g.hub.size)
	}
	seq := g.seq.Add(1)
	r, err := g.hub.round(seq, kind, tag)
	if err != nil {
		return 0, nil, err
	}
	return seq, r, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
