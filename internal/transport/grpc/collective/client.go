package collectivegrpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/checkpoint-lab/internal/collective"
)

// Group is a collective.Group member talking to a remote Hub. All members of
// a group must perform the same sequence of collective operations; the
// per-member operation counter is what keys the hub's rounds.
type Group struct {
	rank   int
	size   int
	conn   *grpc.ClientConn
	tracer oteltrace.Tracer

	seq    atomic.Uint64
	closed atomic.Bool
}

// Dial connects a member to the hub at target. The connection is established
// lazily on the first RPC; use WaitReady to block until the hub answers.
// A nil tracer falls back to the global tracer provider.
func Dial(target string, rank, size int, tracer oteltrace.Tracer, opts ...grpc.DialOption) (*Group, error) {
	if size < 1 {
		return nil, fmt.Errorf("collectivegrpc: group size %d, want at least 1", size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("collectivegrpc: rank %d out of range for group size %d", rank, size)
	}
	if tracer == nil {
		tracer = otel.Tracer("collectivegrpc")
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec())))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Group{rank: rank, size: size, conn: conn, tracer: tracer}, nil
}

// WaitReady pings the hub until it answers, retrying with exponential
// backoff for as long as ctx allows. A group-shape disagreement is permanent
// and reported immediately.
func (g *Group) WaitReady(ctx context.Context) error {
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		req := &pingRequest{Rank: uint32(g.rank), Size: uint32(g.size)}
		err := g.conn.Invoke(callCtx, hubPingMethod, req, new(pingResponse))
		if err == nil {
			return nil
		}
		switch status.Code(err) {
		case codes.InvalidArgument, codes.FailedPrecondition:
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // ctx is the only deadline
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// Rank returns this member's rank.
func (g *Group) Rank() int { return g.rank }

// Size returns the group size.
func (g *Group) Size() int { return g.size }

// Gather sends this member's payload to the hub; the root additionally
// blocks for the complete rank-ordered set. Non-root callers get nil.
func (g *Group) Gather(ctx context.Context, tag string, payload []byte, root int) ([][]byte, error) {
	seq, err := g.enter(root)
	if err != nil {
		return nil, err
	}
	ctx, span := g.startSpan(ctx, "collectivegrpc.group.Gather", seq, kindGather, tag)
	defer span.End()

	offer := &offerRequest{Seq: seq, Kind: kindGather, Tag: tag, Rank: uint32(g.rank), Payload: payload}
	if err := g.conn.Invoke(ctx, hubOfferMethod, offer, new(offerResponse)); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if g.rank != root {
		return nil, nil
	}

	collect := &collectRequest{Seq: seq, Kind: kindGather, Tag: tag, Rank: uint32(g.rank)}
	resp := new(collectResponse)
	if err := g.conn.Invoke(ctx, hubCollectMethod, collect, resp); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return resp.Payloads, nil
}

// Scatter has the root deal one payload per rank; every member blocks for
// its own element.
func (g *Group) Scatter(ctx context.Context, tag string, payloads [][]byte, root int) ([]byte, error) {
	seq, err := g.enter(root)
	if err != nil {
		return nil, err
	}
	ctx, span := g.startSpan(ctx, "collectivegrpc.group.Scatter", seq, kindScatter, tag)
	defer span.End()

	if g.rank == root {
		if len(payloads) != g.size {
			err := fmt.Errorf("collectivegrpc: scatter %q needs %d payloads, got %d", tag, g.size, len(payloads))
			recordSpanError(span, err)
			return nil, err
		}
		deal := &dealRequest{Seq: seq, Kind: kindScatter, Tag: tag, Rank: uint32(g.rank), Payloads: payloads}
		if err := g.conn.Invoke(ctx, hubDealMethod, deal, new(dealResponse)); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
	}
	return g.take(ctx, span, seq, kindScatter, tag)
}

// Broadcast has the root deal a single payload that every member receives.
func (g *Group) Broadcast(ctx context.Context, tag string, payload []byte, root int) ([]byte, error) {
	seq, err := g.enter(root)
	if err != nil {
		return nil, err
	}
	ctx, span := g.startSpan(ctx, "collectivegrpc.group.Broadcast", seq, kindBroadcast, tag)
	defer span.End()

	if g.rank == root {
		deal := &dealRequest{
			Seq:       seq,
			Kind:      kindBroadcast,
			Tag:       tag,
			Rank:      uint32(g.rank),
			Payloads:  [][]byte{payload},
			Broadcast: true,
		}
		if err := g.conn.Invoke(ctx, hubDealMethod, deal, new(dealResponse)); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
	}
	return g.take(ctx, span, seq, kindBroadcast, tag)
}

// SupportsHostMemory reports true: payloads are host-resident byte slices.
func (g *Group) SupportsHostMemory() bool { return true }

// Close releases the connection to the hub.
func (g *Group) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	return g.conn.Close()
}

func (g *Group) take(ctx context.Context, span oteltrace.Span, seq uint64, kind uint32, tag string) ([]byte, error) {
	req := &takeRequest{Seq: seq, Kind: kind, Tag: tag, Rank: uint32(g.rank)}
	resp := new(takeResponse)
	if err := g.conn.Invoke(ctx, hubTakeMethod, req, resp); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return resp.Payload, nil
}

// enter checks the member state, validates the root, and claims the next
// round sequence number.
func (g *Group) enter(root int) (uint64, error) {
	if g.closed.Load() {
		return 0, collective.ErrClosed
	}
	if root < 0 || root >= g.size {
		return 0, fmt.Errorf("collectivegrpc: root %d out of range for group size %d", root, g.size)
	}
	return g.seq.Add(1), nil
}
