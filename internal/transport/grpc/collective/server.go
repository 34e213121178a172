// Package collectivegrpc is the gRPC rendezvous transport of the collective
// layer. One process serves a Hub sized for the whole group; every member
// (the hub's host included) dials it as a Group. Gathers move payloads in
// with Offer and out of the hub with a blocking Collect on the root; scatter
// and broadcast rounds are posted with Deal and claimed with a blocking Take
// on every rank.
package collectivegrpc

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Full method names of the hub protocol.
const (
	hubPingMethod    = "/checkpointlab.collective.v1.Hub/Ping"
	hubOfferMethod   = "/checkpointlab.collective.v1.Hub/Offer"
	hubCollectMethod = "/checkpointlab.collective.v1.Hub/Collect"
	hubDealMethod    = "/checkpointlab.collective.v1.Hub/Deal"
	hubTakeMethod    = "/checkpointlab.collective.v1.Hub/Take"
)

// Hub is the rendezvous point of one collective group. Rounds are keyed by
// the members' lockstep sequence numbers; members performing the same save
// issue the same operations in the same order, so a kind or tag mismatch
// within a round is reported loudly instead of deadlocking.
type Hub struct {
	size   int
	tracer oteltrace.Tracer

	mu      sync.Mutex
	rounds  map[uint64]*hubRound
	stop    chan struct{}
	stopped bool
}

// hubRound is one in-flight collective round.
type hubRound struct {
	kind uint32
	tag  string

	// gather side
	payloads [][]byte
	offered  []bool
	arrived  int

	// deal side
	dealt   bool
	takenBy []bool
	taken   int

	// ready closes when the gather is complete or the deal has landed.
	ready chan struct{}
}

// NewHub creates a hub coordinating a group of size members. A nil tracer
// falls back to the global tracer provider.
func NewHub(size int, tracer oteltrace.Tracer) (*Hub, error) {
	if size < 1 {
		return nil, fmt.Errorf("collectivegrpc: group size %d, want at least 1", size)
	}
	if tracer == nil {
		tracer = otel.Tracer("collectivegrpc")
	}
	return &Hub{
		size:   size,
		tracer: tracer,
		rounds: make(map[uint64]*hubRound),
		stop:   make(chan struct{}),
	}, nil
}

// Size returns the group size the hub coordinates.
func (h *Hub) Size() int { return h.size }

// Close unblocks all waiting members and rejects further requests.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	h.rounds = nil
	close(h.stop)
}

// Ping verifies the member's group shape against the hub configuration.
func (h *Hub) Ping(ctx context.Context, req *pingRequest) (*pingResponse, error) {
	_, span := h.startSpan(ctx, "collectivegrpc.hub.Ping", 0, 0, "", req.Rank)
	defer span.End()

	if int(req.Size) != h.size {
		err := status.Errorf(codes.InvalidArgument, "hub coordinates %d ranks, member is configured for %d", h.size, req.Size)
		recordSpanError(span, err)
		return nil, err
	}
	if err := h.checkRank(req.Rank); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		err := status.Error(codes.Unavailable, "hub is shut down")
		recordSpanError(span, err)
		return nil, err
	}
	return &pingResponse{Size: uint32(h.size)}, nil
}

// Offer stores one member's contribution to a gather round.
func (h *Hub) Offer(ctx context.Context, req *offerRequest) (*offerResponse, error) {
	_, span := h.startSpan(ctx, "collectivegrpc.hub.Offer", req.Seq, req.Kind, req.Tag, req.Rank)
	defer span.End()

	if err := h.checkRank(req.Rank); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if req.Kind != kindGather {
		err := status.Errorf(codes.InvalidArgument, "offer requires a gather round, got %s", kindName(req.Kind))
		recordSpanError(span, err)
		return nil, err
	}
	r, err := h.round(req.Seq, req.Kind, req.Tag)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r.offered[req.Rank] {
		err := status.Errorf(codes.FailedPrecondition, "rank %d already contributed to round %d", req.Rank, req.Seq)
		recordSpanError(span, err)
		return nil, err
	}
	r.offered[req.Rank] = true
	r.payloads[req.Rank] = append([]byte(nil), req.Payload...)
	r.arrived++
	if r.arrived == h.size {
		close(r.ready)
	}
	return &offerResponse{}, nil
}

// Collect blocks until a gather round is complete and returns the payloads
// in rank order. One collect per round, by the round's root.
func (h *Hub) Collect(ctx context.Context, req *collectRequest) (*collectResponse, error) {
	ctx, span := h.startSpan(ctx, "collectivegrpc.hub.Collect", req.Seq, req.Kind, req.Tag, req.Rank)
	defer span.End()

	if err := h.checkRank(req.Rank); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if req.Kind != kindGather {
		err := status.Errorf(codes.InvalidArgument, "collect requires a gather round, got %s", kindName(req.Kind))
		recordSpanError(span, err)
		return nil, err
	}
	r, err := h.round(req.Seq, req.Kind, req.Tag)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	if err := h.await(ctx, r); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	h.mu.Lock()
	payloads := r.payloads
	delete(h.rounds, req.Seq)
	h.mu.Unlock()
	return &collectResponse{Payloads: payloads}, nil
}

// Deal posts the payloads of a scatter or broadcast round.
func (h *Hub) Deal(ctx context.Context, req *dealRequest) (*dealResponse, error) {
	_, span := h.startSpan(ctx, "collectivegrpc.hub.Deal", req.Seq, req.Kind, req.Tag, req.Rank)
	defer span.End()

	if err := h.checkRank(req.Rank); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	var payloads [][]byte
	switch {
	case req.Kind == kindBroadcast && req.Broadcast:
		if len(req.Payloads) != 1 {
			err := status.Errorf(codes.InvalidArgument, "broadcast round %d dealt %d payloads, want 1", req.Seq, len(req.Payloads))
			recordSpanError(span, err)
			return nil, err
		}
		payloads = make([][]byte, h.size)
		for i := range payloads {
			payloads[i] = req.Payloads[0]
		}
	case req.Kind == kindScatter && !req.Broadcast:
		if len(req.Payloads) != h.size {
			err := status.Errorf(codes.InvalidArgument, "scatter round %d dealt %d payloads for %d ranks", req.Seq, len(req.Payloads), h.size)
			recordSpanError(span, err)
			return nil, err
		}
		payloads = req.Payloads
	default:
		err := status.Errorf(codes.InvalidArgument, "deal kind %s does not match broadcast=%v", kindName(req.Kind), req.Broadcast)
		recordSpanError(span, err)
		return nil, err
	}

	r, err := h.round(req.Seq, req.Kind, req.Tag)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r.dealt {
		err := status.Errorf(codes.FailedPrecondition, "round %d already dealt", req.Seq)
		recordSpanError(span, err)
		return nil, err
	}
	r.dealt = true
	r.payloads = payloads
	close(r.ready)
	return &dealResponse{}, nil
}

// Take blocks until the round is dealt and returns the caller's element.
func (h *Hub) Take(ctx context.Context, req *takeRequest) (*takeResponse, error) {
	ctx, span := h.startSpan(ctx, "collectivegrpc.hub.Take", req.Seq, req.Kind, req.Tag, req.Rank)
	defer span.End()

	if err := h.checkRank(req.Rank); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if req.Kind != kindScatter && req.Kind != kindBroadcast {
		err := status.Errorf(codes.InvalidArgument, "take requires a scatter or broadcast round, got %s", kindName(req.Kind))
		recordSpanError(span, err)
		return nil, err
	}
	r, err := h.round(req.Seq, req.Kind, req.Tag)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	if err := h.await(ctx, r); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r.takenBy[req.Rank] {
		err := status.Errorf(codes.FailedPrecondition, "rank %d already took from round %d", req.Rank, req.Seq)
		recordSpanError(span, err)
		return nil, err
	}
	r.takenBy[req.Rank] = true
	r.taken++
	payload := r.payloads[req.Rank]
	if r.taken == h.size {
		delete(h.rounds, req.Seq)
	}
	return &takeResponse{Payload: payload}, nil
}

// round returns the round for seq, creating it on first touch. The creator
// fixes kind and tag; later arrivals must match.
func (h *Hub) round(seq uint64, kind uint32, tag string) (*hubRound, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, status.Error(codes.Unavailable, "hub is shut down")
	}
	r, ok := h.rounds[seq]
	if !ok {
		// Members advance in lockstep, so once seq starts only seq-1 can
		// still be draining. Older entries were abandoned by a member that
		// bailed out mid-round; drop them here so failed saves do not
		// accumulate state in the hub.
		for old := range h.rounds {
			if old+1 < seq {
				delete(h.rounds, old)
			}
		}
		r = &hubRound{
			kind:     kind,
			tag:      tag,
			payloads: make([][]byte, h.size),
			offered:  make([]bool, h.size),
			takenBy:  make([]bool, h.size),
			ready:    make(chan struct{}),
		}
		h.rounds[seq] = r
	}
	if r.kind != kind || r.tag != tag {
		return nil, status.Errorf(codes.FailedPrecondition,
			"round %d is %s %q, request says %s %q", seq, kindName(r.kind), r.tag, kindName(kind), tag)
	}
	return r, nil
}

// await blocks until the round is ready, the request context ends, or the
// hub shuts down.
func (h *Hub) await(ctx context.Context, r *hubRound) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	case <-h.stop:
		return status.Error(codes.Unavailable, "hub is shut down")
	}
}

func (h *Hub) checkRank(rank uint32) error {
	if int(rank) >= h.size {
		return status.Errorf(codes.InvalidArgument, "rank %d out of range for group size %d", rank, h.size)
	}
	return nil
}

func kindName(kind uint32) string {
	switch kind {
	case kindGather:
		return "gather"
	case kindScatter:
		return "scatter"
	case kindBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("kind(%d)", kind)
	}
}

// hubService matches the five RPCs of the wire protocol. *Hub implements it.
type hubService interface {
	Ping(context.Context, *pingRequest) (*pingResponse, error)
	Offer(context.Context, *offerRequest) (*offerResponse, error)
	Collect(context.Context, *collectRequest) (*collectResponse, error)
	Deal(context.Context, *dealRequest) (*dealResponse, error)
	Take(context.Context, *takeRequest) (*takeResponse, error)
}

// RegisterHub registers hub on a gRPC server. The server must carry the hub
// codec: grpc.NewServer(grpc.ForceServerCodec(Codec())).
func RegisterHub(s grpc.ServiceRegistrar, hub *Hub) {
	s.RegisterService(&hubServiceDesc, hub)
}

func hubPingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(pingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(hubService).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: hubPingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(hubService).Ping(ctx, req.(*pingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func hubOfferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(offerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(hubService).Offer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: hubOfferMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(hubService).Offer(ctx, req.(*offerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func hubCollectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(collectRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(hubService).Collect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: hubCollectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(hubService).Collect(ctx, req.(*collectRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func hubDealHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(dealRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(hubService).Deal(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: hubDealMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(hubService).Deal(ctx, req.(*dealRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func hubTakeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(takeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(hubService).Take(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: hubTakeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(hubService).Take(ctx, req.(*takeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var hubServiceDesc = grpc.ServiceDesc{
	ServiceName: "checkpointlab.collective.v1.Hub",
	HandlerType: (*hubService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: hubPingHandler},
		{MethodName: "Offer", Handler: hubOfferHandler},
		{MethodName: "Collect", Handler: hubCollectHandler},
		{MethodName: "Deal", Handler: hubDealHandler},
		{MethodName: "Take", Handler: hubTakeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "checkpointlab/collective/v1/hub.proto",
}
