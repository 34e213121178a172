package collectivegrpc

import (
	"context"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestHubReapsAbandonedRounds(t *testing.T) {
	hub, err := NewHub(2, nil)
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	defer hub.Close()
	ctx := context.Background()

	// Rank 0 contributes to a gather that is never collected, the way a
	// member that fails mid-save leaves a round behind.
	if _, err := hub.Offer(ctx, &offerRequest{Seq: 1, Kind: kindGather, Tag: "plan", Rank: 0}); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}

	hub.mu.Lock()
	tracked := len(hub.rounds)
	hub.mu.Unlock()
	if tracked != 1 {
		t.Fatalf("tracked rounds = %d, want 1", tracked)
	}

	// A round two sequence numbers on proves the group moved past the
	// abandoned one; opening it must reap the leftover.
	if _, err := hub.Offer(ctx, &offerRequest{Seq: 3, Kind: kindGather, Tag: "write", Rank: 0}); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}

	hub.mu.Lock()
	_, stale := hub.rounds[1]
	tracked = len(hub.rounds)
	hub.mu.Unlock()
	if stale {
		t.Fatal("abandoned round 1 still tracked")
	}
	if tracked != 1 {
		t.Fatalf("tracked rounds = %d, want 1", tracked)
	}
}

func TestHubCloseReleasesRounds(t *testing.T) {
	hub, err := NewHub(2, nil)
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}

	if _, err := hub.Offer(context.Background(), &offerRequest{Seq: 1, Kind: kindGather, Tag: "plan", Rank: 0}); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	hub.Close()

	hub.mu.Lock()
	remaining := len(hub.rounds)
	hub.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("rounds remaining after Close = %d, want 0", remaining)
	}
}

func TestConsumeUint32RejectsOverflow(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 1<<33)

	var req pingRequest
	if err := req.unmarshalWire(b); err == nil {
		t.Fatal("unmarshal accepted a rank wider than 32 bits")
	}
}

func TestConsumeUint32MaxValue(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, math.MaxUint32)

	var req pingRequest
	if err := req.unmarshalWire(b); err != nil {
		t.Fatalf("unmarshalWire() error = %v", err)
	}
	if req.Rank != math.MaxUint32 {
		t.Fatalf("Rank = %d, want %d", req.Rank, uint32(math.MaxUint32))
	}
}
