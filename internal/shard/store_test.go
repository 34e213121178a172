package shard

import (
	"testing"

	"github.com/i-melnichenko/checkpoint-lab/internal/checkpoint"
)

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewStore(1)
	s.Seed([]string{"weights", "bias"}, 4)
	s.Advance()
	s.Advance()

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored := NewStore(1)
	if err := restored.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	if got := restored.Step(); got != 2 {
		t.Fatalf("restored step = %d, want 2", got)
	}
	want, _ := s.Param("rank1.weights")
	got, ok := restored.Param("rank1.weights")
	if !ok {
		t.Fatalf("restored store is missing rank1.weights")
	}
	if len(got) != len(want) {
		t.Fatalf("restored vector length %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("restored weights[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSnapshotIsIndependentOfLaterSteps(t *testing.T) {
	s := NewStore(0)
	s.Seed([]string{"weights"}, 3)

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	before, err := asVector(snap[keyParams].(checkpoint.State)["rank0.weights"])
	if err != nil {
		t.Fatalf("snapshot vector: %v", err)
	}

	s.Advance()

	after, err := asVector(snap[keyParams].(checkpoint.State)["rank0.weights"])
	if err != nil {
		t.Fatalf("snapshot vector after advance: %v", err)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("snapshot changed at %d after Advance: %v -> %v", i, before[i], after[i])
		}
	}
}

func TestRestoreSnapshotAcceptsDecodedJSONShapes(t *testing.T) {
	// A snapshot that went through the checkpoint writer comes back with
	// float64 steps and []any vectors.
	snap := checkpoint.State{
		"step": float64(7),
		"params": map[string]any{
			"rank2.weights": []any{float64(1), float64(2)},
		},
	}

	s := NewStore(2)
	if err := s.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if got := s.Step(); got != 7 {
		t.Fatalf("step = %d, want 7", got)
	}
	vec, ok := s.Param("rank2.weights")
	if !ok || len(vec) != 2 || vec[0] != 1 || vec[1] != 2 {
		t.Fatalf("restored vector = %v (ok=%v), want [1 2]", vec, ok)
	}
}

func TestRestoreSnapshotRejectsMalformedVectors(t *testing.T) {
	snap := checkpoint.State{
		"step":   uint64(1),
		"params": map[string]any{"rank0.weights": []any{"not a number"}},
	}
	if err := NewStore(0).RestoreSnapshot(snap); err == nil {
		t.Fatal("RestoreSnapshot accepted a non-numeric vector")
	}
}
