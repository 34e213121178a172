package checkpoint

import (
	"errors"
	"reflect"
	"testing"
)

func TestResolveStateful(t *testing.T) {
	shard := &testShard{data: State{"step": 3, "lr": 0.1}}
	state := State{"trainer": shard, "epoch": 5}

	resolved, err := ResolveStateful(state)
	if err != nil {
		t.Fatalf("ResolveStateful() error = %v", err)
	}
	if shard.snapshotCalls != 1 {
		t.Fatalf("Snapshot called %d times, want 1", shard.snapshotCalls)
	}
	if resolved["epoch"] != 5 {
		t.Fatalf("epoch = %v, want 5", resolved["epoch"])
	}
	snap, ok := resolved["trainer"].(State)
	if !ok {
		t.Fatalf("trainer resolved to %T, want State", resolved["trainer"])
	}
	if snap["step"] != 3 || snap["lr"] != 0.1 {
		t.Fatalf("trainer snapshot = %v", snap)
	}

	// The input mapping keeps the original object.
	if got, ok := state["trainer"].(*testShard); !ok || got != shard {
		t.Fatal("ResolveStateful mutated the input state")
	}
}

func TestResolveStatefulSnapshotError(t *testing.T) {
	shard := &testShard{snapshotErr: errors.New("disk on fire")}

	_, err := ResolveStateful(State{"trainer": shard})
	if err == nil || !errors.Is(err, shard.snapshotErr) {
		t.Fatalf("error = %v, want snapshot error in the chain", err)
	}
}

func TestFlattenState(t *testing.T) {
	state := State{
		"epoch": 2,
		"trainer": State{
			"step": 7,
			"optim": map[string]any{
				"lr": 0.01,
			},
		},
	}

	flat := flattenState(state)
	want := State{
		"epoch":            2,
		"trainer.step":     7,
		"trainer.optim.lr": 0.01,
	}
	if !reflect.DeepEqual(flat, want) {
		t.Fatalf("flattenState() = %v, want %v", flat, want)
	}
}
