package checkpoint

import (
	"errors"
	"testing"

	json "github.com/goccy/go-json"
)

func TestDefaultPlannerLocalPlan(t *testing.T) {
	p := NewDefaultPlanner()
	state := State{
		"epoch":   2,
		"trainer": State{"step": 7},
	}
	if err := p.SetUpPlanner(state, false); err != nil {
		t.Fatalf("SetUpPlanner() error = %v", err)
	}

	plan, err := p.CreateLocalPlan()
	if err != nil {
		t.Fatalf("CreateLocalPlan() error = %v", err)
	}
	if len(plan.Items) != 2 {
		t.Fatalf("planned %d items, want 2", len(plan.Items))
	}
	if plan.Items[0].Key != "epoch" || plan.Items[1].Key != "trainer.step" {
		t.Fatalf("items out of key order: %v", plan.Items)
	}
	for _, item := range plan.Items {
		data, err := p.ResolveData(item)
		if err != nil {
			t.Fatalf("ResolveData(%q) error = %v", item.Key, err)
		}
		if int64(len(data)) != item.SizeHint {
			t.Fatalf("item %q: size hint %d, resolved %d bytes", item.Key, item.SizeHint, len(data))
		}
	}

	data, err := p.ResolveData(plan.Items[0])
	if err != nil {
		t.Fatalf("ResolveData() error = %v", err)
	}
	var epoch int
	if err := json.Unmarshal(data, &epoch); err != nil {
		t.Fatalf("decode epoch: %v", err)
	}
	if epoch != 2 {
		t.Fatalf("epoch = %d, want 2", epoch)
	}
}

func TestDefaultPlannerGlobalPlanDeduplicates(t *testing.T) {
	plans := make([]LocalPlan, 3)
	for rank := range plans {
		p := NewDefaultPlanner()
		if err := p.SetUpPlanner(State{"replicated": 42}, rank == 0); err != nil {
			t.Fatalf("rank %d: SetUpPlanner() error = %v", rank, err)
		}
		plan, err := p.CreateLocalPlan()
		if err != nil {
			t.Fatalf("rank %d: CreateLocalPlan() error = %v", rank, err)
		}
		plans[rank] = plan
	}

	coordinator := NewDefaultPlanner()
	if err := coordinator.SetUpPlanner(State{"replicated": 42}, true); err != nil {
		t.Fatalf("SetUpPlanner() error = %v", err)
	}
	global, meta, err := coordinator.CreateGlobalPlan(plans)
	if err != nil {
		t.Fatalf("CreateGlobalPlan() error = %v", err)
	}

	if len(global) != 3 {
		t.Fatalf("global plan covers %d ranks, want 3", len(global))
	}
	if len(global[0].Items) != 1 {
		t.Fatalf("rank 0 keeps %d items, want 1", len(global[0].Items))
	}
	for rank := 1; rank < 3; rank++ {
		if got := len(global[rank].Items); got != 0 {
			t.Fatalf("rank %d keeps %d items, want 0 after dedup", rank, got)
		}
		if global[rank].Rank != rank {
			t.Fatalf("plan %d stamped rank %d", rank, global[rank].Rank)
		}
	}
	entry, ok := meta.Index["replicated"]
	if !ok {
		t.Fatal("metadata index is missing the replicated item")
	}
	if entry.Rank != 0 {
		t.Fatalf("replicated item owned by rank %d, want 0", entry.Rank)
	}
}

func TestDefaultPlannerGlobalPlanDistinctKeys(t *testing.T) {
	plans := []LocalPlan{
		{Items: []WriteItem{{Key: "shard.0", SizeHint: 10}}},
		{Items: []WriteItem{{Key: "shard.1", SizeHint: 20}}},
	}
	p := NewDefaultPlanner()
	if err := p.SetUpPlanner(State{}, true); err != nil {
		t.Fatalf("SetUpPlanner() error = %v", err)
	}
	global, meta, err := p.CreateGlobalPlan(plans)
	if err != nil {
		t.Fatalf("CreateGlobalPlan() error = %v", err)
	}
	for rank, plan := range global {
		if len(plan.Items) != 1 {
			t.Fatalf("rank %d keeps %d items, want 1", rank, len(plan.Items))
		}
	}
	if meta.Index["shard.0"].Rank != 0 || meta.Index["shard.1"].Rank != 1 {
		t.Fatalf("index ownership wrong: %v", meta.Index)
	}
	if meta.Index["shard.1"].SizeInBytes != 20 {
		t.Fatalf("shard.1 size = %d, want 20", meta.Index["shard.1"].SizeInBytes)
	}
}

func TestDefaultPlannerNotCoordinator(t *testing.T) {
	p := NewDefaultPlanner()
	if err := p.SetUpPlanner(State{}, false); err != nil {
		t.Fatalf("SetUpPlanner() error = %v", err)
	}
	if _, _, err := p.CreateGlobalPlan(nil); !errors.Is(err, ErrNotCoordinator) {
		t.Fatalf("error = %v, want ErrNotCoordinator", err)
	}
}

func TestDefaultPlannerResolveUnknownItem(t *testing.T) {
	p := NewDefaultPlanner()
	if err := p.SetUpPlanner(State{"known": 1}, false); err != nil {
		t.Fatalf("SetUpPlanner() error = %v", err)
	}
	if _, err := p.CreateLocalPlan(); err != nil {
		t.Fatalf("CreateLocalPlan() error = %v", err)
	}
	if _, err := p.ResolveData(WriteItem{Key: "unknown"}); err == nil {
		t.Fatal("expected error for an item outside the local plan")
	}
}
