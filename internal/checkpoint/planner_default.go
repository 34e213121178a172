package checkpoint

import (
	"errors"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// ErrNotCoordinator is returned when a coordinator-only planner step runs on
// another rank.
var ErrNotCoordinator = errors.New("checkpoint: global planning on a non-coordinator rank")

// DefaultPlanner plans one item per flattened state key and serializes item
// values as JSON. Duplicate keys across ranks (replicated values) are
// deduplicated in the global plan, lowest rank wins.
type DefaultPlanner struct {
	state         State
	isCoordinator bool

	// encoded caches the serialized items from CreateLocalPlan so that size
	// hints are exact and ResolveData never re-serializes.
	encoded map[string][]byte
}

// NewDefaultPlanner returns a planner ready for SetUpPlanner.
func NewDefaultPlanner() *DefaultPlanner {
	return &DefaultPlanner{}
}

// SetUpPlanner captures the resolved state, flattened to dotted keys.
func (p *DefaultPlanner) SetUpPlanner(state State, isCoordinator bool) error {
	p.state = flattenState(state)
	p.isCoordinator = isCoordinator
	p.encoded = nil
	return nil
}

// CreateLocalPlan serializes every state item and plans them in key order.
func (p *DefaultPlanner) CreateLocalPlan() (LocalPlan, error) {
	keys := make([]string, 0, len(p.state))
	for key := range p.state {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	p.encoded = make(map[string][]byte, len(keys))
	items := make([]WriteItem, 0, len(keys))
	for _, key := range keys {
		data, err := json.Marshal(p.state[key])
		if err != nil {
			return LocalPlan{}, fmt.Errorf("checkpoint: encode item %q: %w", key, err)
		}
		p.encoded[key] = data
		items = append(items, WriteItem{Key: key, SizeHint: int64(len(data))})
	}
	return LocalPlan{Items: items}, nil
}

// CreateGlobalPlan stamps rank ids, drops duplicate keys in favor of the
// lowest rank, and builds the metadata index over the surviving items.
func (p *DefaultPlanner) CreateGlobalPlan(plans []LocalPlan) (GlobalPlan, *Metadata, error) {
	if !p.isCoordinator {
		return nil, nil, ErrNotCoordinator
	}

	owner := make(map[string]int)
	for rank, plan := range plans {
		for _, item := range plan.Items {
			if _, taken := owner[item.Key]; !taken {
				owner[item.Key] = rank
			}
		}
	}

	global := make(GlobalPlan, len(plans))
	index := make(map[string]ItemIndex, len(owner))
	for rank, plan := range plans {
		kept := make([]WriteItem, 0, len(plan.Items))
		for _, item := range plan.Items {
			if owner[item.Key] != rank {
				continue
			}
			kept = append(kept, item)
			index[item.Key] = ItemIndex{Rank: rank, SizeInBytes: item.SizeHint}
		}
		plan.Rank = rank
		plan.Items = kept
		global[rank] = plan
	}
	return global, &Metadata{Index: index}, nil
}

// FinishPlan accepts the assigned plan unchanged.
func (p *DefaultPlanner) FinishPlan(plan LocalPlan) (LocalPlan, error) {
	return plan, nil
}

// ResolveData serves the bytes cached by CreateLocalPlan.
func (p *DefaultPlanner) ResolveData(item WriteItem) ([]byte, error) {
	data, ok := p.encoded[item.Key]
	if !ok {
		return nil, fmt.Errorf("checkpoint: item %q is not in this rank's plan", item.Key)
	}
	return data, nil
}
