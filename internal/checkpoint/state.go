package checkpoint

import "fmt"

// State is the logical state being checkpointed: a mapping from name to an
// opaque value. Values may implement Stateful to supply their own snapshot.
// The save pipeline treats State as read-only input.
type State map[string]any

// Stateful is implemented by state values that produce and consume their own
// snapshot mapping, for example a training shard with private bookkeeping.
type Stateful interface {
	Snapshot() (State, error)
	RestoreSnapshot(State) error
}

// ResolveStateful returns a shallow copy of state in which every Stateful
// value is replaced by its snapshot. Other values are carried over as-is and
// the input mapping is left untouched.
func ResolveStateful(state State) (State, error) {
	resolved := make(State, len(state))
	for key, value := range state {
		sf, ok := value.(Stateful)
		if !ok {
			resolved[key] = value
			continue
		}
		snap, err := sf.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("checkpoint: snapshot of %q: %w", key, err)
		}
		resolved[key] = snap
	}
	return resolved, nil
}

// flattenState rewrites nested State values into dotted keys, so the snapshot
// of a Stateful value stored under "trainer" contributes items like
// "trainer.step". Non-mapping values are kept whole.
func flattenState(state State) State {
	flat := make(State, len(state))
	flattenInto(flat, "", state)
	return flat
}

func flattenInto(dst State, prefix string, state State) {
	for key, value := range state {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		switch nested := value.(type) {
		case State:
			flattenInto(dst, name, nested)
		case map[string]any:
			flattenInto(dst, name, State(nested))
		default:
			dst[name] = value
		}
	}
}
