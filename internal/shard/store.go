// Package shard holds the demo training shard used by cmd/node: a rank's
// slice of model parameters plus private bookkeeping, exposed to the
// checkpoint layer through the Stateful capability.
package shard

import (
	"fmt"
	"math"
	"sync"

	"github.com/i-melnichenko/checkpoint-lab/internal/checkpoint"
)

// Snapshot keys.
const (
	keyStep   = "step"
	keyParams = "params"
)

// Store is one rank's parameter shard. It is safe for concurrent use, which
// lets the demo training loop keep mutating it while an asynchronous
// checkpoint of an earlier snapshot is in flight.
type Store struct {
	mu     sync.RWMutex
	rank   int
	step   uint64
	params map[string][]float64
}

// NewStore creates an empty shard owned by rank.
func NewStore(rank int) *Store {
	return &Store{rank: rank, params: make(map[string][]float64)}
}

// Seed fills the shard with deterministic per-rank parameters: vectors
// layers long, one vector per name in names, disjoint across ranks.
func (s *Store) Seed(names []string, layers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		vec := make([]float64, layers)
		for i := range vec {
			vec[i] = float64(s.rank) + float64(i)/float64(layers)
		}
		s.params[fmt.Sprintf("rank%d.%s", s.rank, name)] = vec
	}
}

// Advance simulates one training step: bumps the step counter and perturbs
// every parameter.
func (s *Store) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step++
	for _, vec := range s.params {
		for i := range vec {
			vec[i] += math.Sin(float64(s.step)+float64(i)) * 1e-3
		}
	}
}

// Step returns the current step counter.
func (s *Store) Step() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.step
}

// Param returns a copy of one parameter vector.
func (s *Store) Param(name string) ([]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vec, ok := s.params[name]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(vec))
	copy(out, vec)
	return out, true
}

// Snapshot returns the shard as a snapshot mapping. The returned vectors are
// copies, so later training steps do not bleed into a snapshot already taken.
func (s *Store) Snapshot() (checkpoint.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	params := make(checkpoint.State, len(s.params))
	for name, vec := range s.params {
		out := make([]float64, len(vec))
		copy(out, vec)
		params[name] = out
	}
	return checkpoint.State{
		keyStep:   s.step,
		keyParams: params,
	}, nil
}

// RestoreSnapshot replaces the shard contents with a snapshot previously
// produced by Snapshot. Values that crossed a serialization boundary arrive
// as generic JSON shapes and are accepted too.
func (s *Store) RestoreSnapshot(snap checkpoint.State) error {
	step, err := asStep(snap[keyStep])
	if err != nil {
		return fmt.Errorf("shard: restore step: %w", err)
	}
	rawParams, err := asMapping(snap[keyParams])
	if err != nil {
		return fmt.Errorf("shard: restore params: %w", err)
	}

	params := make(map[string][]float64, len(rawParams))
	for name, value := range rawParams {
		vec, err := asVector(value)
		if err != nil {
			return fmt.Errorf("shard: restore param %q: %w", name, err)
		}
		params[name] = vec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = step
	s.params = params
	return nil
}

func asStep(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative step %d", n)
		}
		return uint64(n), nil
	case float64:
		if n < 0 {
			return 0, fmt.Errorf("negative step %v", n)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("unexpected step type %T", v)
	}
}

func asMapping(v any) (map[string]any, error) {
	switch m := v.(type) {
	case checkpoint.State:
		return m, nil
	case map[string]any:
		return m, nil
	default:
		return nil, fmt.Errorf("unexpected mapping type %T", v)
	}
}

func asVector(v any) ([]float64, error) {
	switch vec := v.(type) {
	case []float64:
		out := make([]float64, len(vec))
		copy(out, vec)
		return out, nil
	case []any:
		out := make([]float64, len(vec))
		for i, e := range vec {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("element %d has type %T", i, e)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected vector type %T", v)
	}
}
