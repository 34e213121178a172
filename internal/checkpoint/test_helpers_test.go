package checkpoint

import (
	"log/slog"
	"sync"

	"github.com/i-melnichenko/checkpoint-lab/internal/collective"
)

func newTestSaver() *Saver {
	s, err := NewSaver(slog.Default(), testTracer, testMetrics)
	if err != nil {
		panic(err)
	}
	return s
}

// joinGroups claims every rank of a fresh in-process hub.
func joinGroups(size int) []*collective.InProcessGroup {
	hub := collective.NewInProcessHub(size)
	groups := make([]*collective.InProcessGroup, size)
	for rank := range groups {
		g, err := hub.Join(rank)
		if err != nil {
			panic(err)
		}
		groups[rank] = g
	}
	return groups
}

// runRanks runs fn concurrently for every rank and collects the per-rank errors.
func runRanks(size int, fn func(rank int) error) []error {
	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(rank)
		}(rank)
	}
	wg.Wait()
	return errs
}

// testShard is a Stateful double that records snapshot activity.
type testShard struct {
	mu            sync.Mutex
	data          State
	snapshotCalls int
	snapshotErr   error
}

func (s *testShard) Snapshot() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotCalls++
	if s.snapshotErr != nil {
		return nil, s.snapshotErr
	}
	snap := make(State, len(s.data))
	for k, v := range s.data {
		snap[k] = v
	}
	return snap, nil
}

func (s *testShard) RestoreSnapshot(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = state
	return nil
}
