package collective

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func joinAll(t *testing.T, hub *InProcessHub) []*InProcessGroup {
	t.Helper()

	groups := make([]*InProcessGroup, hub.Size())
	for rank := range groups {
		g, err := hub.Join(rank)
		if err != nil {
			t.Fatalf("Join(%d) error = %v", rank, err)
		}
		groups[rank] = g
	}
	return groups
}

func TestInProcessHubJoin(t *testing.T) {
	hub := NewInProcessHub(2)

	if _, err := hub.Join(0); err != nil {
		t.Fatalf("Join(0) error = %v", err)
	}
	if _, err := hub.Join(0); err == nil {
		t.Fatal("expected error joining rank 0 twice")
	}
	if _, err := hub.Join(2); err == nil {
		t.Fatal("expected error joining rank out of range")
	}
	if _, err := hub.Join(-1); err == nil {
		t.Fatal("expected error joining negative rank")
	}
}

func TestInProcessGather(t *testing.T) {
	hub := NewInProcessHub(3)
	groups := joinAll(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make([][][]byte, hub.Size())
	var eg errgroup.Group
	for rank, g := range groups {
		eg.Go(func() error {
			got, err := g.Gather(ctx, "plan", fmt.Appendf(nil, "payload-%d", rank), 0)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			results[rank] = got
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for rank := 1; rank < hub.Size(); rank++ {
		if results[rank] != nil {
			t.Fatalf("rank %d: expected nil gather result on non-root, got %v", rank, results[rank])
		}
	}
	if len(results[0]) != hub.Size() {
		t.Fatalf("expected %d gathered payloads, got %d", hub.Size(), len(results[0]))
	}
	for rank, payload := range results[0] {
		want := fmt.Sprintf("payload-%d", rank)
		if string(payload) != want {
			t.Fatalf("gathered[%d] = %q, want %q", rank, payload, want)
		}
	}
}

func TestInProcessScatter(t *testing.T) {
	hub := NewInProcessHub(3)
	groups := joinAll(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	parts := [][]byte{[]byte("for-0"), []byte("for-1"), []byte("for-2")}
	results := make([][]byte, hub.Size())
	var eg errgroup.Group
	for rank, g := range groups {
		eg.Go(func() error {
			var supplied [][]byte
			if rank == 0 {
				supplied = parts
			}
			got, err := g.Scatter(ctx, "plan", supplied, 0)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			results[rank] = got
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("Scatter() error = %v", err)
	}

	for rank, got := range results {
		if !bytes.Equal(got, parts[rank]) {
			t.Fatalf("rank %d received %q, want %q", rank, got, parts[rank])
		}
	}
}

func TestInProcessBroadcast(t *testing.T) {
	hub := NewInProcessHub(3)
	groups := joinAll(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make([][]byte, hub.Size())
	var eg errgroup.Group
	for rank, g := range groups {
		eg.Go(func() error {
			var payload []byte
			if rank == 1 {
				payload = []byte("announcement")
			}
			got, err := g.Broadcast(ctx, "write", payload, 1)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			results[rank] = got
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	for rank, got := range results {
		if string(got) != "announcement" {
			t.Fatalf("rank %d received %q, want %q", rank, got, "announcement")
		}
	}
}

func TestInProcessScatterWrongPayloadCount(t *testing.T) {
	hub := NewInProcessHub(2)
	groups := joinAll(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := groups[1].Scatter(ctx, "plan", nil, 0)
		errCh <- err
	}()

	if _, err := groups[0].Scatter(ctx, "plan", [][]byte{[]byte("only-one")}, 0); err == nil {
		t.Fatal("expected error scattering one payload to two ranks")
	}

	// The peer never gets its share; it must unblock via the context.
	if err := <-errCh; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("peer error = %v, want context.DeadlineExceeded", err)
	}
}

func TestInProcessRoundMismatch(t *testing.T) {
	hub := NewInProcessHub(2)
	groups := joinAll(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_, _ = groups[0].Gather(ctx, "plan", []byte("x"), 0)
	}()

	// Wait for rank 0 to open the round, then diverge on the tag.
	deadline := time.Now().Add(time.Second)
	for {
		hub.mu.Lock()
		opened := len(hub.rounds) > 0
		hub.mu.Unlock()
		if opened {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("round never opened")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := groups[1].Gather(ctx, "write", []byte("y"), 0); err == nil {
		t.Fatal("expected mismatch error for diverging tag")
	}
}

func TestInProcessContextCancel(t *testing.T) {
	hub := NewInProcessHub(2)
	groups := joinAll(t, hub)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := groups[0].Gather(ctx, "plan", []byte("x"), 0)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Gather() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Gather() did not unblock on cancel")
	}
}

func TestInProcessClosed(t *testing.T) {
	hub := NewInProcessHub(1)
	groups := joinAll(t, hub)

	if err := groups[0].Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := groups[0].Gather(context.Background(), "plan", nil, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("Gather() after close error = %v, want ErrClosed", err)
	}
}

func TestInProcessRoundsReleased(t *testing.T) {
	hub := NewInProcessHub(2)
	groups := joinAll(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		var eg errgroup.Group
		for rank, g := range groups {
			eg.Go(func() error {
				_, err := g.Broadcast(ctx, "write", []byte{byte(rank)}, 0)
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			t.Fatalf("Broadcast() round %d error = %v", i, err)
		}
	}

	hub.mu.Lock()
	remaining := len(hub.rounds)
	hub.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected all rounds released, %d remaining", remaining)
	}
}

func TestInProcessAbandonedRoundReaped(t *testing.T) {
	hub := NewInProcessHub(2)
	groups := joinAll(t, hub)

	// Rank 0 opens a gather and bails out before the peer shows up, the way
	// a failed save leaves a round behind.
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := groups[0].Gather(canceled, "plan", []byte("p0"), 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Gather() error = %v, want context.Canceled", err)
	}
	// The peer aborted before entering the round; realign its sequence
	// counter the way both ranks restart after a failed save.
	groups[1].seq.Store(groups[0].seq.Load())

	hub.mu.Lock()
	abandoned := len(hub.rounds)
	hub.mu.Unlock()
	if abandoned != 1 {
		t.Fatalf("abandoned rounds = %d, want 1", abandoned)
	}

	// Two healthy collectives later the abandoned round must be gone: only
	// the previous sequence number can still be draining.
	ctx, cancelAll := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelAll()
	for i := 0; i < 2; i++ {
		var eg errgroup.Group
		for _, g := range groups {
			eg.Go(func() error {
				_, err := g.Broadcast(ctx, "write", []byte("m"), 0)
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			t.Fatalf("Broadcast() round %d error = %v", i, err)
		}
	}

	hub.mu.Lock()
	remaining := len(hub.rounds)
	hub.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected abandoned round reaped, %d remaining", remaining)
	}
}
