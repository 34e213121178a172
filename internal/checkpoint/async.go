package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// TaskRunner executes the background part of an asynchronous save. Submit
// must not block on the task itself; Release frees the runner's resources
// once no more tasks will be submitted. AsyncSave releases the runner after
// the save task finishes.
type TaskRunner interface {
	Submit(name string, task func()) error
	Release()
}

// SingleWorkerRunner runs tasks one at a time on a lazily started goroutine.
// It rejects a submission while a task is still in flight, which keeps
// concurrent checkpoints from interleaving on shared storage.
type SingleWorkerRunner struct {
	mu       sync.Mutex
	tasks    chan func()
	started  bool
	released bool
	busy     bool
}

// NewSingleWorkerRunner returns an idle runner. The worker goroutine starts
// on first Submit and exits on Release.
func NewSingleWorkerRunner() *SingleWorkerRunner {
	return &SingleWorkerRunner{tasks: make(chan func(), 1)}
}

// Submit queues task for execution.
func (r *SingleWorkerRunner) Submit(name string, task func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrRunnerReleased
	}
	if r.busy {
		return fmt.Errorf("checkpoint: task %q rejected: a task is already in flight", name)
	}
	if !r.started {
		r.started = true
		go r.loop()
	}
	r.busy = true
	r.tasks <- func() {
		task()
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
	}
	return nil
}

// Release stops the worker once the in-flight task, if any, completes.
// Further submissions fail with ErrRunnerReleased. Safe to call repeatedly,
// including from inside a running task.
func (r *SingleWorkerRunner) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	close(r.tasks)
}

func (r *SingleWorkerRunner) loop() {
	for task := range r.tasks {
		task()
	}
}

// Handle is the deferred result of AsyncSave. It is pending until the
// background save finishes, then carries either the metadata or the error.
type Handle struct {
	done chan struct{}
	mu   sync.Mutex
	meta *Metadata
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Done returns a channel closed when the save has finished either way.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the save finishes or ctx ends, then returns the outcome.
func (h *Handle) Wait(ctx context.Context) (*Metadata, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. While the save is still
// running it returns ErrSavePending.
func (h *Handle) Result() (*Metadata, error) {
	select {
	case <-h.done:
	default:
		return nil, ErrSavePending
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta, h.err
}

func (h *Handle) resolve(meta *Metadata) {
	h.mu.Lock()
	h.meta = meta
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
