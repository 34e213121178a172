package checkpoint

import (
	"context"
	"strings"
	"testing"
)

func newTestRun() *saveRun {
	coord, err := NewCoordinator(nil, 0)
	if err != nil {
		panic(err)
	}
	return newSaveRun("run-1", "ckpt", saveModeSync, State{}, NewDefaultPlanner(), NewMemoryWriter(), coord)
}

func TestSaveRunPhaseOrder(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()

	if run.phase() != phaseInit {
		t.Fatalf("initial phase = %q, want %q", run.phase(), phaseInit)
	}
	steps := []struct {
		event string
		phase string
	}{
		{eventResolve, phaseStatefulResolved},
		{eventPlanLocal, phasePlannedLocal},
		{eventPlanGlobal, phasePlannedGlobal},
		{eventWrite, phaseWritten},
		{eventFinalize, phaseFinalized},
	}
	for _, step := range steps {
		if err := run.advance(ctx, step.event); err != nil {
			t.Fatalf("advance(%q) error = %v", step.event, err)
		}
		if run.phase() != step.phase {
			t.Fatalf("after %q phase = %q, want %q", step.event, run.phase(), step.phase)
		}
	}
}

func TestSaveRunRejectsOutOfOrderPhase(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()

	if err := run.advance(ctx, eventResolve); err != nil {
		t.Fatalf("advance(resolve) error = %v", err)
	}
	err := run.advance(ctx, eventWrite)
	if err == nil {
		t.Fatal("write accepted before planning")
	}
	if !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("error = %v, want phase rejection", err)
	}
	// The run stays in its last good phase.
	if run.phase() != phaseStatefulResolved {
		t.Fatalf("phase = %q after rejected event", run.phase())
	}

	if err := run.advance(ctx, eventResolve); err == nil {
		t.Fatal("resolve accepted twice")
	}
}
