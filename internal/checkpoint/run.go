package checkpoint

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Save pipeline phases. A run moves through them strictly in order; an
// out-of-order step is a bug surfaced by the state machine.
const (
	phaseInit             = "init"
	phaseStatefulResolved = "stateful_resolved"
	phasePlannedLocal     = "planned_local"
	phasePlannedGlobal    = "planned_global"
	phaseWritten          = "written"
	phaseFinalized        = "finalized"
)

// Phase transition events.
const (
	eventResolve    = "resolve"
	eventPlanLocal  = "plan_local"
	eventPlanGlobal = "plan_global"
	eventWrite      = "write"
	eventFinalize   = "finalize"
)

// saveRun is the per-invocation protocol record. All cross-phase values the
// pipeline produces live here explicitly, in particular the coordinator's
// intermediate metadata, so no step communicates through captured mutable
// variables.
type saveRun struct {
	id           string
	checkpointID string
	mode         string

	state   State
	planner SavePlanner
	writer  StorageWriter
	coord   *Coordinator

	phases *fsm.FSM

	assignedPlan LocalPlan
	// globalMeta is set during the plan collective on the coordinator only
	// and handed to the writer's Finish during the write collective.
	globalMeta *Metadata
}

func newSaveRun(id, checkpointID, mode string, state State, planner SavePlanner, writer StorageWriter, coord *Coordinator) *saveRun {
	return &saveRun{
		id:           id,
		checkpointID: checkpointID,
		mode:         mode,
		state:        state,
		planner:      planner,
		writer:       writer,
		coord:        coord,
		phases: fsm.NewFSM(
			phaseInit,
			fsm.Events{
				{Name: eventResolve, Src: []string{phaseInit}, Dst: phaseStatefulResolved},
				{Name: eventPlanLocal, Src: []string{phaseStatefulResolved}, Dst: phasePlannedLocal},
				{Name: eventPlanGlobal, Src: []string{phasePlannedLocal}, Dst: phasePlannedGlobal},
				{Name: eventWrite, Src: []string{phasePlannedGlobal}, Dst: phaseWritten},
				{Name: eventFinalize, Src: []string{phaseWritten}, Dst: phaseFinalized},
			},
			nil,
		),
	}
}

// advance moves the run to the next phase.
func (r *saveRun) advance(ctx context.Context, event string) error {
	if err := r.phases.Event(ctx, event); err != nil {
		return fmt.Errorf("checkpoint: run %s: phase %q rejected %q: %w", r.id, r.phases.Current(), event, err)
	}
	return nil
}

// phase returns the run's current phase name.
func (r *saveRun) phase() string {
	return r.phases.Current()
}
