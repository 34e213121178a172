// Package checkpoint coordinates consistent collective checkpoint writes
// across a group of cooperating ranks.
//
// Every rank proposes a local write plan, one coordinator rank merges the
// proposals into a global plan and global metadata, each rank writes its
// assigned portion, and every rank ends up holding the same metadata for the
// completed checkpoint. The protocol runs in two collective phases, "plan"
// and "write", over a collective.Group; with no group it degenerates to a
// single participant. AsyncSave additionally stages the state to host memory
// and runs the pipeline on a background task runner.
//
// Storage media, planning policy, and transport stay outside this package
// behind the StorageWriter, SavePlanner, Stager, and collective.Group
// capabilities.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/checkpoint-lab/internal/collective"
)

// Collective tags of the two protocol phases.
const (
	tagPlan  = "plan"
	tagWrite = "write"
)

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SaveRequest configures one checkpoint save.
type SaveRequest struct {
	// CheckpointID names the checkpoint. For filesystem storage it is the
	// target directory. When Writer is nil a filesystem writer is inferred
	// from it.
	CheckpointID string
	// Writer persists the planned items. Nil infers one from CheckpointID.
	Writer StorageWriter
	// Planner decomposes the state into write plans. Nil means DefaultPlanner.
	Planner SavePlanner
	// Group is the collective backend shared by all ranks of this save.
	// Nil runs the save as a single participant.
	Group collective.Group
	// Runner executes the background part of AsyncSave. Nil means a fresh
	// SingleWorkerRunner. The runner is released once the task completes.
	Runner TaskRunner
}

// Saver orchestrates checkpoint saves. One Saver can serve many saves; each
// call builds its own run record.
type Saver struct {
	// CoordinatorRank selects the rank performing the merge steps.
	// By convention rank zero.
	CoordinatorRank int

	logger  Logger
	tracer  oteltrace.Tracer
	metrics Metrics
}

// NewSaver creates a Saver. The logger is required; a nil tracer falls back
// to the global tracer provider and a nil metrics sink to a no-op.
func NewSaver(logger Logger, tracer oteltrace.Tracer, metrics Metrics) (*Saver, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if tracer == nil {
		tracer = otel.Tracer("checkpoint")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Saver{logger: logger, tracer: tracer, metrics: metrics}, nil
}

// Save runs the synchronous save pipeline. Every rank of the group must call
// it with the same request shape; all of them receive an identical metadata
// value or an error naming the rank that failed.
func (s *Saver) Save(ctx context.Context, state State, req SaveRequest) (*Metadata, error) {
	return s.save(ctx, state, req, saveModeSync)
}

// AsyncSave stages the state on the caller's goroutine, submits the save
// pipeline to a task runner, and returns a handle immediately. The handle
// resolves to exactly what Save would have returned for the staged state.
// When the stager requests post-submit synchronization and that fails, the
// error is returned alongside the still-running handle.
func (s *Saver) AsyncSave(ctx context.Context, state State, req SaveRequest) (*Handle, error) {
	if req.Group != nil && !req.Group.SupportsHostMemory() {
		return nil, ErrGroupNotHostCapable
	}
	// Surface writer configuration errors before doing any staging work.
	if _, err := inferStorageWriter(req); err != nil {
		return nil, err
	}
	rank := 0
	if req.Group != nil {
		rank = req.Group.Rank()
	}

	resolved, err := ResolveStateful(state)
	if err != nil {
		return nil, err
	}

	stager := stagerOf(req.Writer)
	stageStart := time.Now()
	var staged State
	if stager != nil {
		staged, err = stager.Stage(ctx, resolved)
	} else {
		staged, err = offloadState(resolved)
	}
	s.metrics.ObserveStageDuration(rank, time.Since(stageStart))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: stage state: %w", err)
	}

	runner := req.Runner
	if runner == nil {
		runner = NewSingleWorkerRunner()
	}

	handle := newHandle()
	// The background save must outlive the caller's cancellation scope but
	// keep its trace context.
	taskCtx := context.WithoutCancel(ctx)
	err = runner.Submit("checkpoint-save", func() {
		defer runner.Release()
		meta, err := s.save(taskCtx, staged, req, saveModeAsync)
		if err != nil {
			handle.fail(err)
			return
		}
		handle.resolve(meta)
	})
	if err != nil {
		return nil, err
	}

	if stager != nil && stager.SynchronizeAfterExecute() {
		if err := stager.Synchronize(ctx); err != nil {
			return handle, fmt.Errorf("checkpoint: synchronize staging: %w", err)
		}
	}
	return handle, nil
}

// SaveState saves state through an explicitly provided writer, resetting it
// first.
//
// Deprecated: use Save, which infers and resets the writer from the request.
func (s *Saver) SaveState(ctx context.Context, state State, writer StorageWriter, group collective.Group) (*Metadata, error) {
	s.logger.Warn("SaveState is deprecated, use Save")
	if writer == nil {
		return nil, ErrNoStorageWriter
	}
	if err := writer.Reset(""); err != nil {
		return nil, fmt.Errorf("checkpoint: reset writer: %w", err)
	}
	return s.Save(ctx, state, SaveRequest{Writer: writer, Group: group})
}

func (s *Saver) save(ctx context.Context, state State, req SaveRequest, mode string) (*Metadata, error) {
	run, err := s.newRun(state, req, mode)
	if err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "checkpoint.save",
		attribute.String("checkpoint.run_id", run.id),
		attribute.String("checkpoint.id", run.checkpointID),
		attribute.Int("checkpoint.rank", run.coord.Rank()),
		attribute.String("checkpoint.mode", mode),
	)
	defer span.End()

	start := time.Now()
	meta, err := s.runPipeline(ctx, run)
	s.metrics.ObserveSaveDuration(run.coord.Rank(), mode, resultLabel(err), time.Since(start))
	if err != nil {
		spanRecordError(span, err)
		spanCollectiveAttrs(span, err)
		s.logger.Error("checkpoint save failed",
			"run_id", run.id,
			"checkpoint_id", run.checkpointID,
			"rank", run.coord.Rank(),
			"phase", run.phase(),
			"error", err,
		)
		return nil, err
	}

	s.logger.Info("checkpoint saved",
		"run_id", run.id,
		"checkpoint_id", run.checkpointID,
		"rank", run.coord.Rank(),
		"items", len(meta.Index),
	)
	return meta, nil
}

// newRun validates the request and assembles the per-invocation record.
func (s *Saver) newRun(state State, req SaveRequest, mode string) (*saveRun, error) {
	writer, err := inferStorageWriter(req)
	if err != nil {
		return nil, err
	}
	if err := writer.Reset(req.CheckpointID); err != nil {
		return nil, fmt.Errorf("checkpoint: reset writer: %w", err)
	}

	planner := req.Planner
	if planner == nil {
		planner = NewDefaultPlanner()
	}

	coord, err := NewCoordinator(req.Group, s.CoordinatorRank)
	if err != nil {
		return nil, err
	}

	run := newSaveRun(uuid.NewString(), req.CheckpointID, mode, state, planner, writer, coord)
	if req.Group == nil {
		s.logger.Warn("no collective group configured, saving as a single participant", "run_id", run.id)
	}
	return run, nil
}

func (s *Saver) runPipeline(ctx context.Context, run *saveRun) (*Metadata, error) {
	resolved, err := ResolveStateful(run.state)
	if err != nil {
		return nil, err
	}
	run.state = resolved
	if err := run.advance(ctx, eventResolve); err != nil {
		return nil, err
	}

	if err := s.planPhase(ctx, run); err != nil {
		return nil, err
	}
	return s.writePhase(ctx, run)
}

// planPhase runs the "plan" collective: local plan creation on every rank,
// the global merge on the coordinator, and each rank finishing the plan it
// was assigned.
func (s *Saver) planPhase(ctx context.Context, run *saveRun) error {
	ctx, span := s.startSpan(ctx, "checkpoint.plan", attribute.String("checkpoint.run_id", run.id))
	defer span.End()

	localStep := func() (LocalPlan, error) {
		if err := run.planner.SetUpPlanner(run.state, run.coord.IsCoordinator()); err != nil {
			return LocalPlan{}, err
		}
		if err := run.writer.SetUpStorageWriter(run.coord.IsCoordinator()); err != nil {
			return LocalPlan{}, err
		}
		plan, err := run.planner.CreateLocalPlan()
		if err != nil {
			return LocalPlan{}, err
		}
		plan.Rank = run.coord.Rank()
		plan, err = run.writer.PrepareLocalPlan(plan)
		if err != nil {
			return LocalPlan{}, err
		}
		if err := run.advance(ctx, eventPlanLocal); err != nil {
			return LocalPlan{}, err
		}
		return plan, nil
	}

	globalStep := func(plans []LocalPlan) ([]LocalPlan, *Metadata, error) {
		global, meta, err := run.planner.CreateGlobalPlan(plans)
		if err != nil {
			return nil, nil, err
		}
		meta.CheckpointID = run.checkpointID
		meta.RunID = run.id
		meta.CreatedAt = time.Now().UTC()
		global, err = run.writer.PrepareGlobalPlan(global)
		if err != nil {
			return nil, nil, err
		}
		return []LocalPlan(global), meta, nil
	}

	start := time.Now()
	assigned, meta, err := ReduceScatter(ctx, run.coord, tagPlan, localStep, globalStep)
	s.observeCollective(run.coord.Rank(), tagPlan, start, err)
	if err != nil {
		spanRecordError(span, err)
		spanCollectiveAttrs(span, err)
		return err
	}
	run.globalMeta = meta

	final, err := run.planner.FinishPlan(assigned)
	if err != nil {
		err = fmt.Errorf("checkpoint: finish plan: %w", err)
		spanRecordError(span, err)
		return err
	}
	run.assignedPlan = final
	return run.advance(ctx, eventPlanGlobal)
}

// writePhase runs the "write" collective: every rank executes its assigned
// plan, the coordinator finalizes the checkpoint from the combined results,
// and everyone receives the identical final metadata.
func (s *Saver) writePhase(ctx context.Context, run *saveRun) (*Metadata, error) {
	ctx, span := s.startSpan(ctx, "checkpoint.write", attribute.String("checkpoint.run_id", run.id))
	defer span.End()

	writeStep := func() ([]WriteResult, error) {
		handle, err := run.writer.WriteData(ctx, run.assignedPlan, run.planner)
		if err != nil {
			return nil, err
		}
		results, err := handle.Wait(ctx)
		if err != nil {
			return nil, err
		}
		var written int64
		for _, res := range results {
			written += res.SizeInBytes
		}
		s.metrics.ObserveWriteBytes(run.coord.Rank(), written)
		s.metrics.ObserveWriteItems(run.coord.Rank(), len(results))
		if err := run.advance(ctx, eventWrite); err != nil {
			return nil, err
		}
		return results, nil
	}

	finishStep := func(all [][]WriteResult) (*Metadata, error) {
		if run.globalMeta == nil {
			return nil, fmt.Errorf("checkpoint: run %s: no global metadata on the coordinator", run.id)
		}
		if err := run.writer.Finish(ctx, run.globalMeta, all); err != nil {
			return nil, fmt.Errorf("checkpoint: finish checkpoint: %w", err)
		}
		return run.globalMeta, nil
	}

	start := time.Now()
	meta, err := AllReduce(ctx, run.coord, tagWrite, writeStep, finishStep)
	s.observeCollective(run.coord.Rank(), tagWrite, start, err)
	if err != nil {
		spanRecordError(span, err)
		spanCollectiveAttrs(span, err)
		return nil, err
	}
	if err := run.advance(ctx, eventFinalize); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Saver) observeCollective(rank int, tag string, start time.Time, err error) {
	s.metrics.ObserveCollectiveDuration(rank, tag, time.Since(start))
	var ce *CollectiveError
	if errors.As(err, &ce) {
		s.metrics.IncCollectiveAbort(rank, tag)
	}
}

var defaultSaver = sync.OnceValue(func() *Saver {
	return &Saver{logger: slog.Default(), tracer: otel.Tracer("checkpoint"), metrics: noopMetrics{}}
})

// Save runs a synchronous save with a default Saver wired to slog.Default
// and the global tracer provider.
func Save(ctx context.Context, state State, req SaveRequest) (*Metadata, error) {
	return defaultSaver().Save(ctx, state, req)
}

// AsyncSave runs an asynchronous save with the same defaults as Save.
func AsyncSave(ctx context.Context, state State, req SaveRequest) (*Handle, error) {
	return defaultSaver().AsyncSave(ctx, state, req)
}
