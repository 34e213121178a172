// Package app wires the checkpoint saver, the collective transport, and the
// demo training shard into a runnable participant process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/i-melnichenko/checkpoint-lab/internal/checkpoint"
	"github.com/i-melnichenko/checkpoint-lab/internal/collective"
	"github.com/i-melnichenko/checkpoint-lab/internal/shard"
	collectivegrpc "github.com/i-melnichenko/checkpoint-lab/internal/transport/grpc/collective"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// App runs a checkpoint participant: it hosts or joins the collective
// rendezvous, simulates training on its shard, and checkpoints on schedule.
// All dependencies are injected; App does not create the saver or the shard.
type App struct {
	config Config
	logger Logger
	saver  *checkpoint.Saver
	store  *shard.Store
}

// New validates dependencies and constructs a runnable application.
func New(cfg Config, logger Logger, saver *checkpoint.Saver, store *shard.Store) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if saver == nil {
		return nil, fmt.Errorf("app: nil saver")
	}
	if store == nil {
		return nil, fmt.Errorf("app: nil shard store")
	}
	return &App{config: cfg, logger: logger, saver: saver, store: store}, nil
}

// Run joins the collective, then alternates demo training steps with
// checkpoint saves until ctx is canceled or, with a zero save interval, one
// checkpoint has been written.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		return err
	}
	a.serveHTTP(metricsSrv, metricsLis, "metrics")
	defer shutdownHTTPServer(metricsSrv, a.logger, "metrics server")

	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		return err
	}
	a.serveHTTP(pprofSrv, pprofLis, "pprof")
	defer shutdownHTTPServer(pprofSrv, a.logger, "pprof server")

	stopHub, err := a.hostHub()
	if err != nil {
		return err
	}
	defer stopHub()

	group, err := a.joinGroup(ctx)
	if err != nil {
		return err
	}
	if group != nil {
		defer func() { _ = group.Close() }()
	}

	a.logger.Info(
		"participant started",
		"node_id", a.config.NodeID,
		"rank", a.config.Rank,
		"group_size", a.config.GroupSize,
		"checkpoint_dir", a.config.CheckpointDir,
		"save_mode", a.config.SaveMode,
	)

	return a.trainLoop(ctx, group)
}

// hostHub starts the rendezvous hub on rank zero of a multi-participant
// group. It returns a stop function, a no-op when no hub is hosted.
func (a *App) hostHub() (func(), error) {
	if a.config.GroupSize <= 1 || a.config.Rank != 0 {
		return func() {}, nil
	}

	hub, err := collectivegrpc.NewHub(a.config.GroupSize, nil)
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", a.config.HubListenAddr)
	if err != nil {
		hub.Close()
		return nil, fmt.Errorf("app: listen hub %s: %w", a.config.HubListenAddr, err)
	}

	srv := grpc.NewServer(grpc.ForceServerCodec(collectivegrpc.Codec()))
	collectivegrpc.RegisterHub(srv, hub)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.logger.Error("hub serve failed", "error", err)
		}
	}()

	a.logger.Info("hosting collective hub", "addr", a.config.HubListenAddr, "group_size", a.config.GroupSize)
	return func() {
		srv.GracefulStop()
		hub.Close()
	}, nil
}

// joinGroup dials the hub and waits for it to accept this member. A group of
// one runs without a collective backend and returns nil.
func (a *App) joinGroup(ctx context.Context) (collective.Group, error) {
	if a.config.GroupSize <= 1 {
		return nil, nil
	}

	group, err := collectivegrpc.Dial(
		a.config.HubAddr,
		a.config.Rank,
		a.config.GroupSize,
		nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("app: dial hub %s: %w", a.config.HubAddr, err)
	}
	if err := group.WaitReady(ctx); err != nil {
		_ = group.Close()
		return nil, fmt.Errorf("app: hub %s not ready: %w", a.config.HubAddr, err)
	}
	return group, nil
}

// trainLoop alternates training steps with checkpoints. With a zero save
// interval it checkpoints once and returns.
func (a *App) trainLoop(ctx context.Context, group collective.Group) error {
	var pending *checkpoint.Handle

	for {
		for i := 0; i < a.config.TrainSteps; i++ {
			a.store.Advance()
		}

		// One checkpoint in flight at a time: an async save must land
		// before the next one starts.
		if pending != nil {
			if _, err := pending.Wait(ctx); err != nil {
				return err
			}
			pending = nil
		}

		handle, err := a.saveCheckpoint(ctx, group)
		if err != nil {
			return err
		}
		pending = handle

		if a.config.SaveEvery == 0 {
			if pending != nil {
				_, err := pending.Wait(ctx)
				return err
			}
			return nil
		}

		select {
		case <-ctx.Done():
			if pending != nil {
				// Let an in-flight background save finish; its context is
				// detached from ctx on purpose.
				waitCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if _, err := pending.Wait(waitCtx); err != nil {
					a.logger.Warn("in-flight checkpoint failed during shutdown", "error", err)
				}
			}
			return nil
		case <-time.After(a.config.SaveEvery):
		}
	}
}

// saveCheckpoint writes one checkpoint of the shard. The synchronous mode
// returns (nil, err); the asynchronous mode returns the pending handle.
func (a *App) saveCheckpoint(ctx context.Context, group collective.Group) (*checkpoint.Handle, error) {
	dir := filepath.Join(a.config.CheckpointDir, fmt.Sprintf("step-%08d", a.store.Step()))

	writer := checkpoint.NewFileSystemWriter(dir)
	writer.Workers = a.config.WriteWorkers
	if a.config.Encoding == "zstd" {
		writer.Encoding = checkpoint.EncodingZstd
	}

	req := checkpoint.SaveRequest{
		CheckpointID: dir,
		Writer:       writer,
		Group:        group,
	}
	state := checkpoint.State{"trainer": a.store}

	if a.config.SaveMode == SaveModeAsync {
		handle, err := a.saver.AsyncSave(ctx, state, req)
		if err != nil {
			return nil, err
		}
		a.logger.Info("checkpoint submitted", "dir", dir, "step", a.store.Step())
		return handle, nil
	}

	meta, err := a.saver.Save(ctx, state, req)
	if err != nil {
		return nil, err
	}
	a.logger.Info("checkpoint written", "dir", dir, "step", a.store.Step(), "items", len(meta.Index))
	return nil, nil
}

// serveHTTP runs srv on lis in the background. Both may be nil when the
// corresponding endpoint is disabled.
func (a *App) serveHTTP(srv *http.Server, lis net.Listener, name string) {
	if srv == nil || lis == nil {
		return
	}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error(name+" serve failed", "error", err)
		}
	}()
}
