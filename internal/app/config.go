package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SaveMode selects how the node runs its checkpoints.
type SaveMode string

// Supported save modes.
const (
	SaveModeSync  SaveMode = "sync"
	SaveModeAsync SaveMode = "async"
)

// Config contains runtime settings for a participant process.
type Config struct {
	NodeID   string
	LogLevel string

	// Rank and GroupSize describe this participant's place in the collective.
	// GroupSize of one runs without any communication backend.
	Rank      int
	GroupSize int

	// HubListenAddr is where rank zero hosts the rendezvous hub.
	// HubAddr is where every rank, rank zero included, dials it.
	HubListenAddr string
	HubAddr       string

	// CheckpointDir is the shared directory checkpoints are written to.
	// Each save targets the subdirectory named by its step counter.
	CheckpointDir string

	SaveMode SaveMode
	// SaveEvery is the simulated-training interval between checkpoints.
	// Zero saves exactly once and exits.
	SaveEvery time.Duration
	// TrainSteps is how many demo training steps run between checkpoints.
	TrainSteps int

	// WriteWorkers caps per-rank parallel data files, Encoding their payload
	// encoding (raw or zstd).
	WriteWorkers int
	Encoding     string

	MetricsAddr string
	PprofAddr   string

	TracingEnabled     bool
	TracingEndpoint    string
	TracingServiceName string
}

// DefaultConfig returns a local-development single-participant configuration.
func DefaultConfig() Config {
	return Config{
		NodeID:             "rank-0",
		LogLevel:           "info",
		Rank:               0,
		GroupSize:          1,
		CheckpointDir:      "./var/checkpoints",
		SaveMode:           SaveModeSync,
		TrainSteps:         10,
		WriteWorkers:       1,
		Encoding:           "raw",
		TracingServiceName: "checkpoint-lab",
	}
}

// LoadConfigFromEnv loads config from environment variables.
//
// Supported vars:
// - APP_NODE_ID
// - APP_LOG_LEVEL (debug|info|warn|error)
// - APP_RANK, APP_GROUP_SIZE
// - APP_HUB_LISTEN_ADDR (rank 0 only), APP_HUB_ADDR
// - APP_CHECKPOINT_DIR
// - APP_SAVE_MODE (sync|async), APP_SAVE_EVERY (duration, 0 = save once)
// - APP_TRAIN_STEPS
// - APP_WRITE_WORKERS, APP_ENCODING (raw|zstd)
// - APP_METRICS_ADDR, APP_PPROF_ADDR
// - APP_TRACING_ENABLED, APP_TRACING_ENDPOINT, APP_TRACING_SERVICE_NAME
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("APP_NODE_ID")); v != "" {
		cfg.NodeID = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_RANK")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_RANK %q: %w", v, err)
		}
		cfg.Rank = n
		if os.Getenv("APP_NODE_ID") == "" {
			cfg.NodeID = fmt.Sprintf("rank-%d", n)
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_GROUP_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_GROUP_SIZE %q: %w", v, err)
		}
		cfg.GroupSize = n
	}
	if v := strings.TrimSpace(os.Getenv("APP_HUB_LISTEN_ADDR")); v != "" {
		cfg.HubListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_HUB_ADDR")); v != "" {
		cfg.HubAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_CHECKPOINT_DIR")); v != "" {
		cfg.CheckpointDir = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SAVE_MODE")); v != "" {
		cfg.SaveMode = SaveMode(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("APP_SAVE_EVERY")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_SAVE_EVERY %q: %w", v, err)
		}
		cfg.SaveEvery = d
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRAIN_STEPS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_TRAIN_STEPS %q: %w", v, err)
		}
		cfg.TrainSteps = n
	}
	if v := strings.TrimSpace(os.Getenv("APP_WRITE_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_WRITE_WORKERS %q: %w", v, err)
		}
		cfg.WriteWorkers = n
	}
	if v := strings.TrimSpace(os.Getenv("APP_ENCODING")); v != "" {
		cfg.Encoding = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_METRICS_ADDR")); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_PPROF_ADDR")); v != "" {
		cfg.PprofAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_TRACING_ENABLED %q: %w", v, err)
		}
		cfg.TracingEnabled = b
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_ENDPOINT")); v != "" {
		cfg.TracingEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_SERVICE_NAME")); v != "" {
		cfg.TracingServiceName = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and supported.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("app: node id is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if c.GroupSize < 1 {
		return fmt.Errorf("app: group size %d, want at least 1", c.GroupSize)
	}
	if c.Rank < 0 || c.Rank >= c.GroupSize {
		return fmt.Errorf("app: rank %d out of range for group size %d", c.Rank, c.GroupSize)
	}
	if c.GroupSize > 1 {
		if strings.TrimSpace(c.HubAddr) == "" {
			return fmt.Errorf("app: hub addr is required for group size %d", c.GroupSize)
		}
		if c.Rank == 0 && strings.TrimSpace(c.HubListenAddr) == "" {
			return fmt.Errorf("app: hub listen addr is required on rank 0")
		}
	}
	if strings.TrimSpace(c.CheckpointDir) == "" {
		return fmt.Errorf("app: checkpoint dir is required")
	}
	switch c.SaveMode {
	case SaveModeSync, SaveModeAsync:
	default:
		return fmt.Errorf("app: unsupported save mode %q", c.SaveMode)
	}
	if c.SaveEvery < 0 {
		return fmt.Errorf("app: negative save interval %s", c.SaveEvery)
	}
	if c.TrainSteps < 1 {
		return fmt.Errorf("app: train steps %d, want at least 1", c.TrainSteps)
	}
	switch c.Encoding {
	case "raw", "zstd":
	default:
		return fmt.Errorf("app: unsupported encoding %q", c.Encoding)
	}
	return nil
}
