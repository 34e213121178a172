// Package metrics exposes checkpoint metrics through Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements internal/checkpoint.Metrics through method set
// compatibility, without importing that package.
type Prometheus struct {
	saveDuration         *prometheus.HistogramVec
	collectiveDuration   *prometheus.HistogramVec
	collectiveAbortTotal *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	writeBytes           *prometheus.HistogramVec
	writeItems           *prometheus.HistogramVec
}

// NewPrometheus builds and registers the checkpoint metric families. A nil
// registerer means the default one. Re-registration on the same registerer
// reuses the existing collectors, so multiple Savers can share one process.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		saveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "checkpointlab",
				Subsystem: "save",
				Name:      "duration_seconds",
				Help:      "End-to-end duration of one checkpoint save on this rank.",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"rank", "mode", "result"},
		),
		collectiveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "checkpointlab",
				Subsystem: "collective",
				Name:      "duration_seconds",
				Help:      "Duration of one collective phase, including the blocked wait for peers.",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"rank", "tag"},
		),
		collectiveAbortTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "checkpointlab",
				Subsystem: "collective",
				Name:      "abort_total",
				Help:      "Collective operations that ended in a cross-rank abort.",
			},
			[]string{"rank", "tag"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "checkpointlab",
				Subsystem: "stage",
				Name:      "duration_seconds",
				Help:      "Duration of the staging copy performed on the caller's goroutine.",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"rank"},
		),
		writeBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "checkpointlab",
				Subsystem: "write",
				Name:      "bytes",
				Help:      "Bytes persisted by this rank in one save.",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 12),
			},
			[]string{"rank"},
		),
		writeItems: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "checkpointlab",
				Subsystem: "write",
				Name:      "items",
				Help:      "Items persisted by this rank in one save.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"rank"},
		),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	if err := registerOrReuseHistogramVec(reg, &m.saveDuration); err != nil {
		return fmt.Errorf("register save duration histogram: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.collectiveDuration); err != nil {
		return fmt.Errorf("register collective duration histogram: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.collectiveAbortTotal); err != nil {
		return fmt.Errorf("register collective abort counter: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.stageDuration); err != nil {
		return fmt.Errorf("register stage duration histogram: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.writeBytes); err != nil {
		return fmt.Errorf("register write bytes histogram: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.writeItems); err != nil {
		return fmt.Errorf("register write items histogram: %w", err)
	}
	return nil
}

func registerOrReuseHistogramVec(reg prometheus.Registerer, c **prometheus.HistogramVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseCounterVec(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func (m *Prometheus) ObserveSaveDuration(rank int, mode, result string, d time.Duration) {
	m.saveDuration.WithLabelValues(rankString(rank), mode, result).Observe(d.Seconds())
}

func (m *Prometheus) ObserveCollectiveDuration(rank int, tag string, d time.Duration) {
	m.collectiveDuration.WithLabelValues(rankString(rank), tag).Observe(d.Seconds())
}

func (m *Prometheus) IncCollectiveAbort(rank int, tag string) {
	m.collectiveAbortTotal.WithLabelValues(rankString(rank), tag).Inc()
}

func (m *Prometheus) ObserveStageDuration(rank int, d time.Duration) {
	m.stageDuration.WithLabelValues(rankString(rank)).Observe(d.Seconds())
}

func (m *Prometheus) ObserveWriteBytes(rank int, n int64) {
	if n < 0 {
		n = 0
	}
	m.writeBytes.WithLabelValues(rankString(rank)).Observe(float64(n))
}

func (m *Prometheus) ObserveWriteItems(rank int, n int) {
	if n < 0 {
		n = 0
	}
	m.writeItems.WithLabelValues(rankString(rank)).Observe(float64(n))
}

func rankString(rank int) string {
	return strconv.Itoa(rank)
}
