package checkpoint

import "time"

// Save modes reported to metrics and logs.
const (
	saveModeSync  = "sync"
	saveModeAsync = "async"
)

// Metrics captures checkpoint-layer metric sinks used by the Saver.
type Metrics interface {
	ObserveSaveDuration(rank int, mode, result string, d time.Duration)
	ObserveCollectiveDuration(rank int, tag string, d time.Duration)
	IncCollectiveAbort(rank int, tag string)
	ObserveStageDuration(rank int, d time.Duration)
	ObserveWriteBytes(rank int, n int64)
	ObserveWriteItems(rank int, n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSaveDuration(int, string, string, time.Duration) {}
func (noopMetrics) ObserveCollectiveDuration(int, string, time.Duration)   {}
func (noopMetrics) IncCollectiveAbort(int, string)                         {}
func (noopMetrics) ObserveStageDuration(int, time.Duration)                {}
func (noopMetrics) ObserveWriteBytes(int, int64)                           {}
func (noopMetrics) ObserveWriteItems(int, int)                             {}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
