package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Latency histograms cover 1us to 10min at 3 significant figures. Values are
// recorded in microseconds.
const (
	histMin     = int64(1)
	histMax     = int64(10 * time.Minute / time.Microsecond)
	histSigFigs = 3
)

// NewLatencyHistogram returns an unsynchronized histogram for single-owner
// use (per-window summaries, merged deltas).
func NewLatencyHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(histMin, histMax, histSigFigs)
}

// SafeHistogram is a mutex-guarded latency histogram for recorders that are
// hit from multiple goroutines at once, such as the mock server's handlers.
type SafeHistogram struct {
	hist *hdrhistogram.Histogram
	mu   sync.Mutex
}

func NewSafeHistogram() *SafeHistogram {
	return &SafeHistogram{hist: NewLatencyHistogram()}
}

// RecordDuration records a latency sample.
func (h *SafeHistogram) RecordDuration(d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.RecordValue(d.Microseconds())
}

// ValueAtQuantile returns the latency at quantile q (0-100) as a duration.
func (h *SafeHistogram) ValueAtQuantile(q float64) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Duration(h.hist.ValueAtQuantile(q)) * time.Microsecond
}

func (h *SafeHistogram) Mean() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Duration(h.hist.Mean()) * time.Microsecond
}

func (h *SafeHistogram) Max() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Duration(h.hist.Max()) * time.Microsecond
}

func (h *SafeHistogram) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}

func (h *SafeHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hist.Reset()
}
