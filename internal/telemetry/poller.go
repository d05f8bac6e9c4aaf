// Package telemetry samples server-side utilization alongside a run. The
// poller is deliberately decoupled from the request workers: it runs on its
// own goroutine and interval, and a failed sample is missing data for the
// window, never a run failure.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Snapshot is one utilization sample.
type Snapshot struct {
	At          time.Time
	Utilization float64 // 0..1 across the server's compute units
	MemoryBytes float64
	PowerWatts  float64
	// Raw carries every extracted metric by family name.
	Raw map[string]float64
}

// Source is the collaborator the poller samples.
type Source interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// WindowSample aggregates the snapshots that landed inside one measurement
// window.
type WindowSample struct {
	Samples int
	Misses  int
	// Missing marks a window with no usable samples at all.
	Missing bool

	AvgUtilization float64
	MaxUtilization float64
	MaxMemoryBytes float64
	AvgPowerWatts  float64
}

type entry struct {
	at   time.Time
	snap Snapshot
	ok   bool
}

// Poller samples a Source on a fixed interval.
type Poller struct {
	source   Source
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	entries []entry
}

// retainFor bounds the sample buffer; windows are always far shorter.
const retainFor = 15 * time.Minute

func NewPoller(source Source, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{source: source, interval: interval, logger: logger}
}

// Run samples until the context ends. It always returns nil on cancellation
// so it composes cleanly inside an errgroup next to the sweep.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sampleCtx, cancel := context.WithTimeout(ctx, p.interval)
			snap, err := p.source.Sample(sampleCtx)
			cancel()
			p.append(snap, err)
		}
	}
}

func (p *Poller) append(snap Snapshot, err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.logger.Warn("metrics sample failed", zap.Error(err))
		p.entries = append(p.entries, entry{at: time.Now(), ok: false})
	} else {
		if snap.At.IsZero() {
			snap.At = time.Now()
		}
		p.entries = append(p.entries, entry{at: snap.At, snap: snap, ok: true})
	}
	p.pruneLocked()
}

func (p *Poller) pruneLocked() {
	cutoff := time.Now().Add(-retainFor)
	i := 0
	for i < len(p.entries) && p.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.entries = append(p.entries[:0], p.entries[i:]...)
	}
}

// WindowSample aggregates the samples inside [start, end].
func (p *Poller) WindowSample(start, end time.Time) WindowSample {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ws WindowSample
	var utilSum, powerSum float64
	for _, e := range p.entries {
		if e.at.Before(start) || e.at.After(end) {
			continue
		}
		if !e.ok {
			ws.Misses++
			continue
		}
		ws.Samples++
		utilSum += e.snap.Utilization
		powerSum += e.snap.PowerWatts
		if e.snap.Utilization > ws.MaxUtilization {
			ws.MaxUtilization = e.snap.Utilization
		}
		if e.snap.MemoryBytes > ws.MaxMemoryBytes {
			ws.MaxMemoryBytes = e.snap.MemoryBytes
		}
	}
	if ws.Samples == 0 {
		ws.Missing = true
		return ws
	}
	ws.AvgUtilization = utilSum / float64(ws.Samples)
	ws.AvgPowerWatts = powerSum / float64(ws.Samples)
	return ws
}

// Latest returns the most recent good snapshot, if any.
func (p *Poller) Latest() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.entries) - 1; i >= 0; i-- {
		if p.entries[i].ok {
			return p.entries[i].snap, true
		}
	}
	return Snapshot{}, false
}
