package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infermeter/internal/load"
	"infermeter/internal/stats"
)

// fakeManager scripts pool behavior per collect call so stability decisions
// are deterministic.
type fakeManager struct {
	mu       sync.Mutex
	initErr  error
	inited   bool
	stopped  bool
	level    load.Level
	levels   []load.Level
	collects int
	healthFn func(level load.Level) error
	deltaFn  func(collect int) stats.Delta
}

func (f *fakeManager) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.inited = true
	return nil
}

func (f *fakeManager) SetLevel(ctx context.Context, lvl load.Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = lvl
	f.levels = append(f.levels, lvl)
	return nil
}

func (f *fakeManager) CheckHealth(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthFn == nil {
		return nil
	}
	return f.healthFn(f.level)
}

func (f *fakeManager) ResetWorkers(ctx context.Context) error {
	return load.ErrResetUnsupported
}

func (f *fakeManager) CollectAndResetStats(ctx context.Context) (stats.Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collects++
	if f.deltaFn == nil {
		return stats.Delta{}, nil
	}
	return f.deltaFn(f.collects), nil
}

func (f *fakeManager) CountCollectedRequests() int { return 0 }
func (f *fakeManager) ActiveWorkers() int          { return 1 }

func (f *fakeManager) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeManager) collectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collects
}

func (f *fakeManager) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// windowDelta fabricates a one-second measurement window, so throughput in
// req/s equals the completed count.
func windowDelta(completed int64) stats.Delta {
	start := time.Unix(1700000000, 0)
	return stats.Delta{
		WindowStart: start,
		WindowEnd:   start.Add(time.Second),
		Completed:   completed,
	}
}

func baseOptions(m load.Manager) Options {
	return Options{
		Manager:        m,
		Levels:         []load.Level{load.ConcurrencyLevel(1)},
		WindowDuration: time.Millisecond,
		Threshold:      0.05,
		StableWindows:  3,
		MaxTrials:      10,
	}
}

func TestNew_Validation(t *testing.T) {
	m := &fakeManager{}

	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"nil manager", func(o *Options) { o.Manager = nil }},
		{"no levels", func(o *Options) { o.Levels = nil }},
		{"zero window", func(o *Options) { o.WindowDuration = 0 }},
		{"negative settle", func(o *Options) { o.SettleDelay = -time.Second }},
		{"zero threshold", func(o *Options) { o.Threshold = 0 }},
		{"threshold beyond one", func(o *Options) { o.Threshold = 1.5 }},
		{"trial budget below stable windows", func(o *Options) {
			o.StableWindows = 5
			o.MaxTrials = 2
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := baseOptions(m)
			tc.mutate(&opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}

	_, err := New(baseOptions(m))
	assert.NoError(t, err)
}

func TestProfiler_DeclaresStabilityAfterAgreeingWindows(t *testing.T) {
	m := &fakeManager{deltaFn: func(int) stats.Delta { return windowDelta(100) }}
	p, err := New(baseOptions(m))
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.True(t, res.Stable)
	assert.Equal(t, 3, res.Trials, "three identical windows satisfy a streak of three")
	assert.InDelta(t, 100, res.Window.Throughput, 0.001)
	assert.True(t, res.Server.Missing, "no poller means no server metrics")

	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
	assert.Equal(t, 4, m.collectCount(), "one discarded settle window plus three trials")
	assert.True(t, m.wasStopped(), "the pool is torn down after the sweep")
}

func TestProfiler_KeepsLastWindowWhenBudgetExhausted(t *testing.T) {
	// Throughput alternates 100/150: consecutive windows never agree.
	m := &fakeManager{deltaFn: func(n int) stats.Delta {
		if n%2 == 0 {
			return windowDelta(100)
		}
		return windowDelta(150)
	}}
	opts := baseOptions(m)
	opts.MaxTrials = 4
	p, err := New(opts)
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.NoError(t, err, "an unstable level is reported, not fatal")
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.False(t, res.Stable)
	assert.Equal(t, 4, res.Trials)
	assert.Equal(t, 5, m.collectCount())
}

func TestProfiler_HealthFailureAbortsSweep(t *testing.T) {
	probeErr := errors.New("connection refused")
	m := &fakeManager{
		deltaFn: func(int) stats.Delta { return windowDelta(100) },
		healthFn: func(lvl load.Level) error {
			if lvl.Concurrency == 2 {
				return &load.HealthError{Reason: "endpoint unreachable", Err: probeErr}
			}
			return nil
		},
	}
	opts := baseOptions(m)
	opts.Levels = []load.Level{
		load.ConcurrencyLevel(1),
		load.ConcurrencyLevel(2),
		load.ConcurrencyLevel(4),
	}
	p, err := New(opts)
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	var sweepErr *SweepError
	require.ErrorAs(t, err, &sweepErr)
	assert.Equal(t, 2, sweepErr.Level.Concurrency, "the error names the level under measurement")
	assert.ErrorIs(t, err, probeErr)

	require.Len(t, report.Results, 1, "levels completed before the failure are kept")
	assert.Equal(t, 1, report.Results[0].Level.Concurrency)
	assert.True(t, m.wasStopped())
}

func TestProfiler_EmitsProgressUpdates(t *testing.T) {
	m := &fakeManager{deltaFn: func(int) stats.Delta { return windowDelta(100) }}
	updates := make(chan Update, 64)
	opts := baseOptions(m)
	opts.StableWindows = 2
	opts.Updates = updates
	p, err := New(opts)
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.NoError(t, err)
	close(updates)

	var events []Update
	for u := range updates {
		events = append(events, u)
	}
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.True(t, last.Done)
	assert.True(t, last.Stable)
	for i, u := range events[:len(events)-1] {
		assert.Equal(t, i+1, u.Trial)
		assert.Equal(t, load.LevelConcurrency, u.Level.Kind)
	}
}

func TestProfiler_CancellationPassesThrough(t *testing.T) {
	m := &fakeManager{deltaFn: func(int) stats.Delta { return windowDelta(100) }}
	opts := baseOptions(m)
	opts.WindowDuration = time.Hour
	p, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	report, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	var sweepErr *SweepError
	assert.False(t, errors.As(err, &sweepErr), "user cancellation is not a sweep failure")
	assert.Empty(t, report.Results)
	assert.True(t, m.wasStopped())
}

func TestProfiler_InitializeFailureReturnsEarly(t *testing.T) {
	m := &fakeManager{initErr: errors.New("no slots")}
	p, err := New(baseOptions(m))
	require.NoError(t, err)

	report, err := p.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, report)
	assert.NotEmpty(t, report.RunID)
	assert.Empty(t, report.Results)
}
