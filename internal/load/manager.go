// Package load owns the worker pools that drive traffic at a target
// intensity. A Manager spawns, pauses, resumes, and retires workers in
// lockstep, and hands measurement deltas to the profiler without racing the
// live writers.
package load

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"infermeter/internal/sequence"
	"infermeter/internal/stats"
	"infermeter/internal/transport"
	"infermeter/internal/workload"
)

// ErrResetUnsupported is returned by pools that have no schedule to rewind.
var ErrResetUnsupported = errors.New("resetting workers is not supported by this load manager")

// HealthError is a fatal pool condition: a dead worker, an unreachable
// endpoint, or sequence slot starvation. It aborts the sweep.
type HealthError struct {
	Reason string
	Err    error
}

func (e *HealthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("health check failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("health check failed: %s", e.Reason)
}

func (e *HealthError) Unwrap() error { return e.Err }

// LevelKind tags the intensity dimension a Level describes.
type LevelKind int

const (
	// LevelConcurrency drives a fixed count of closed-loop workers.
	LevelConcurrency LevelKind = iota
	// LevelRate drives an open-loop aggregate request rate.
	LevelRate
	// LevelSchedule replays a fixed externally supplied schedule.
	LevelSchedule
)

func (k LevelKind) String() string {
	switch k {
	case LevelConcurrency:
		return "concurrency"
	case LevelRate:
		return "rate"
	case LevelSchedule:
		return "schedule"
	default:
		return "unknown"
	}
}

// Level is one load intensity. It is immutable; the manager transitions the
// live pool toward it.
type Level struct {
	Kind        LevelKind
	Concurrency int
	Rate        float64
}

func ConcurrencyLevel(n int) Level { return Level{Kind: LevelConcurrency, Concurrency: n} }
func RateLevel(r float64) Level    { return Level{Kind: LevelRate, Rate: r} }
func ScheduleLevel() Level         { return Level{Kind: LevelSchedule} }

func (l Level) String() string {
	switch l.Kind {
	case LevelConcurrency:
		return fmt.Sprintf("concurrency %d", l.Concurrency)
	case LevelRate:
		return fmt.Sprintf("rate %g req/s", l.Rate)
	case LevelSchedule:
		return "custom schedule"
	default:
		return "unknown level"
	}
}

// Value is the numeric form used in reports: the worker count or the target
// rate; zero for custom schedules.
func (l Level) Value() float64 {
	switch l.Kind {
	case LevelConcurrency:
		return float64(l.Concurrency)
	case LevelRate:
		return l.Rate
	default:
		return 0
	}
}

// Manager is the uniform control surface over a worker pool.
type Manager interface {
	// Initialize validates the input configuration and prepares payload
	// generation and sequence tracking. Must be called exactly once
	// before SetLevel.
	Initialize(ctx context.Context) error
	// SetLevel transitions the live pool toward the target intensity,
	// quiescing in-flight work first so nothing is counted at the wrong
	// level.
	SetLevel(ctx context.Context, level Level) error
	// CheckHealth fails with a *HealthError when a worker died, the
	// sequence pool starved, or the endpoint stopped answering its
	// health probe.
	CheckHealth(ctx context.Context) error
	// ResetWorkers rewinds schedule-driven pools to the start of their
	// schedules; pools without one return ErrResetUnsupported.
	ResetWorkers(ctx context.Context) error
	// CollectAndResetStats pauses the pool in lockstep, moves every
	// worker's accumulated records into one delta, zeroes the
	// accumulators, and resumes. The delta carries its own window bounds
	// so callers never bill pause gaps to a measurement.
	CollectAndResetStats(ctx context.Context) (stats.Delta, error)
	// CountCollectedRequests reports how many records the pool has
	// accumulated since the last collection.
	CountCollectedRequests() int
	// ActiveWorkers reports the live worker count.
	ActiveWorkers() int
	// Stop tears the pool down cooperatively: workers finish or abandon
	// their in-flight request and exit.
	Stop(ctx context.Context) error
}

// Options is the shared wiring for the concrete managers.
type Options struct {
	Client transport.Client
	Spec   *workload.ModelSpec
	Logger *zap.Logger

	// RequestTimeout bounds each request; expiry is a recorded timeout,
	// not a pool failure.
	RequestTimeout time.Duration
	// MaxOutstanding caps the pool's open-loop in-flight requests.
	MaxOutstanding int
	// StarvationWait bounds sequence slot allocation.
	StarvationWait time.Duration
}

func (o *Options) fill() error {
	if o.Client == nil {
		return errors.New("load manager needs a transport client")
	}
	if o.Spec == nil {
		return errors.New("load manager needs a model spec")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxOutstanding <= 0 {
		o.MaxOutstanding = 64
	}
	if o.StarvationWait <= 0 {
		o.StarvationWait = 10 * o.RequestTimeout
	}
	return nil
}

// pool is the worker-pool machinery shared by the concrete managers.
type pool struct {
	logger *zap.Logger
	client transport.Client
	spec   *workload.ModelSpec
	gen    *workload.Generator
	seqs   *sequence.Tracker
	gate   *gate

	timeout        time.Duration
	maxOutstanding int
	starvationWait time.Duration

	mu             sync.Mutex
	workers        []*worker
	nextID         int
	orphan         stats.Delta
	windowMark     time.Time
	pausedInWindow time.Duration
	lastPauseEnd   time.Time
	runCtx         context.Context
	cancel         context.CancelFunc
	initialized    bool
	stopped        bool
}

func newPool(opts Options) pool {
	return pool{
		logger:         opts.Logger,
		client:         opts.Client,
		spec:           opts.Spec,
		gate:           newGate(),
		timeout:        opts.RequestTimeout,
		maxOutstanding: opts.MaxOutstanding,
		starvationWait: opts.StarvationWait,
	}
}

// initBase performs the one-time setup every manager shares: payload
// generation and, for stateful models, the sequence tracker.
func (p *pool) initBase() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return errors.New("load manager initialized twice")
	}
	gen, err := workload.NewGenerator(p.spec)
	if err != nil {
		return fmt.Errorf("preparing payloads: %w", err)
	}
	p.gen = gen
	if p.spec.Stateful {
		seqs, err := sequence.NewTracker(sequence.Options{
			StartID:        p.spec.Sequence.StartID,
			Count:          p.spec.Sequence.Range,
			BaseLength:     p.spec.Sequence.Length,
			LengthJitter:   p.spec.Sequence.LengthJitter,
			StarvationWait: p.starvationWait,
		})
		if err != nil {
			return fmt.Errorf("preparing sequence tracking: %w", err)
		}
		p.seqs = seqs
	}
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	p.windowMark = time.Now()
	p.initialized = true
	return nil
}

func (p *pool) requireInit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return errors.New("load manager not initialized")
	}
	if p.stopped {
		return errors.New("load manager already stopped")
	}
	return nil
}

func (p *pool) workerConfig(async bool, perWorkerOutstanding int) workerConfig {
	return workerConfig{
		client:         p.client,
		gen:            p.gen,
		spec:           p.spec,
		seqs:           p.seqs,
		gate:           p.gate,
		logger:         p.logger,
		timeout:        p.timeout,
		async:          async,
		maxOutstanding: perWorkerOutstanding,
	}
}

// liveLocked counts workers whose goroutines are still running.
func (p *pool) liveLocked() int {
	n := 0
	for _, w := range p.workers {
		if !w.exited() {
			n++
		}
	}
	return n
}

// pauseAll quiesces the pool: when it returns nil, every live worker is
// parked with no outstanding request. Callers must resume.
func (p *pool) pauseAll(ctx context.Context) error {
	p.mu.Lock()
	done := p.gate.pause(p.liveLocked())
	p.mu.Unlock()

	select {
	case <-done:
		p.mu.Lock()
		p.lastPauseEnd = time.Now()
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		p.gate.resumeAll()
		return fmt.Errorf("quiescing workers: %w", ctx.Err())
	}
}

// resumeAll releases the pool. newWindow restarts measurement accounting;
// otherwise the pause gap is accumulated so it can be excluded from the
// current window's duration.
func (p *pool) resumeAll(newWindow bool) {
	p.mu.Lock()
	now := time.Now()
	if newWindow {
		p.windowMark = now
		p.pausedInWindow = 0
	} else if !p.lastPauseEnd.IsZero() {
		p.pausedInWindow += now.Sub(p.lastPauseEnd)
	}
	p.lastPauseEnd = time.Time{}
	p.mu.Unlock()
	p.gate.resumeAll()
}

// spawnLocked adds workers running the given pacing policies. Callers hold
// p.mu; new workers park immediately if a pause is in force.
func (p *pool) spawnLocked(paces []pacing, async bool, perWorkerOutstanding int) {
	for _, pc := range paces {
		w := newWorker(p.nextID, pc, p.workerConfig(async, perWorkerOutstanding))
		p.nextID++
		p.workers = append(p.workers, w)
		go w.run(p.runCtx)
	}
}

// retireLocked marks the tail n workers for retirement, folding their
// uncollected records into the orphan delta so nothing recorded before the
// level change is lost. The pool must be quiesced.
func (p *pool) retireLocked(n int) []*worker {
	var retired []*worker
	for n > 0 && len(p.workers) > 0 {
		w := p.workers[len(p.workers)-1]
		p.workers = p.workers[:len(p.workers)-1]
		w.retire.Store(true)
		p.orphan.Merge(w.takeDelta())
		retired = append(retired, w)
		n--
	}
	return retired
}

// awaitExit waits for retired or stopping workers to finish.
func (p *pool) awaitExit(ctx context.Context, ws []*worker) error {
	for _, w := range ws {
		select {
		case <-w.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for workers to exit: %w", ctx.Err())
		}
	}
	return nil
}

// collectAndReset is the synchronized pause -> copy-and-zero -> resume step.
func (p *pool) collectAndReset(ctx context.Context) (stats.Delta, error) {
	if err := p.requireInit(); err != nil {
		return stats.Delta{}, err
	}
	if err := p.pauseAll(ctx); err != nil {
		return stats.Delta{}, err
	}

	p.mu.Lock()
	delta := stats.Delta{
		WindowStart: p.windowMark,
		WindowEnd:   p.lastPauseEnd,
		Paused:      p.pausedInWindow,
	}
	delta.Merge(p.orphan)
	p.orphan = stats.Delta{}
	for _, w := range p.workers {
		delta.Merge(w.takeDelta())
	}
	p.mu.Unlock()

	p.resumeAll(true)
	return delta, nil
}

// countCollected sums records accumulated since the last collection. Worker
// counters are atomic, so this is safe against live writers.
func (p *pool) countCollected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := int(p.orphan.Completed + p.orphan.Errored)
	for _, w := range p.workers {
		n += int(w.recorded.Load())
	}
	return n
}

// checkHealth applies the fatal-condition taxonomy.
func (p *pool) checkHealth(ctx context.Context) error {
	if err := p.requireInit(); err != nil {
		return &HealthError{Reason: "load manager unusable", Err: err}
	}
	if err := p.client.CheckHealth(ctx); err != nil {
		return &HealthError{Reason: "endpoint unreachable", Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.exited() && !w.retire.Load() {
			return &HealthError{
				Reason: fmt.Sprintf("worker %d terminated unexpectedly", w.id),
				Err:    w.stat.Err,
			}
		}
	}
	if p.seqs != nil && p.seqs.Starved() {
		return &HealthError{Reason: "sequence slot pool starved", Err: sequence.ErrStarved}
	}
	return nil
}

func (p *pool) activeWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked()
}

// stop cancels every worker and waits for the pool to drain.
func (p *pool) stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.initialized || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel := p.cancel
	ws := append([]*worker(nil), p.workers...)
	p.mu.Unlock()

	cancel()
	if err := p.awaitExit(ctx, ws); err != nil {
		return err
	}
	p.logger.Debug("load manager stopped", zap.Int("workers", len(ws)))
	return nil
}
