package load

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"infermeter/internal/schedule"
	"infermeter/internal/stats"
)

// RampStage is one warm-up step applied before a rate level settles, used to
// prime caches and connections.
type RampStage struct {
	Rate     float64
	Duration time.Duration
}

// RateOptions extends Options for open-loop pools.
type RateOptions struct {
	Options
	// Workers is the fixed pool size sharing the aggregate schedule.
	Workers int
	// Distribution shapes the aggregate inter-arrival gaps.
	Distribution schedule.Distribution
	// Ramp stages run, in order, before each new target rate settles.
	Ramp []RampStage
	// Seed makes Poisson draws reproducible; zero derives one from time.
	Seed int64
}

// RateManager drives open-loop load: workers issue requests at scheduled
// instants regardless of prior completions, with per-worker schedules whose
// combined issuance matches the aggregate target. A pool-wide outstanding
// cap stops queuing from growing without bound when the endpoint falls
// behind.
type RateManager struct {
	pool
	poolSize     int
	perWorkerOut int
	dist         schedule.Distribution
	ramp         []RampStage
	seed         int64
}

func NewRateManager(opts RateOptions) (*RateManager, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	perWorker := opts.MaxOutstanding / opts.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	for i, stage := range opts.Ramp {
		if stage.Rate <= 0 || stage.Duration <= 0 {
			return nil, fmt.Errorf("ramp stage %d needs positive rate and duration", i)
		}
	}
	return &RateManager{
		pool:         newPool(opts.Options),
		poolSize:     opts.Workers,
		perWorkerOut: perWorker,
		dist:         opts.Distribution,
		ramp:         opts.Ramp,
		seed:         opts.Seed,
	}, nil
}

func (m *RateManager) Initialize(ctx context.Context) error {
	_ = ctx
	return m.initBase()
}

// SetLevel walks the warm-up ramp, then programs the final target.
func (m *RateManager) SetLevel(ctx context.Context, level Level) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	if level.Kind != LevelRate {
		return fmt.Errorf("rate manager cannot drive %s", level)
	}
	if level.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %g", level.Rate)
	}

	for _, stage := range m.ramp {
		if stage.Rate >= level.Rate {
			// The ramp warms up toward the target; stages at or
			// beyond it add nothing.
			continue
		}
		if err := m.program(ctx, stage.Rate); err != nil {
			return err
		}
		if err := sleepCtx(ctx, stage.Duration); err != nil {
			return err
		}
	}
	return m.program(ctx, level.Rate)
}

// program swaps every worker onto a fresh schedule at the given aggregate
// rate, spawning the pool on first use. Workers are reconfigured only while
// parked.
func (m *RateManager) program(ctx context.Context, rate float64) error {
	gens := make([]schedule.Generator, m.poolSize)
	for i := range gens {
		var (
			g   schedule.Generator
			err error
		)
		switch m.dist {
		case schedule.DistPoisson:
			g, err = schedule.NewPoisson(rate, m.poolSize, m.seed+int64(i))
		default:
			g, err = schedule.NewConstant(rate, i, m.poolSize)
		}
		if err != nil {
			return fmt.Errorf("building worker schedule: %w", err)
		}
		gens[i] = g
	}

	if err := m.pauseAll(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	if len(m.workers) == 0 {
		paces := make([]pacing, len(gens))
		for i, g := range gens {
			paces[i] = newOpenLoop(g)
		}
		m.spawnLocked(paces, true, m.perWorkerOut)
	} else {
		for i, w := range m.workers {
			if i < len(gens) {
				w.pace = newOpenLoop(gens[i])
			}
		}
	}
	m.mu.Unlock()
	m.resumeAll(false)

	m.logger.Info("rate level set",
		zap.Float64("rate", rate),
		zap.Stringer("distribution", m.dist),
		zap.Int("workers", m.poolSize))
	return nil
}

func (m *RateManager) CheckHealth(ctx context.Context) error {
	return m.checkHealth(ctx)
}

// ResetWorkers rewinds every worker to the start of its schedule.
func (m *RateManager) ResetWorkers(ctx context.Context) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	if err := m.pauseAll(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	for _, w := range m.workers {
		w.pace.rewind()
	}
	m.mu.Unlock()
	m.resumeAll(false)
	return nil
}

func (m *RateManager) CollectAndResetStats(ctx context.Context) (stats.Delta, error) {
	return m.collectAndReset(ctx)
}

func (m *RateManager) CountCollectedRequests() int {
	return m.countCollected()
}

func (m *RateManager) ActiveWorkers() int {
	return m.activeWorkers()
}

func (m *RateManager) Stop(ctx context.Context) error {
	return m.stop(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
