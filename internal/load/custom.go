package load

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"infermeter/internal/schedule"
	"infermeter/internal/stats"
)

// CustomOptions extends Options with the fixed schedule to replay.
type CustomOptions struct {
	Options
	// Intervals is the aggregate gap list, replayed cyclically and
	// exactly as given, irregular gaps included.
	Intervals []time.Duration
	// Workers shares the schedule across a pool; 1 replays it on a
	// single worker.
	Workers int
}

// CustomManager replays a fixed externally supplied schedule. The load level
// is decided by the schedule at construction: the first SetLevel starts the
// pool and every later call is a no-op, so callers sweep over something
// other than intensity (typically repeated runs).
type CustomManager struct {
	pool
	gaps         []time.Duration
	poolSize     int
	perWorkerOut int
	started      bool
}

func NewCustomManager(opts CustomOptions) (*CustomManager, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	if len(opts.Intervals) == 0 {
		return nil, fmt.Errorf("custom load manager needs a non-empty interval schedule")
	}
	for i, g := range opts.Intervals {
		if g < 0 {
			return nil, fmt.Errorf("custom schedule interval %d is negative (%s)", i, g)
		}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	perWorker := opts.MaxOutstanding / opts.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	return &CustomManager{
		pool:         newPool(opts.Options),
		gaps:         opts.Intervals,
		poolSize:     opts.Workers,
		perWorkerOut: perWorker,
	}, nil
}

func (m *CustomManager) Initialize(ctx context.Context) error {
	_ = ctx
	return m.initBase()
}

// SetLevel starts the replay on first call; the schedule itself never
// changes afterwards.
func (m *CustomManager) SetLevel(ctx context.Context, level Level) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	if level.Kind != LevelSchedule {
		return fmt.Errorf("custom load manager cannot drive %s", level)
	}
	_ = ctx

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	paces := make([]pacing, m.poolSize)
	for i := range paces {
		gen, err := schedule.NewIntervals(m.gaps, i, m.poolSize)
		if err != nil {
			return fmt.Errorf("building replay schedule: %w", err)
		}
		paces[i] = newOpenLoop(gen)
	}
	m.spawnLocked(paces, true, m.perWorkerOut)
	m.started = true
	m.logger.Info("custom schedule started",
		zap.Int("intervals", len(m.gaps)),
		zap.Int("workers", m.poolSize))
	return nil
}

func (m *CustomManager) CheckHealth(ctx context.Context) error {
	return m.checkHealth(ctx)
}

// ResetWorkers rewinds the replay to the top of the schedule.
func (m *CustomManager) ResetWorkers(ctx context.Context) error {
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

func (m *CustomManager) CollectAndResetStats(ctx context.Context) (stats.Delta, error) {
	return m.collectAndReset(ctx)
}

func (m *CustomManager) CountCollectedRequests() int {
	return m.countCollected()
}

func (m *CustomManager) ActiveWorkers() int {
	return m.activeWorkers()
}

func (m *CustomManager) Stop(ctx context.Context) error {
	return m.stop(ctx)
}
