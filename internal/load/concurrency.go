package load

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"infermeter/internal/stats"
)

// ConcurrencyManager drives closed-loop load: the level is the worker count,
// and each worker keeps exactly one request outstanding, issuing the next
// the moment the previous one completes.
type ConcurrencyManager struct {
	pool
}

func NewConcurrencyManager(opts Options) (*ConcurrencyManager, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	return &ConcurrencyManager{pool: newPool(opts)}, nil
}

func (m *ConcurrencyManager) Initialize(ctx context.Context) error {
	_ = ctx
	return m.initBase()
}

// SetLevel spawns or retires workers until exactly n run. The pool is
// quiesced around the change so a retiring worker's in-flight request can
// never be counted at the new level.
func (m *ConcurrencyManager) SetLevel(ctx context.Context, level Level) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	if level.Kind != LevelConcurrency {
		return fmt.Errorf("concurrency manager cannot drive %s", level)
	}
	n := level.Concurrency
	if n < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", n)
	}

	if err := m.pauseAll(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	cur := len(m.workers)
	var retired []*worker
	switch {
	case n > cur:
		paces := make([]pacing, n-cur)
		for i := range paces {
			paces[i] = closedLoop{}
		}
		m.spawnLocked(paces, false, 1)
	case n < cur:
		retired = m.retireLocked(cur - n)
	}
	m.mu.Unlock()

	m.resumeAll(false)
	if err := m.awaitExit(ctx, retired); err != nil {
		return err
	}
	m.logger.Info("concurrency level set",
		zap.Int("concurrency", n),
		zap.Int("spawned", max(0, n-cur)),
		zap.Int("retired", len(retired)))
	return nil
}

func (m *ConcurrencyManager) CheckHealth(ctx context.Context) error {
	return m.checkHealth(ctx)
}

// ResetWorkers is unsupported: closed-loop workers have no schedule to
// rewind.
func (m *ConcurrencyManager) ResetWorkers(ctx context.Context) error {
	_ = ctx
	return ErrResetUnsupported
}

func (m *ConcurrencyManager) CollectAndResetStats(ctx context.Context) (stats.Delta, error) {
	return m.collectAndReset(ctx)
}

func (m *ConcurrencyManager) CountCollectedRequests() int {
	return m.countCollected()
}

func (m *ConcurrencyManager) ActiveWorkers() int {
	return m.activeWorkers()
}

func (m *ConcurrencyManager) Stop(ctx context.Context) error {
	return m.stop(ctx)
}
