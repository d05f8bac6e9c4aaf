// Package profile drives the sweep: for each configured load level it lets
// the worker pool reach the level, takes repeated measurement windows, and
// judges stability across consecutive windows before recording a result.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"infermeter/internal/load"
	"infermeter/internal/stats"
	"infermeter/internal/telemetry"
)

// Options configure a sweep.
type Options struct {
	Manager load.Manager
	// Levels is the sweep, in the order to measure.
	Levels []load.Level

	WindowDuration time.Duration
	SettleDelay    time.Duration

	// Threshold is the relative stability bound in (0, 1].
	Threshold float64
	// StableWindows is how many trailing windows must agree before a level
	// is declared stable. A value of 1 accepts the first window as-is.
	StableWindows int
	// MaxTrials bounds the windows taken per level before giving up and
	// emitting the last window with Stable=false.
	MaxTrials int
	Policy    StabilityPolicy

	// Poller is optional; without it server metrics are marked missing.
	Poller *telemetry.Poller
	Logger *zap.Logger
	// Updates receives best-effort progress events for a live view.
	Updates chan<- Update
}

// Profiler runs one sweep over its configured levels.
type Profiler struct {
	opts Options
}

func New(opts Options) (*Profiler, error) {
	if opts.Manager == nil {
		return nil, errors.New("profile: manager is required")
	}
	if len(opts.Levels) == 0 {
		return nil, errors.New("profile: at least one load level is required")
	}
	if opts.WindowDuration <= 0 {
		return nil, fmt.Errorf("profile: window duration must be positive, got %s", opts.WindowDuration)
	}
	if opts.SettleDelay < 0 {
		return nil, fmt.Errorf("profile: settle delay must not be negative, got %s", opts.SettleDelay)
	}
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		return nil, fmt.Errorf("profile: stability threshold must be in (0, 1], got %g", opts.Threshold)
	}
	if opts.StableWindows <= 0 {
		opts.StableWindows = 3
	}
	if opts.MaxTrials <= 0 {
		opts.MaxTrials = 10
	}
	if opts.MaxTrials < opts.StableWindows {
		return nil, fmt.Errorf("profile: max trials %d cannot satisfy %d stable windows", opts.MaxTrials, opts.StableWindows)
	}
	if opts.Policy == nil {
		opts.Policy = StableBoth
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Profiler{opts: opts}, nil
}

// Run initializes the manager, sweeps every level, and tears the pool down.
// A health failure aborts the sweep with a *SweepError; the returned Report
// still carries the levels completed before the failure.
func (p *Profiler) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), StartedAt: time.Now()}

	if err := p.opts.Manager.Initialize(ctx); err != nil {
		return report, fmt.Errorf("initialize load manager: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.opts.Manager.Stop(stopCtx); err != nil {
			p.opts.Logger.Warn("worker pool shutdown", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g errgroup.Group
	if p.opts.Poller != nil {
		g.Go(func() error { return p.opts.Poller.Run(runCtx) })
	}

	var sweepErr error
	for _, lvl := range p.opts.Levels {
		res, err := p.measureLevel(runCtx, lvl)
		if err != nil {
			sweepErr = err
			break
		}
		report.Results = append(report.Results, *res)
	}

	cancel()
	_ = g.Wait()
	report.FinishedAt = time.Now()
	return report, sweepErr
}

func (p *Profiler) measureLevel(ctx context.Context, lvl load.Level) (*Result, error) {
	log := p.opts.Logger.With(zap.Stringer("level", lvl))

	if err := p.opts.Manager.SetLevel(ctx, lvl); err != nil {
		return nil, sweepFailure(lvl, err)
	}
	log.Info("level reached, settling", zap.Duration("settle", p.opts.SettleDelay))
	if err := sleepCtx(ctx, p.opts.SettleDelay); err != nil {
		return nil, err
	}
	if err := p.opts.Manager.CheckHealth(ctx); err != nil {
		return nil, sweepFailure(lvl, err)
	}
	// Discard everything gathered during the settle period so the first
	// measurement window starts clean.
	if _, err := p.opts.Manager.CollectAndResetStats(ctx); err != nil {
		return nil, sweepFailure(lvl, err)
	}

	var (
		last   stats.Window
		server telemetry.WindowSample
		streak int
	)
	for trial := 1; trial <= p.opts.MaxTrials; trial++ {
		if err := sleepCtx(ctx, p.opts.WindowDuration); err != nil {
			return nil, err
		}
		if err := p.opts.Manager.CheckHealth(ctx); err != nil {
			return nil, sweepFailure(lvl, err)
		}
		delta, err := p.opts.Manager.CollectAndResetStats(ctx)
		if err != nil {
			return nil, sweepFailure(lvl, err)
		}
		win := stats.Summarize(delta)
		srv := telemetry.WindowSample{Missing: true}
		if p.opts.Poller != nil {
			srv = p.opts.Poller.WindowSample(win.Start, win.End)
		}

		if trial == 1 {
			streak = 1
		} else if p.opts.Policy(last, win, p.opts.Threshold) {
			streak++
		} else {
			streak = 1
		}
		last, server = win, srv

		log.Info("measurement window",
			zap.Int("trial", trial),
			zap.Int64("requests", win.Completed),
			zap.Float64("req_per_sec", win.Throughput),
			zap.Duration("avg_latency", win.AvgLatency),
			zap.Duration("p99_latency", win.P99),
			zap.Int64("errors", win.Errored),
			zap.Int("stable_run", streak))
		p.notify(Update{Level: lvl, Trial: trial, Window: win, StableRun: streak})

		if streak >= p.opts.StableWindows {
			res := &Result{Level: lvl, Window: win, Server: srv, Stable: true, Trials: trial}
			p.notify(Update{Level: lvl, Trial: trial, Window: win, StableRun: streak, Stable: true, Done: true})
			log.Info("level stable", zap.Int("trials", trial))
			return res, nil
		}
	}

	// Trial budget exhausted. Not an error: report the last window and move
	// on, flagged unstable.
	log.Warn("stability not reached, keeping last window",
		zap.Int("trials", p.opts.MaxTrials),
		zap.Float64("threshold", p.opts.Threshold))
	p.notify(Update{Level: lvl, Trial: p.opts.MaxTrials, Window: last, StableRun: streak, Done: true})
	return &Result{Level: lvl, Window: last, Server: server, Stable: false, Trials: p.opts.MaxTrials}, nil
}

func (p *Profiler) notify(u Update) {
	if p.opts.Updates == nil {
		return
	}
	select {
	case p.opts.Updates <- u:
	default:
	}
}

// sweepFailure wraps a fatal level failure, passing plain context
// cancellation through untouched.
func sweepFailure(lvl load.Level, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &SweepError{Level: lvl, Cause: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
