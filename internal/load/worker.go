package load

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"infermeter/internal/schedule"
	"infermeter/internal/sequence"
	"infermeter/internal/stats"
	"infermeter/internal/transport"
	"infermeter/internal/workload"
)

// pacing decides when a worker may issue its next request.
type pacing interface {
	// next blocks until the next send instant. fire=false without error
	// means the sleep was cut short by a pause request and nothing should
	// be sent yet.
	next(ctx context.Context, pause <-chan struct{}) (fire bool, err error)
	// shift moves the schedule forward after the worker sat parked at the
	// gate, so a pause does not turn into a catch-up burst.
	shift(d time.Duration)
	// rewind restarts the schedule from its beginning.
	rewind()
}

// closedLoop fires as soon as the previous request finished.
type closedLoop struct{}

func (closedLoop) next(ctx context.Context, _ <-chan struct{}) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (closedLoop) shift(time.Duration) {}
func (closedLoop) rewind()             {}

// openLoop fires at the absolute instants a schedule generator describes.
// Tracking absolute instants rather than sleeping per-gap keeps the realized
// rate on target even when individual sleeps overshoot.
type openLoop struct {
	gen     schedule.Generator
	nextAt  time.Time
	pending bool
}

func newOpenLoop(gen schedule.Generator) *openLoop {
	return &openLoop{gen: gen}
}

func (p *openLoop) next(ctx context.Context, pause <-chan struct{}) (bool, error) {
	if p.nextAt.IsZero() {
		p.nextAt = time.Now()
	}
	if !p.pending {
		p.nextAt = p.nextAt.Add(p.gen.Next())
	}
	p.pending = false

	wait := time.Until(p.nextAt)
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-pause:
			// Keep the instant; it fires once the pool resumes.
			p.pending = true
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	} else if wait < -time.Second {
		// The schedule slipped badly behind real time; re-anchor
		// instead of firing a burst to catch up.
		p.nextAt = time.Now()
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *openLoop) shift(d time.Duration) {
	if !p.nextAt.IsZero() {
		p.nextAt = p.nextAt.Add(d)
	}
}

func (p *openLoop) rewind() {
	p.gen.Rewind()
	p.nextAt = time.Time{}
	p.pending = false
}

// completion carries an asynchronous send result back to the owning worker.
type completion struct {
	rc  *requestContext
	res *transport.Result
	err error
}

// workerConfig is the shared wiring a pool hands each of its workers.
type workerConfig struct {
	client         transport.Client
	gen            *workload.Generator
	spec           *workload.ModelSpec
	seqs           *sequence.Tracker
	gate           *gate
	logger         *zap.Logger
	timeout        time.Duration
	async          bool
	maxOutstanding int
}

// worker runs one load-generating loop. Its mutable state, including its
// ThreadStat, is touched only by its own goroutine while it runs; the
// manager reads and reconfigures it only while it is parked at the gate or
// after it has exited.
type worker struct {
	id     int
	logger *zap.Logger

	client transport.Client
	gen    *workload.Generator
	spec   *workload.ModelSpec
	seqs   *sequence.Tracker
	gate   *gate

	pace           pacing
	async          bool
	maxOutstanding int
	timeout        time.Duration

	stat     *stats.ThreadStat
	recorded atomic.Int64

	completions chan completion
	outstanding int
	lease       *sequence.Lease
	reqSeq      uint64

	retire atomic.Bool
	done   chan struct{}
}

func newWorker(id int, pace pacing, cfg workerConfig) *worker {
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxOut := cfg.maxOutstanding
	if !cfg.async || maxOut < 1 {
		maxOut = 1
	}
	return &worker{
		id:             id,
		logger:         logger.With(zap.Int("worker", id)),
		client:         cfg.client,
		gen:            cfg.gen,
		spec:           cfg.spec,
		seqs:           cfg.seqs,
		gate:           cfg.gate,
		pace:           pace,
		async:          cfg.async,
		maxOutstanding: maxOut,
		timeout:        cfg.timeout,
		stat:           stats.NewThreadStat(),
		completions:    make(chan completion, maxOut),
		done:           make(chan struct{}),
	}
}

// run is the worker loop. It exits on cancellation, retirement, or a fatal
// error, which it leaves in its ThreadStat for the health check to surface.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.gate.workerGone()
	defer w.releaseLease()

	for {
		if w.gate.pauseRequested() {
			if err := w.drainOutstanding(ctx); err != nil {
				return
			}
			parked, err := w.gate.wait(ctx)
			if err != nil {
				return
			}
			if parked > 0 {
				w.pace.shift(parked)
			}
		}
		if w.retire.Load() || ctx.Err() != nil {
			_ = w.drainOutstanding(ctx)
			return
		}

		fire, err := w.pace.next(ctx, w.gate.pauseSignal())
		if err != nil {
			_ = w.drainOutstanding(ctx)
			return
		}
		if !fire {
			continue
		}

		if err := w.issue(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			w.fail(err)
			return
		}
		if w.async {
			w.reapReady()
		}
	}
}

// fail marks the worker's fatal error. It runs strictly before the worker's
// done channel closes, so readers that observe the close see the error.
func (w *worker) fail(err error) {
	w.stat.Err = err
	w.logger.Error("worker loop died", zap.Error(err))
}

// exited reports whether the worker goroutine has finished.
func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// takeDelta moves the worker's accumulated stats out. Only safe while the
// worker is parked at the gate or has exited.
func (w *worker) takeDelta() stats.Delta {
	w.recorded.Store(0)
	return w.stat.TakeDelta()
}

func (w *worker) issue(ctx context.Context) error {
	if w.async {
		return w.issueAsync(ctx)
	}
	return w.issueSync(ctx)
}

// issueSync sends one request and blocks for its completion: the closed-loop
// policy's steady single outstanding request.
func (w *worker) issueSync(ctx context.Context) error {
	rc, err := w.build(ctx)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
	rc.markSent(time.Now())
	res, sendErr := w.client.Send(sendCtx, rc.req)
	cancel()
	if sendErr != nil && ctx.Err() != nil {
		// Shutdown mid-flight: abandon without recording, but return
		// the sequence slot.
		w.discard(rc)
		return ctx.Err()
	}
	rc.finish(res, sendErr)
	w.settle(rc)
	return nil
}

// issueAsync fires one request on its own goroutine, bounded by the
// outstanding cap: when the endpoint falls behind, the worker blocks on a
// completion instead of queuing without limit.
func (w *worker) issueAsync(ctx context.Context) error {
	for w.outstanding >= w.maxOutstanding {
		if err := w.reapOne(ctx); err != nil {
			return err
		}
	}
	rc, err := w.build(ctx)
	if err != nil {
		return err
	}
	w.outstanding++
	rc.markSent(time.Now())
	go func() {
		sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		res, sendErr := w.client.Send(sendCtx, rc.req)
		// Capacity equals the outstanding cap, so this never blocks.
		w.completions <- completion{rc: rc, res: res, err: sendErr}
	}()
	return nil
}

// reapReady drains whatever completions are already waiting.
func (w *worker) reapReady() {
	for {
		select {
		case c := <-w.completions:
			w.finishCompletion(c)
		default:
			return
		}
	}
}

// reapOne blocks for a single completion.
func (w *worker) reapOne(ctx context.Context) error {
	select {
	case c := <-w.completions:
		w.finishCompletion(c)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainOutstanding settles every in-flight request. Quiescence at the gate
// and retirement both require it, otherwise an old level's in-flight work
// would be counted at the new level.
func (w *worker) drainOutstanding(ctx context.Context) error {
	for w.outstanding > 0 {
		if err := w.reapOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) finishCompletion(c completion) {
	w.outstanding--
	if c.err != nil && errors.Is(c.err, context.Canceled) {
		w.discard(c.rc)
		return
	}
	c.rc.finish(c.res, c.err)
	w.settle(c.rc)
}

// settle records the terminal outcome and returns a finished sequence's slot.
func (w *worker) settle(rc *requestContext) {
	if rc.record(w.stat) {
		w.recorded.Add(1)
	}
	w.releaseDone(rc)
}

// discard abandons an attempt without recording it, still freeing its
// sequence slot.
func (w *worker) discard(rc *requestContext) {
	w.releaseDone(rc)
}

func (w *worker) releaseDone(rc *requestContext) {
	if rc.release == nil {
		return
	}
	if err := w.seqs.Release(rc.release); err != nil {
		w.logger.Warn("sequence slot release failed", zap.Error(err))
	}
	rc.release = nil
}

// build assembles the next request, advancing this worker's sequence lease
// when the model is stateful. Sequence starvation surfaces here as a fatal
// worker error.
func (w *worker) build(ctx context.Context) (*requestContext, error) {
	var (
		seqParams *workload.SeqParams
		release   *sequence.Lease
		seqID     uint64
		seqStart  bool
		seqEnd    bool
	)
	if w.seqs != nil {
		if w.lease == nil {
			lease, err := w.seqs.Allocate(ctx)
			if err != nil {
				return nil, fmt.Errorf("allocating sequence slot: %w", err)
			}
			w.lease = lease
		}
		seqID = w.lease.ID()
		seqStart = w.lease.First()
		seqEnd = w.lease.Last()
		seqParams = &workload.SeqParams{ID: seqID, Start: seqStart, End: seqEnd}
		if w.lease.Advance() {
			// The slot frees once this attempt settles, keeping the
			// id unique among in-flight requests.
			release = w.lease
			w.lease = nil
		}
	}

	w.reqSeq++
	id := strconv.Itoa(w.id) + "-" + strconv.FormatUint(w.reqSeq, 10)
	body, err := w.gen.Body(id, seqParams)
	if err != nil {
		return nil, fmt.Errorf("building request body: %w", err)
	}
	rc := newRequestContext(&transport.Request{
		ID:         id,
		Model:      w.spec.Name,
		Body:       body,
		SequenceID: seqID,
		SeqStart:   seqStart,
		SeqEnd:     seqEnd,
		Batch:      w.spec.Batch(),
	})
	rc.release = release
	return rc, nil
}

// releaseLease returns a part-way sequence slot when the worker exits.
func (w *worker) releaseLease() {
	if w.lease == nil {
		return
	}
	if err := w.seqs.Release(w.lease); err != nil {
		w.logger.Warn("sequence slot release failed", zap.Error(err))
	}
	w.lease = nil
}
