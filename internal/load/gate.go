package load

import (
	"context"
	"sync"
	"time"
)

// gate is the pause/resume rendezvous between a manager and its workers.
// The manager requests a pause and waits until every live worker has parked
// with no outstanding request; workers check the gate at loop-top and while
// sleeping on their schedules. Resume is a broadcast.
type gate struct {
	mu sync.Mutex

	paused  bool
	pauseCh chan struct{} // closed when a pause is requested
	resume  chan struct{} // closed to release parked workers

	expect int           // live workers the current pause still waits for
	parked int           // workers already parked this round
	done   chan struct{} // closed once parked == expect
}

func newGate() *gate {
	return &gate{pauseCh: make(chan struct{})}
}

// pause flips the gate and returns a channel that closes once expect workers
// have parked. Callers must resume before pausing again.
func (g *gate) pause(expect int) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
	close(g.pauseCh)
	g.resume = make(chan struct{})
	g.expect = expect
	g.parked = 0
	g.done = make(chan struct{})
	if g.expect <= 0 {
		close(g.done)
		g.done = nil
	}
	return g.doneCh()
}

func (g *gate) doneCh() <-chan struct{} {
	if g.done != nil {
		return g.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// resumeAll releases everything parked at the gate.
func (g *gate) resumeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	g.pauseCh = make(chan struct{})
	close(g.resume)
}

// pauseRequested is the cheap loop-top check.
func (g *gate) pauseRequested() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// pauseSignal returns a channel that closes when the next pause is
// requested; schedule sleeps select on it so a pause does not wait out a
// long inter-arrival gap.
func (g *gate) pauseSignal() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pauseCh
}

// wait parks the calling worker while the gate is paused and reports how
// long it was held. Workers must be quiesced (no outstanding request) when
// they call this.
func (g *gate) wait(ctx context.Context) (time.Duration, error) {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return 0, ctx.Err()
	}
	resume := g.resume
	parkedAt := time.Now()
	g.parked++
	if g.done != nil && g.parked >= g.expect {
		close(g.done)
		g.done = nil
	}
	g.mu.Unlock()

	select {
	case <-resume:
		return time.Since(parkedAt), nil
	case <-ctx.Done():
		return time.Since(parkedAt), ctx.Err()
	}
}

// workerGone removes an exiting worker from the current pause round so a
// dying goroutine cannot wedge the barrier.
func (g *gate) workerGone() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused || g.done == nil {
		return
	}
	g.expect--
	if g.parked >= g.expect {
		close(g.done)
		g.done = nil
	}
}
