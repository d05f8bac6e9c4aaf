// Package sequence hands out correlation ids for stateful models. A tracker
// owns a fixed pool of sequence slots; workers lease a slot, send the
// sequence's requests under its id, and release it for reuse. No two live
// leases ever share an id.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStarved is returned when an allocation waited longer than the
// configured bound without a slot coming free. The tracker remembers the
// starvation so the next health check fails instead of the run hanging
// silently.
var ErrStarved = errors.New("sequence slot pool starved")

// Options sizes the pool and shapes the sequences it hands out.
type Options struct {
	// StartID is the first correlation id; slots carry StartID..StartID+Count-1.
	StartID uint64
	// Count is the pool size.
	Count int
	// BaseLength is how many correlated requests a sequence carries.
	BaseLength int
	// LengthJitter perturbs each sequence's length by up to this fraction
	// of BaseLength in either direction. Zero means every sequence has
	// exactly BaseLength requests.
	LengthJitter float64
	// StarvationWait bounds how long an allocation may block before the
	// pool is declared starved.
	StarvationWait time.Duration
}

func (o Options) validate() error {
	if o.Count < 1 {
		return fmt.Errorf("sequence pool needs at least one slot, got %d", o.Count)
	}
	if o.BaseLength < 1 {
		return fmt.Errorf("sequence length must be positive, got %d", o.BaseLength)
	}
	if o.LengthJitter < 0 || o.LengthJitter >= 1 {
		return fmt.Errorf("sequence length jitter must be in [0,1), got %g", o.LengthJitter)
	}
	if o.StarvationWait <= 0 {
		return fmt.Errorf("starvation wait must be positive, got %s", o.StarvationWait)
	}
	return nil
}

type slot struct {
	id    uint64
	inUse bool
}

// Tracker is the shared slot pool. Slot state changes only inside Allocate
// and Release, under the tracker mutex; blocking hand-off of free slots goes
// through a buffered channel sized to the pool.
type Tracker struct {
	mu    sync.Mutex
	slots []slot
	free  chan int

	baseLen    int
	jitter     float64
	starveWait time.Duration
	starved    atomic.Bool
}

func NewTracker(opts Options) (*Tracker, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		slots:      make([]slot, opts.Count),
		free:       make(chan int, opts.Count),
		baseLen:    opts.BaseLength,
		jitter:     opts.LengthJitter,
		starveWait: opts.StarvationWait,
	}
	for i := range t.slots {
		t.slots[i] = slot{id: opts.StartID + uint64(i)}
		t.free <- i
	}
	return t, nil
}

// Lease is one worker's hold on a sequence slot. It is not safe for
// concurrent use; exactly one worker drives a lease at a time.
type Lease struct {
	idx       int
	id        uint64
	length    int
	remaining int
}

// ID is the correlation id every request of this sequence carries.
func (l *Lease) ID() uint64 { return l.id }

// Length is the total number of requests in this sequence.
func (l *Lease) Length() int { return l.length }

// First reports whether the next request starts the sequence.
func (l *Lease) First() bool { return l.remaining == l.length }

// Last reports whether the next request ends the sequence.
func (l *Lease) Last() bool { return l.remaining == 1 }

// Advance consumes one request from the sequence and reports whether the
// sequence is finished. A finished lease must be released.
func (l *Lease) Advance() bool {
	if l.remaining > 0 {
		l.remaining--
	}
	return l.remaining == 0
}

// Allocate leases a free slot, blocking while the pool is exhausted. It
// fails with ErrStarved once the starvation bound elapses, or with the
// context error if the caller is cancelled first.
func (t *Tracker) Allocate(ctx context.Context) (*Lease, error) {
	select {
	case idx := <-t.free:
		return t.lease(idx), nil
	default:
	}

	timer := time.NewTimer(t.starveWait)
	defer timer.Stop()
	select {
	case idx := <-t.free:
		return t.lease(idx), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		t.starved.Store(true)
		return nil, ErrStarved
	}
}

func (t *Tracker) lease(idx int) *Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[idx].inUse = true
	n := t.nextLength()
	return &Lease{idx: idx, id: t.slots[idx].id, length: n, remaining: n}
}

// nextLength picks the sequence length for a fresh lease. Callers hold t.mu.
func (t *Tracker) nextLength() int {
	if t.jitter == 0 {
		return t.baseLen
	}
	f := 1 - t.jitter + 2*t.jitter*rand.Float64()
	n := int(float64(t.baseLen)*f + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}

// Release returns a finished lease's slot to the free pool.
func (t *Tracker) Release(l *Lease) error {
	if l == nil {
		return errors.New("release of nil sequence lease")
	}
	t.mu.Lock()
	if l.idx < 0 || l.idx >= len(t.slots) {
		t.mu.Unlock()
		return fmt.Errorf("release of unknown sequence slot %d", l.idx)
	}
	if !t.slots[l.idx].inUse {
		t.mu.Unlock()
		return fmt.Errorf("double release of sequence id %d", l.id)
	}
	t.slots[l.idx].inUse = false
	t.mu.Unlock()

	t.free <- l.idx
	return nil
}

// Starved reports whether any allocation has ever hit the starvation bound.
// The flag is sticky; the load manager surfaces it as a health failure.
func (t *Tracker) Starved() bool { return t.starved.Load() }

// InUse counts slots currently leased.
func (t *Tracker) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		if s.inUse {
			n++
		}
	}
	return n
}

// Size is the pool's slot count.
func (t *Tracker) Size() int { return len(t.slots) }
