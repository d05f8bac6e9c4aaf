// Package schedule produces send instants for open-loop workers. A generator
// yields successive inter-arrival gaps for one worker; the per-worker
// generators of a pool are constructed so their combined issuance matches the
// target aggregate rate.
package schedule

import (
	"fmt"
	"math/rand"
	"time"
)

// Distribution selects how aggregate inter-arrival gaps are spread.
type Distribution int

const (
	// DistConstant spaces requests evenly at 1/rate.
	DistConstant Distribution = iota
	// DistPoisson draws exponential gaps so arrivals form a Poisson
	// process at the target rate.
	DistPoisson
)

func (d Distribution) String() string {
	switch d {
	case DistConstant:
		return "constant"
	case DistPoisson:
		return "poisson"
	default:
		return "unknown"
	}
}

// ParseDistribution maps config strings onto a Distribution.
func ParseDistribution(s string) (Distribution, error) {
	switch s {
	case "constant", "":
		return DistConstant, nil
	case "poisson":
		return DistPoisson, nil
	default:
		return 0, fmt.Errorf("unknown request distribution %q (want constant or poisson)", s)
	}
}

// Generator yields the wait before this worker's next send. Rewind restarts
// the schedule from the beginning; generators are not safe for concurrent
// use, each worker owns its own.
type Generator interface {
	Next() time.Duration
	Rewind()
}

// Constant paces one of stride workers sharing an aggregate constant-rate
// schedule: the worker's first gap is its phase offset into the aggregate
// timeline, every later gap is stride/rate.
type Constant struct {
	first   time.Duration
	period  time.Duration
	started bool
}

func NewConstant(rate float64, offset, stride int) (*Constant, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %g", rate)
	}
	if err := checkSplit(offset, stride); err != nil {
		return nil, err
	}
	agg := time.Duration(float64(time.Second) / rate)
	return &Constant{
		first:  time.Duration(offset+1) * agg,
		period: time.Duration(stride) * agg,
	}, nil
}

func (c *Constant) Next() time.Duration {
	if !c.started {
		c.started = true
		return c.first
	}
	return c.period
}

func (c *Constant) Rewind() { c.started = false }

// Poisson draws exponential gaps with mean stride/rate, so the superposition
// of stride independent workers is a Poisson arrival process at the aggregate
// rate. The seed makes a worker's draw sequence reproducible.
type Poisson struct {
	mean float64 // seconds
	seed int64
	rng  *rand.Rand
}

func NewPoisson(rate float64, stride int, seed int64) (*Poisson, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %g", rate)
	}
	if stride < 1 {
		return nil, fmt.Errorf("stride must be at least 1, got %d", stride)
	}
	return &Poisson{
		mean: float64(stride) / rate,
		seed: seed,
		rng:  rand.New(rand.NewSource(seed)),
	}, nil
}

func (p *Poisson) Next() time.Duration {
	return time.Duration(p.rng.ExpFloat64() * p.mean * float64(time.Second))
}

func (p *Poisson) Rewind() { p.rng = rand.New(rand.NewSource(p.seed)) }

// Intervals replays a fixed aggregate gap list, cyclically, exactly as
// given. Worker offset of stride consumes the aggregate instants
// offset, offset+stride, offset+2*stride, ...; its per-call gap is the sum
// of the aggregate gaps separating its instants.
type Intervals struct {
	gaps   []time.Duration
	offset int
	stride int

	prev int // aggregate index of the last instant consumed, -1 before the first
	next int
}

func NewIntervals(gaps []time.Duration, offset, stride int) (*Intervals, error) {
	if len(gaps) == 0 {
		return nil, fmt.Errorf("interval schedule is empty")
	}
	for i, g := range gaps {
		if g < 0 {
			return nil, fmt.Errorf("interval %d is negative (%s)", i, g)
		}
	}
	if err := checkSplit(offset, stride); err != nil {
		return nil, err
	}
	g := &Intervals{gaps: gaps, offset: offset, stride: stride}
	g.Rewind()
	return g, nil
}

func (g *Intervals) Next() time.Duration {
	var d time.Duration
	for j := g.prev + 1; j <= g.next; j++ {
		d += g.gaps[j%len(g.gaps)]
	}
	g.prev = g.next
	g.next += g.stride
	return d
}

func (g *Intervals) Rewind() {
	g.prev = -1
	g.next = g.offset
}

func checkSplit(offset, stride int) error {
	if stride < 1 {
		return fmt.Errorf("stride must be at least 1, got %d", stride)
	}
	if offset < 0 || offset >= stride {
		return fmt.Errorf("offset %d outside [0,%d)", offset, stride)
	}
	return nil
}
