// Package stats holds the per-worker accumulators and the window summaries
// derived from them. ThreadStat instances are written by exactly one worker
// goroutine; the load manager reads them only while the pool is quiesced, so
// none of the hot-path mutation here takes a lock.
package stats

import "time"

// Outcome classifies a finished request attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomeEndpoint
	OutcomeTimeout

	outcomeCount
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeEndpoint:
		return "endpoint"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Record is one completed request attempt.
type Record struct {
	Start      time.Time
	End        time.Time
	SequenceID uint64 // 0 when the request was not part of a sequence
	Outcome    Outcome
	Batch      int
}

// Latency is the request round-trip for this record.
func (r Record) Latency() time.Duration { return r.End.Sub(r.Start) }

// ClientStat accumulates cumulative client-side timing across requests:
// total round-trip, time spent writing requests, time spent reading
// responses.
type ClientStat struct {
	Count int64
	Total time.Duration
	Send  time.Duration
	Recv  time.Duration
}

func (c *ClientStat) Add(other ClientStat) {
	c.Count += other.Count
	c.Total += other.Total
	c.Send += other.Send
	c.Recv += other.Recv
}

// AvgTotal is the mean round-trip over the accumulated requests.
func (c ClientStat) AvgTotal() time.Duration {
	if c.Count == 0 {
		return 0
	}
	return c.Total / time.Duration(c.Count)
}

// ThreadStat is the per-worker accumulator. It is owned by its worker
// goroutine; TakeDelta may be called only while the worker is quiesced.
type ThreadStat struct {
	Completed int64
	Errored   int64
	byOutcome [outcomeCount]int64
	Records   []Record
	Client    ClientStat

	// Err is set once when the worker's loop dies for a non-request
	// reason; the health check reports it.
	Err error
}

func NewThreadStat() *ThreadStat {
	return &ThreadStat{Records: make([]Record, 0, 1024)}
}

// RecordOutcome appends one finished attempt and its client-side timing.
func (t *ThreadStat) RecordOutcome(rec Record, timing ClientStat) {
	if rec.Outcome == OutcomeSuccess {
		t.Completed++
	} else {
		t.Errored++
	}
	t.byOutcome[rec.Outcome]++
	t.Records = append(t.Records, rec)
	t.Client.Add(timing)
}

// CollectedCount reports how many records the worker has accumulated since
// the last TakeDelta.
func (t *ThreadStat) CollectedCount() int { return len(t.Records) }

// TakeDelta moves the accumulated records and counters out of the stat,
// leaving it zeroed. The record slice is swapped, not copied, so the caller
// takes ownership of the backing array.
func (t *ThreadStat) TakeDelta() Delta {
	d := Delta{
		Completed: t.Completed,
		Errored:   t.Errored,
		Records:   t.Records,
		Client:    t.Client,
	}
	copy(d.byOutcome[:], t.byOutcome[:])

	t.Completed = 0
	t.Errored = 0
	t.byOutcome = [outcomeCount]int64{}
	t.Records = make([]Record, 0, cap(d.Records))
	t.Client = ClientStat{}
	return d
}

// Delta is the merged measurement slice handed to the profiler: everything
// the workers recorded between two collection points, plus the window bounds
// the manager observed. Paused carries any pool pause time that fell inside
// the bounds, so it can be excluded from throughput accounting.
type Delta struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Paused      time.Duration

	Completed int64
	Errored   int64
	byOutcome [outcomeCount]int64
	Records   []Record
	Client    ClientStat
}

// Merge folds a per-worker delta into the aggregate.
func (d *Delta) Merge(part Delta) {
	d.Completed += part.Completed
	d.Errored += part.Errored
	for i := range d.byOutcome {
		d.byOutcome[i] += part.byOutcome[i]
	}
	d.Records = append(d.Records, part.Records...)
	d.Client.Add(part.Client)
}

// CountByOutcome reports how many records finished with the given outcome.
func (d Delta) CountByOutcome(o Outcome) int64 {
	if o < 0 || o >= outcomeCount {
		return 0
	}
	return d.byOutcome[o]
}

// Zero reports whether the delta carries no request activity.
func (d Delta) Zero() bool {
	return d.Completed == 0 && d.Errored == 0 && len(d.Records) == 0
}

// Window is the summary of one measurement window: the latency distribution
// and throughput over a delta, with duration taken from the delta's own
// bounds so manager pause gaps are not billed to the window.
type Window struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration

	Requests  int64
	Completed int64
	Errored   int64
	Timeouts  int64

	Throughput  float64 // completed requests per second
	InferPerSec float64 // batch-weighted inferences per second

	AvgLatency time.Duration
	P50        time.Duration
	P90        time.Duration
	P95        time.Duration
	P99        time.Duration
	MaxLatency time.Duration

	Client ClientStat
}

// Summarize computes the window summary for a merged delta. Only successful
// requests contribute to the latency distribution and throughput; errors are
// counted separately.
func Summarize(d Delta) Window {
	w := Window{
		Start:     d.WindowStart,
		End:       d.WindowEnd,
		Duration:  d.WindowEnd.Sub(d.WindowStart) - d.Paused,
		Requests:  d.Completed + d.Errored,
		Completed: d.Completed,
		Errored:   d.Errored,
		Timeouts:  d.CountByOutcome(OutcomeTimeout),
		Client:    d.Client,
	}

	hist := NewLatencyHistogram()
	var inferences int64
	for _, rec := range d.Records {
		if rec.Outcome != OutcomeSuccess {
			continue
		}
		// Out-of-range latencies saturate rather than drop.
		v := rec.Latency().Microseconds()
		if v > histMax {
			v = histMax
		} else if v < histMin {
			v = histMin
		}
		_ = hist.RecordValue(v)
		batch := rec.Batch
		if batch <= 0 {
			batch = 1
		}
		inferences += int64(batch)
	}

	if secs := w.Duration.Seconds(); secs > 0 {
		w.Throughput = float64(d.Completed) / secs
		w.InferPerSec = float64(inferences) / secs
	}
	if hist.TotalCount() > 0 {
		w.AvgLatency = time.Duration(hist.Mean()) * time.Microsecond
		w.P50 = time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond
		w.P90 = time.Duration(hist.ValueAtQuantile(90)) * time.Microsecond
		w.P95 = time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond
		w.P99 = time.Duration(hist.ValueAtQuantile(99)) * time.Microsecond
		w.MaxLatency = time.Duration(hist.Max()) * time.Microsecond
	}
	return w
}
