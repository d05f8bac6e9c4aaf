package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func record(start time.Time, latency time.Duration, outcome Outcome, batch int) Record {
	return Record{
		Start:   start,
		End:     start.Add(latency),
		Outcome: outcome,
		Batch:   batch,
	}
}

func TestThreadStat_RecordOutcome(t *testing.T) {
	ts := NewThreadStat()
	t0 := time.Now()

	ts.RecordOutcome(record(t0, 10*time.Millisecond, OutcomeSuccess, 1), ClientStat{Count: 1, Total: 10 * time.Millisecond})
	ts.RecordOutcome(record(t0, 20*time.Millisecond, OutcomeEndpoint, 1), ClientStat{Count: 1, Total: 20 * time.Millisecond})
	ts.RecordOutcome(record(t0, 30*time.Millisecond, OutcomeTimeout, 1), ClientStat{Count: 1, Total: 30 * time.Millisecond})

	assert.Equal(t, int64(1), ts.Completed)
	assert.Equal(t, int64(2), ts.Errored)
	assert.Equal(t, 3, ts.CollectedCount())
	assert.Equal(t, int64(3), ts.Client.Count)
	assert.Equal(t, 60*time.Millisecond, ts.Client.Total)
}

func TestThreadStat_TakeDelta(t *testing.T) {
	ts := NewThreadStat()
	t0 := time.Now()
	ts.RecordOutcome(record(t0, 5*time.Millisecond, OutcomeSuccess, 1), ClientStat{Count: 1})
	ts.RecordOutcome(record(t0, 6*time.Millisecond, OutcomeTransient, 1), ClientStat{Count: 1})

	d := ts.TakeDelta()
	assert.Equal(t, int64(1), d.Completed)
	assert.Equal(t, int64(1), d.Errored)
	assert.Len(t, d.Records, 2)
	assert.Equal(t, int64(1), d.CountByOutcome(OutcomeTransient))
	assert.Equal(t, int64(2), d.Client.Count)

	// The stat is left zeroed; the taken delta keeps the old backing array.
	assert.Equal(t, 0, ts.CollectedCount())
	ts.RecordOutcome(record(t0, 7*time.Millisecond, OutcomeSuccess, 1), ClientStat{Count: 1})
	assert.Len(t, d.Records, 2)
	assert.Equal(t, 1, ts.CollectedCount())

	second := ts.TakeDelta()
	assert.Equal(t, int64(1), second.Completed)

	third := ts.TakeDelta()
	assert.True(t, third.Zero())
}

func TestDelta_Merge(t *testing.T) {
	t0 := time.Now()
	var agg Delta

	a := Delta{Completed: 2, Errored: 1, Records: []Record{
		record(t0, time.Millisecond, OutcomeSuccess, 1),
		record(t0, time.Millisecond, OutcomeSuccess, 1),
		record(t0, time.Millisecond, OutcomeEndpoint, 1),
	}, Client: ClientStat{Count: 3, Total: 3 * time.Millisecond}}
	a.byOutcome[OutcomeSuccess] = 2
	a.byOutcome[OutcomeEndpoint] = 1

	b := Delta{Completed: 1, Records: []Record{
		record(t0, time.Millisecond, OutcomeSuccess, 1),
	}, Client: ClientStat{Count: 1, Total: time.Millisecond}}
	b.byOutcome[OutcomeSuccess] = 1

	agg.Merge(a)
	agg.Merge(b)

	assert.Equal(t, int64(3), agg.Completed)
	assert.Equal(t, int64(1), agg.Errored)
	assert.Len(t, agg.Records, 4)
	assert.Equal(t, int64(3), agg.CountByOutcome(OutcomeSuccess))
	assert.Equal(t, int64(1), agg.CountByOutcome(OutcomeEndpoint))
	assert.Equal(t, int64(4), agg.Client.Count)
	assert.False(t, agg.Zero())
}

func TestClientStat_AvgTotal(t *testing.T) {
	assert.Equal(t, time.Duration(0), ClientStat{}.AvgTotal())

	c := ClientStat{Count: 4, Total: 100 * time.Millisecond}
	assert.Equal(t, 25*time.Millisecond, c.AvgTotal())
}

func TestSummarize(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d := Delta{
		WindowStart: t0,
		WindowEnd:   t0.Add(2500 * time.Millisecond),
		Paused:      500 * time.Millisecond,
		Completed:   4,
		Errored:     1,
	}
	d.byOutcome[OutcomeSuccess] = 4
	d.byOutcome[OutcomeTimeout] = 1
	d.Records = []Record{
		record(t0, 10*time.Millisecond, OutcomeSuccess, 1),
		record(t0, 20*time.Millisecond, OutcomeSuccess, 1),
		record(t0, 30*time.Millisecond, OutcomeSuccess, 2),
		record(t0, 40*time.Millisecond, OutcomeSuccess, 4),
		// Failures carry no batch weight and stay out of the latency stats.
		record(t0, 500*time.Millisecond, OutcomeTimeout, 1),
	}

	w := Summarize(d)

	assert.Equal(t, 2*time.Second, w.Duration, "pause time is excluded")
	assert.Equal(t, int64(5), w.Requests)
	assert.Equal(t, int64(4), w.Completed)
	assert.Equal(t, int64(1), w.Errored)
	assert.Equal(t, int64(1), w.Timeouts)

	// 4 requests over 2 live seconds; 1+1+2+4 inferences over the same span.
	assert.InDelta(t, 2.0, w.Throughput, 0.001)
	assert.InDelta(t, 4.0, w.InferPerSec, 0.001)

	assert.InDelta(t, float64(25*time.Millisecond), float64(w.AvgLatency), float64(25*time.Millisecond)*0.01)
	assert.InDelta(t, float64(40*time.Millisecond), float64(w.MaxLatency), float64(40*time.Millisecond)*0.01)
	assert.LessOrEqual(t, w.P50, w.P90)
	assert.LessOrEqual(t, w.P90, w.P95)
	assert.LessOrEqual(t, w.P95, w.P99)
	assert.LessOrEqual(t, w.P99, w.MaxLatency)
}

func TestSummarize_EmptyDelta(t *testing.T) {
	t0 := time.Now()
	w := Summarize(Delta{WindowStart: t0, WindowEnd: t0.Add(time.Second)})

	assert.Equal(t, time.Second, w.Duration)
	assert.Zero(t, w.Requests)
	assert.Zero(t, w.Throughput)
	assert.Zero(t, w.AvgLatency)
	assert.Zero(t, w.MaxLatency)
}

func TestSummarize_SaturatesExtremeLatency(t *testing.T) {
	t0 := time.Now()
	d := Delta{
		WindowStart: t0,
		WindowEnd:   t0.Add(time.Second),
		Completed:   1,
		Records:     []Record{record(t0, 20*time.Minute, OutcomeSuccess, 1)},
	}
	d.byOutcome[OutcomeSuccess] = 1

	w := Summarize(d)
	ceiling := 10 * time.Minute
	assert.LessOrEqual(t, w.MaxLatency, ceiling+ceiling/100)
	assert.GreaterOrEqual(t, w.MaxLatency, ceiling-ceiling/100)
}

func TestSafeHistogram_Concurrent(t *testing.T) {
	h := NewSafeHistogram()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, h.RecordDuration(15*time.Millisecond))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), h.TotalCount())
	assert.InDelta(t, float64(15*time.Millisecond), float64(h.Mean()), float64(15*time.Millisecond)*0.01)
	assert.InDelta(t, float64(15*time.Millisecond), float64(h.Max()), float64(15*time.Millisecond)*0.01)

	h.Reset()
	assert.Zero(t, h.TotalCount())
}
