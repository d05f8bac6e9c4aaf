package load

import (
	"time"

	"infermeter/internal/sequence"
	"infermeter/internal/stats"
	"infermeter/internal/transport"
)

// requestState tracks one attempt through its lifecycle:
// building -> sent -> {completed | failed | timedOut}.
type requestState int

const (
	stateBuilding requestState = iota
	stateSent
	stateCompleted
	stateFailed
	stateTimedOut
)

func (s requestState) String() string {
	switch s {
	case stateBuilding:
		return "building"
	case stateSent:
		return "sent"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	case stateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// requestContext is one logical in-flight request. It lives from build until
// its terminal outcome lands in the owning worker's ThreadStat, which may
// happen exactly once.
type requestContext struct {
	req     *transport.Request
	state   requestState
	sentAt  time.Time
	timing  transport.Timing
	outcome stats.Outcome

	// release is the sequence lease to return once this attempt finishes,
	// set on the request that ends its sequence.
	release *sequence.Lease

	recorded bool
}

func newRequestContext(req *transport.Request) *requestContext {
	return &requestContext{req: req, state: stateBuilding}
}

func (rc *requestContext) markSent(at time.Time) {
	rc.state = stateSent
	rc.sentAt = at
}

// finish moves the context to its terminal state based on the transport
// outcome.
func (rc *requestContext) finish(res *transport.Result, err error) {
	if err == nil {
		rc.state = stateCompleted
		rc.outcome = stats.OutcomeSuccess
		rc.timing = res.Timing
		return
	}
	switch transport.KindOf(err) {
	case transport.ErrKindTimeout:
		rc.state = stateTimedOut
		rc.outcome = stats.OutcomeTimeout
	case transport.ErrKindEndpoint:
		rc.state = stateFailed
		rc.outcome = stats.OutcomeEndpoint
	default:
		rc.state = stateFailed
		rc.outcome = stats.OutcomeTransient
	}
	rc.timing = transport.Timing{Start: rc.sentAt, End: time.Now()}
}

// terminal reports whether the context has reached a final state.
func (rc *requestContext) terminal() bool {
	switch rc.state {
	case stateCompleted, stateFailed, stateTimedOut:
		return true
	}
	return false
}

// record reports the terminal outcome into the worker's stat. The first call
// wins; later calls are no-ops, so an attempt is never double-counted.
func (rc *requestContext) record(ts *stats.ThreadStat) bool {
	if rc.recorded || !rc.terminal() {
		return false
	}
	rc.recorded = true
	ts.RecordOutcome(
		stats.Record{
			Start:      rc.timing.Start,
			End:        rc.timing.End,
			SequenceID: rc.req.SequenceID,
			Outcome:    rc.outcome,
			Batch:      rc.req.Batch,
		},
		stats.ClientStat{
			Count: 1,
			Total: rc.timing.Total(),
			Send:  rc.timing.Send,
			Recv:  rc.timing.Recv,
		},
	)
	return true
}
