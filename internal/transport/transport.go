// Package transport sends inference requests to the serving endpoint and
// classifies what came back. Workers call Send synchronously; open-loop
// workers get asynchrony by issuing Send from their own goroutines.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrKind buckets request failures into the categories the statistics track.
type ErrKind int

const (
	// ErrKindTransient covers connection-level failures: refused, reset,
	// DNS, broken pipe.
	ErrKindTransient ErrKind = iota
	// ErrKindEndpoint covers responses the endpoint itself rejected.
	ErrKindEndpoint
	// ErrKindTimeout covers requests that exceeded their deadline.
	ErrKindTimeout
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindEndpoint:
		return "endpoint"
	case ErrKindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified request failure.
type Error struct {
	Kind       ErrKind
	StatusCode int // set for endpoint errors over HTTP
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.StatusCode != 0:
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s error (HTTP %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure category from an error returned by Send.
// Unclassified errors count as transient.
func KindOf(err error) ErrKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindTransient
}

// Request is one inference call against the endpoint.
type Request struct {
	// ID is echoed by v2-protocol endpoints; useful when correlating logs.
	ID    string
	Model string
	Body  []byte

	// Sequence correlation; SequenceID zero means stateless.
	SequenceID uint64
	SeqStart   bool
	SeqEnd     bool

	// Batch is the inference count this request represents.
	Batch int
}

// Timing splits one round-trip into the client-side phases the statistics
// accumulate.
type Timing struct {
	Start time.Time
	End   time.Time
	// Send is the time until the request was fully written.
	Send time.Duration
	// Recv is the time spent receiving the response once its first byte
	// arrived.
	Recv time.Duration
}

// Total is the full round-trip duration.
func (t Timing) Total() time.Duration { return t.End.Sub(t.Start) }

// Result is a completed call.
type Result struct {
	Timing     Timing
	Bytes      int64
	StatusCode int
}

// Client is the wire-protocol collaborator the load machinery drives.
type Client interface {
	// Send issues one request and blocks until the response is fully
	// read, the context is done, or the call fails. Failures are *Error
	// values.
	Send(ctx context.Context, req *Request) (*Result, error)
	// CheckHealth probes endpoint liveness cheaply.
	CheckHealth(ctx context.Context) error
}
