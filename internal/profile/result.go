package profile

import (
	"fmt"
	"time"

	"infermeter/internal/load"
	"infermeter/internal/stats"
	"infermeter/internal/telemetry"
)

// Result is the accepted measurement for one load level. When Stable is
// false the level exhausted its trial budget and Window holds the last
// window taken.
type Result struct {
	Level  load.Level
	Window stats.Window
	Server telemetry.WindowSample
	Stable bool
	// Trials is the number of measurement windows taken at this level.
	Trials int
}

// Report is the ordered output of one sweep. Results appear in sweep order;
// a sweep aborted by a health failure carries the levels completed so far.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []Result
}

// SweepError is the fatal failure of a sweep. It carries the load level
// under measurement when the failure occurred.
type SweepError struct {
	Level load.Level
	Cause error
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("sweep aborted at level %s: %v", e.Level, e.Cause)
}

func (e *SweepError) Unwrap() error { return e.Cause }

// Update is a progress event for live observers. Sends are best-effort; a
// slow consumer drops events rather than stalling the sweep.
type Update struct {
	Level  load.Level
	Trial  int
	Window stats.Window
	// StableRun counts the trailing windows that currently agree.
	StableRun int
	// Done marks the final update for a level.
	Done   bool
	Stable bool
}
