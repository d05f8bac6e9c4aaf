package schedule

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Segment is one (duration, rate) stretch of a custom schedule.
type Segment struct {
	Duration time.Duration
	Rate     float64
}

// yamlDuration accepts Go duration strings ("250ms", "10s") in YAML.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = yamlDuration(v)
	return nil
}

type scheduleFile struct {
	Intervals []yamlDuration `yaml:"intervals"`
	Segments  []struct {
		Duration yamlDuration `yaml:"duration"`
		Rate     float64      `yaml:"rate"`
	} `yaml:"segments"`
}

// LoadFile reads a custom schedule: either an explicit `intervals` gap list,
// or `segments` of (duration, rate) that are expanded into evenly spaced
// gaps. Exactly one of the two must be present.
func LoadFile(path string) ([]time.Duration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schedule file: %w", err)
	}
	return parseSchedule(raw)
}

func parseSchedule(raw []byte) ([]time.Duration, error) {
	var f scheduleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing schedule file: %w", err)
	}
	switch {
	case len(f.Intervals) > 0 && len(f.Segments) > 0:
		return nil, fmt.Errorf("schedule file sets both intervals and segments")
	case len(f.Intervals) > 0:
		gaps := make([]time.Duration, len(f.Intervals))
		for i, g := range f.Intervals {
			gaps[i] = time.Duration(g)
		}
		return gaps, nil
	case len(f.Segments) > 0:
		segs := make([]Segment, len(f.Segments))
		for i, s := range f.Segments {
			segs[i] = Segment{Duration: time.Duration(s.Duration), Rate: s.Rate}
		}
		return FromSegments(segs)
	default:
		return nil, fmt.Errorf("schedule file has neither intervals nor segments")
	}
}

// FromSegments expands (duration, rate) segments into the aggregate gap list
// they describe: each segment contributes duration*rate gaps of 1/rate.
func FromSegments(segs []Segment) ([]time.Duration, error) {
	var gaps []time.Duration
	for i, s := range segs {
		if s.Duration <= 0 {
			return nil, fmt.Errorf("segment %d: duration must be positive, got %s", i, s.Duration)
		}
		if s.Rate <= 0 {
			return nil, fmt.Errorf("segment %d: rate must be positive, got %g", i, s.Rate)
		}
		gap := time.Duration(float64(time.Second) / s.Rate)
		n := int(s.Duration.Seconds()*s.Rate + 0.5)
		if n < 1 {
			n = 1
		}
		for j := 0; j < n; j++ {
			gaps = append(gaps, gap)
		}
	}
	return gaps, nil
}
