package profile

import (
	"fmt"
	"math"

	"infermeter/internal/stats"
)

// StabilityPolicy judges whether two consecutive measurement windows agree
// closely enough to trust the numbers. threshold is a relative bound in
// (0, 1]; 0.05 means the newer window may deviate 5% from the older one.
type StabilityPolicy func(prev, cur stats.Window, threshold float64) bool

// StableBoth requires both throughput and average latency to hold within the
// threshold. This is the default policy.
func StableBoth(prev, cur stats.Window, threshold float64) bool {
	return StableThroughput(prev, cur, threshold) && StableLatency(prev, cur, threshold)
}

// StableThroughput compares requests/second only.
func StableThroughput(prev, cur stats.Window, threshold float64) bool {
	return withinRelative(prev.Throughput, cur.Throughput, threshold)
}

// StableLatency compares average latency only.
func StableLatency(prev, cur stats.Window, threshold float64) bool {
	return withinRelative(float64(prev.AvgLatency), float64(cur.AvgLatency), threshold)
}

// PolicyByName maps a config string onto a policy. The empty string selects
// the default.
func PolicyByName(name string) (StabilityPolicy, error) {
	switch name {
	case "", "both":
		return StableBoth, nil
	case "throughput":
		return StableThroughput, nil
	case "latency":
		return StableLatency, nil
	default:
		return nil, fmt.Errorf("unknown stability policy %q", name)
	}
}

func withinRelative(prev, cur, threshold float64) bool {
	if prev == cur {
		return true
	}
	base := math.Abs(prev)
	if base == 0 {
		return false
	}
	return math.Abs(cur-prev)/base <= threshold
}
