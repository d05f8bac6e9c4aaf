package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// MetricNames selects which families to extract from a scrape. The defaults
// match the gauges Triton's DCGM exporter publishes.
type MetricNames struct {
	Utilization string
	Memory      string
	Power       string
}

func (n MetricNames) withDefaults() MetricNames {
	if n.Utilization == "" {
		n.Utilization = "nv_gpu_utilization"
	}
	if n.Memory == "" {
		n.Memory = "nv_gpu_memory_used_bytes"
	}
	if n.Power == "" {
		n.Power = "nv_gpu_power_usage"
	}
	return n
}

// PromSource scrapes a Prometheus text-format endpoint.
//
// Multi-device servers export one series per device; utilization and power
// are averaged across series, memory is summed.
type PromSource struct {
	url    string
	names  MetricNames
	client *http.Client
}

func NewPromSource(url string, names MetricNames) *PromSource {
	return &PromSource{
		url:    url,
		names:  names.withDefaults(),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *PromSource) Sample(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build metrics request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("scrape %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("scrape %s: unexpected status %d", s.url, resp.StatusCode)
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse metrics: %w", err)
	}

	snap := Snapshot{At: time.Now(), Raw: make(map[string]float64, 3)}
	if vals := familyValues(families[s.names.Utilization]); len(vals) > 0 {
		snap.Utilization = mean(vals)
		snap.Raw[s.names.Utilization] = snap.Utilization
	}
	if vals := familyValues(families[s.names.Memory]); len(vals) > 0 {
		snap.MemoryBytes = sum(vals)
		snap.Raw[s.names.Memory] = snap.MemoryBytes
	}
	if vals := familyValues(families[s.names.Power]); len(vals) > 0 {
		snap.PowerWatts = mean(vals)
		snap.Raw[s.names.Power] = snap.PowerWatts
	}
	return snap, nil
}

func familyValues(mf *dto.MetricFamily) []float64 {
	if mf == nil {
		return nil
	}
	vals := make([]float64, 0, len(mf.Metric))
	for _, m := range mf.Metric {
		switch {
		case m.Gauge != nil:
			vals = append(vals, m.Gauge.GetValue())
		case m.Counter != nil:
			vals = append(vals, m.Counter.GetValue())
		case m.Untyped != nil:
			vals = append(vals, m.Untyped.GetValue())
		}
	}
	return vals
}

func mean(vals []float64) float64 {
	return sum(vals) / float64(len(vals))
}

func sum(vals []float64) float64 {
	var t float64
	for _, v := range vals {
		t += v
	}
	return t
}
