package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infermeter/internal/load"
	"infermeter/internal/profile"
	"infermeter/internal/stats"
	"infermeter/internal/telemetry"
)

func sampleReport() *profile.Report {
	started := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	return &profile.Report{
		RunID:      "run-42",
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Results: []profile.Result{
			{
				Level:  load.ConcurrencyLevel(2),
				Stable: true,
				Trials: 3,
				Window: stats.Window{
					Start:       started.Add(time.Second),
					End:         started.Add(6 * time.Second),
					Duration:    5 * time.Second,
					Requests:    1000,
					Completed:   990,
					Errored:     10,
					Timeouts:    2,
					Throughput:  198,
					InferPerSec: 396,
					AvgLatency:  10 * time.Millisecond,
					P50:         9 * time.Millisecond,
					P90:         14 * time.Millisecond,
					P95:         16 * time.Millisecond,
					P99:         22 * time.Millisecond,
					MaxLatency:  30 * time.Millisecond,
					Client:      stats.ClientStat{Count: 1000, Send: time.Second, Recv: 2 * time.Second},
				},
				Server: telemetry.WindowSample{
					Samples:        5,
					AvgUtilization: 0.62,
					MaxUtilization: 0.8,
					MaxMemoryBytes: 2 << 30,
					AvgPowerWatts:  215,
				},
			},
			{
				Level:  load.RateLevel(250),
				Stable: false,
				Trials: 10,
				Window: stats.Window{
					Duration:   5 * time.Second,
					Completed:  1200,
					Throughput: 240,
					AvgLatency: 50 * time.Millisecond,
				},
				Server: telemetry.WindowSample{Missing: true},
			},
		},
	}
}

func TestWriteConsole(t *testing.T) {
	var buf bytes.Buffer
	WriteConsole(&buf, sampleReport(), Meta{Target: "http://box:8000", Model: "resnet", Mode: "concurrency"})
	out := buf.String()

	assert.Contains(t, out, "run-42")
	assert.Contains(t, out, "http://box:8000")
	assert.Contains(t, out, "concurrency 2")
	assert.Contains(t, out, "rate 250 req/s")
	assert.Contains(t, out, "REQ/S")
	assert.Contains(t, out, "198.00")
	assert.Contains(t, out, "SERVER", "one populated sample is enough for the server section")
	assert.Contains(t, out, "n/a", "levels without samples are marked")
	assert.Contains(t, out, "did not stabilize", "unstable levels get a warning")
}

func TestWriteConsole_EmptyReport(t *testing.T) {
	var buf bytes.Buffer
	WriteConsole(&buf, &profile.Report{RunID: "run-0"}, Meta{})
	assert.Contains(t, buf.String(), "No completed load levels")
}

func TestExportCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, ExportCSV(sampleReport(), path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus one row per level")

	header := rows[0]
	assert.Equal(t, "kind", header[0])
	assert.Equal(t, "req_per_sec", header[10])

	first := rows[1]
	assert.Equal(t, "concurrency", first[0])
	assert.Equal(t, "2", first[1])
	assert.Equal(t, "true", first[2])
	assert.Equal(t, "990", first[7])
	assert.Equal(t, "198.000", first[10])
	assert.Equal(t, "10.000", first[12], "latency columns are milliseconds")

	second := rows[2]
	assert.Equal(t, "rate", second[0])
	assert.Equal(t, "250", second[1])
	assert.Equal(t, "false", second[2])
}

func TestExportJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	meta := Meta{
		Target: "http://box:8000",
		Model:  "resnet",
		Mode:   "concurrency",
		Config: map[string]any{"window": "5s"},
	}
	require.NoError(t, ExportJSON(sampleReport(), meta, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		RunID   string         `json:"run_id"`
		Model   string         `json:"model"`
		Config  map[string]any `json:"config"`
		Results []struct {
			Kind      string  `json:"kind"`
			Level     float64 `json:"level"`
			Stable    bool    `json:"stable"`
			ReqPerSec float64 `json:"req_per_sec"`
			LatencyMS struct {
				Avg float64 `json:"avg"`
				P99 float64 `json:"p99"`
			} `json:"latency_ms"`
			Server *struct {
				AvgUtilization float64 `json:"avg_utilization"`
			} `json:"server"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.Equal(t, "run-42", doc.RunID)
	assert.Equal(t, "resnet", doc.Model)
	assert.Equal(t, "5s", doc.Config["window"])
	require.Len(t, doc.Results, 2)

	first := doc.Results[0]
	assert.Equal(t, "concurrency", first.Kind)
	assert.InDelta(t, 2, first.Level, 1e-9)
	assert.True(t, first.Stable)
	assert.InDelta(t, 198, first.ReqPerSec, 1e-9)
	assert.InDelta(t, 10, first.LatencyMS.Avg, 1e-9)
	assert.InDelta(t, 22, first.LatencyMS.P99, 1e-9)
	require.NotNil(t, first.Server)
	assert.InDelta(t, 0.62, first.Server.AvgUtilization, 1e-9)

	assert.Nil(t, doc.Results[1].Server, "missing telemetry is omitted, not zeroed")
}
