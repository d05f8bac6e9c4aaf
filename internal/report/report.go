// Package report renders a finished profile: a console summary table, a CSV
// with one row per load level, and a JSON document with the full run
// metadata.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"infermeter/internal/profile"
	"infermeter/internal/stats"
)

// Meta describes the run for report headers. Config is echoed verbatim into
// the JSON export.
type Meta struct {
	Target string `json:"target,omitempty"`
	Model  string `json:"model,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Config any    `json:"config,omitempty"`
}

// WriteConsole prints the human-readable summary.
func WriteConsole(w io.Writer, rep *profile.Report, meta Meta) {
	fmt.Fprintf(w, "\n📊 INFERENCE PROFILE\n")
	fmt.Fprintf(w, "======================================================================\n")
	fmt.Fprintf(w, "Run ID   : %s\n", rep.RunID)
	fmt.Fprintf(w, "Target   : %s\n", meta.Target)
	fmt.Fprintf(w, "Model    : %s\n", meta.Model)
	fmt.Fprintf(w, "Mode     : %s\n", meta.Mode)
	fmt.Fprintf(w, "Duration : %s\n", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Second))
	fmt.Fprintf(w, "======================================================================\n\n")

	if len(rep.Results) == 0 {
		fmt.Fprintf(w, "No completed load levels.\n")
		return
	}

	fmt.Fprintf(w, "%-18s %9s %9s %9s %9s %9s %9s %6s %7s\n",
		"LEVEL", "REQ/S", "INFER/S", "AVG", "P90", "P99", "MAX", "ERR", "STABLE")
	for _, res := range rep.Results {
		win := res.Window
		stable := "yes"
		if !res.Stable {
			stable = "NO"
		}
		fmt.Fprintf(w, "%-18s %9.2f %9.2f %9s %9s %9s %9s %6d %7s\n",
			res.Level.String(),
			win.Throughput, win.InferPerSec,
			msString(win.AvgLatency), msString(win.P90), msString(win.P99), msString(win.MaxLatency),
			win.Errored, stable)
	}

	if hasServerMetrics(rep) {
		fmt.Fprintf(w, "\n%-18s %8s %8s %11s %9s %8s\n",
			"SERVER", "UTIL", "MAX", "MEM(MiB)", "POWER(W)", "SAMPLES")
		for _, res := range rep.Results {
			if res.Server.Missing {
				fmt.Fprintf(w, "%-18s %8s\n", res.Level.String(), "n/a")
				continue
			}
			fmt.Fprintf(w, "%-18s %7.1f%% %7.1f%% %11.1f %9.1f %8d\n",
				res.Level.String(),
				res.Server.AvgUtilization*100, res.Server.MaxUtilization*100,
				res.Server.MaxMemoryBytes/(1<<20), res.Server.AvgPowerWatts,
				res.Server.Samples)
		}
	}

	for _, res := range rep.Results {
		if !res.Stable {
			fmt.Fprintf(w, "\n⚠️  %s did not stabilize within %d windows; its numbers are best-effort.\n",
				res.Level.String(), res.Trials)
		}
	}
	fmt.Fprintf(w, "\n")
}

// ExportCSV writes one row per load level.
func ExportCSV(rep *profile.Report, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{
		"kind", "level", "stable", "trials",
		"window_start", "window_end", "duration_s",
		"requests", "errors", "timeouts",
		"req_per_sec", "infer_per_sec",
		"avg_ms", "p50_ms", "p90_ms", "p95_ms", "p99_ms", "max_ms",
		"client_send_ms", "client_recv_ms",
		"gpu_util_avg", "gpu_util_max", "gpu_mem_max_bytes", "gpu_power_avg_w", "metric_samples",
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, res := range rep.Results {
		win := res.Window
		record := []string{
			res.Level.Kind.String(),
			fmt.Sprintf("%g", res.Level.Value()),
			fmt.Sprintf("%t", res.Stable),
			fmt.Sprintf("%d", res.Trials),
			win.Start.Format(time.RFC3339Nano),
			win.End.Format(time.RFC3339Nano),
			fmt.Sprintf("%.3f", win.Duration.Seconds()),
			fmt.Sprintf("%d", win.Completed),
			fmt.Sprintf("%d", win.Errored),
			fmt.Sprintf("%d", win.Timeouts),
			fmt.Sprintf("%.3f", win.Throughput),
			fmt.Sprintf("%.3f", win.InferPerSec),
			fmt.Sprintf("%.3f", ms(win.AvgLatency)),
			fmt.Sprintf("%.3f", ms(win.P50)),
			fmt.Sprintf("%.3f", ms(win.P90)),
			fmt.Sprintf("%.3f", ms(win.P95)),
			fmt.Sprintf("%.3f", ms(win.P99)),
			fmt.Sprintf("%.3f", ms(win.MaxLatency)),
			fmt.Sprintf("%.3f", ms(avgSend(win.Client))),
			fmt.Sprintf("%.3f", ms(avgRecv(win.Client))),
			fmt.Sprintf("%.4f", res.Server.AvgUtilization),
			fmt.Sprintf("%.4f", res.Server.MaxUtilization),
			fmt.Sprintf("%.0f", res.Server.MaxMemoryBytes),
			fmt.Sprintf("%.2f", res.Server.AvgPowerWatts),
			fmt.Sprintf("%d", res.Server.Samples),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// ExportJSON writes the full report with run metadata.
func ExportJSON(rep *profile.Report, meta Meta, filename string) error {
	doc := jsonReport{
		RunID:      rep.RunID,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Target:     meta.Target,
		Model:      meta.Model,
		Mode:       meta.Mode,
		Config:     meta.Config,
		Results:    make([]jsonResult, 0, len(rep.Results)),
	}
	for _, res := range rep.Results {
		doc.Results = append(doc.Results, toJSONResult(res))
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

type jsonReport struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Target     string       `json:"target,omitempty"`
	Model      string       `json:"model,omitempty"`
	Mode       string       `json:"mode,omitempty"`
	Config     any          `json:"config,omitempty"`
	Results    []jsonResult `json:"results"`
}

type jsonLatency struct {
	AvgMS float64 `json:"avg"`
	P50MS float64 `json:"p50"`
	P90MS float64 `json:"p90"`
	P95MS float64 `json:"p95"`
	P99MS float64 `json:"p99"`
	MaxMS float64 `json:"max"`
}

type jsonServer struct {
	AvgUtilization float64 `json:"avg_utilization"`
	MaxUtilization float64 `json:"max_utilization"`
	MaxMemoryBytes float64 `json:"max_memory_bytes"`
	AvgPowerWatts  float64 `json:"avg_power_watts"`
	Samples        int     `json:"samples"`
	Misses         int     `json:"misses,omitempty"`
}

type jsonResult struct {
	Kind         string      `json:"kind"`
	Level        float64     `json:"level"`
	Label        string      `json:"label"`
	Stable       bool        `json:"stable"`
	Trials       int         `json:"trials"`
	Requests     int64       `json:"requests"`
	Errors       int64       `json:"errors"`
	Timeouts     int64       `json:"timeouts"`
	DurationS    float64     `json:"duration_s"`
	ReqPerSec    float64     `json:"req_per_sec"`
	InferPerSec  float64     `json:"infer_per_sec"`
	LatencyMS    jsonLatency `json:"latency_ms"`
	ClientSendMS float64     `json:"client_send_ms"`
	ClientRecvMS float64     `json:"client_recv_ms"`
	Server       *jsonServer `json:"server,omitempty"`
}

func toJSONResult(res profile.Result) jsonResult {
	win := res.Window
	out := jsonResult{
		Kind:        res.Level.Kind.String(),
		Level:       res.Level.Value(),
		Label:       res.Level.String(),
		Stable:      res.Stable,
		Trials:      res.Trials,
		Requests:    win.Completed,
		Errors:      win.Errored,
		Timeouts:    win.Timeouts,
		DurationS:   win.Duration.Seconds(),
		ReqPerSec:   win.Throughput,
		InferPerSec: win.InferPerSec,
		LatencyMS: jsonLatency{
			AvgMS: ms(win.AvgLatency),
			P50MS: ms(win.P50),
			P90MS: ms(win.P90),
			P95MS: ms(win.P95),
			P99MS: ms(win.P99),
			MaxMS: ms(win.MaxLatency),
		},
		ClientSendMS: ms(avgSend(win.Client)),
		ClientRecvMS: ms(avgRecv(win.Client)),
	}
	if !res.Server.Missing {
		out.Server = &jsonServer{
			AvgUtilization: res.Server.AvgUtilization,
			MaxUtilization: res.Server.MaxUtilization,
			MaxMemoryBytes: res.Server.MaxMemoryBytes,
			AvgPowerWatts:  res.Server.AvgPowerWatts,
			Samples:        res.Server.Samples,
			Misses:         res.Server.Misses,
		}
	}
	return out
}

func hasServerMetrics(rep *profile.Report) bool {
	for _, res := range rep.Results {
		if !res.Server.Missing {
			return true
		}
	}
	return false
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func msString(d time.Duration) string {
	return fmt.Sprintf("%.1fms", ms(d))
}

func avgSend(c stats.ClientStat) time.Duration {
	if c.Count == 0 {
		return 0
	}
	return c.Send / time.Duration(c.Count)
}

func avgRecv(c stats.ClientStat) time.Duration {
	if c.Count == 0 {
		return 0
	}
	return c.Recv / time.Duration(c.Count)
}
