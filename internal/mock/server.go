// Package mock runs a local KServe-style inference endpoint for development
// and end-to-end runs: simulated compute time, a capacity cap so latency
// grows under overload, optional fault injection, sequence bookkeeping, and
// Triton-flavored Prometheus gauges.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"infermeter/internal/stats"
)

type Options struct {
	Addr      string
	ModelName string // empty accepts any model

	// BaseLatency and Jitter shape the simulated compute time,
	// base plus a uniform draw from [-jitter, +jitter].
	BaseLatency time.Duration
	Jitter      time.Duration

	// Capacity caps served inferences per second via a token bucket;
	// zero means unlimited. Queued requests wait, so offered load above
	// capacity shows up as latency.
	Capacity float64
	Burst    int

	// ErrorRate is the fraction of requests answered with HTTP 500.
	ErrorRate float64
	// StallRate is the fraction of requests held until StallFor expires
	// or the client gives up.
	StallRate float64
	StallFor  time.Duration

	Logger *zap.Logger
}

func (o *Options) fill() {
	if o.Addr == "" {
		o.Addr = ":8500"
	}
	if o.BaseLatency <= 0 {
		o.BaseLatency = 25 * time.Millisecond
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.StallFor <= 0 {
		o.StallFor = time.Minute
	}
	if o.Burst <= 0 {
		o.Burst = 8
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Server is the mock endpoint. Readiness is toggleable so outage handling
// can be exercised end to end.
type Server struct {
	opts    Options
	logger  *zap.Logger
	limiter *rate.Limiter

	ready    atomic.Bool
	inflight atomic.Int64
	served   atomic.Int64
	busyNS   atomic.Int64

	seqMu sync.Mutex
	seqs  map[uint64]int

	hist *stats.SafeHistogram

	registry  *prometheus.Registry
	gpuUtil   prometheus.Gauge
	gpuMemory prometheus.Gauge
	gpuPower  prometheus.Gauge
	successes prometheus.Counter
	failures  prometheus.Counter

	httpSrv *http.Server
}

func New(opts Options) *Server {
	opts.fill()
	s := &Server{
		opts:     opts,
		logger:   opts.Logger,
		seqs:     make(map[uint64]int),
		hist:     stats.NewSafeHistogram(),
		registry: prometheus.NewRegistry(),
	}
	if opts.Capacity > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.Capacity), opts.Burst)
	}
	s.ready.Store(true)

	factory := promauto.With(s.registry)
	gpuLabels := prometheus.Labels{"gpu_uuid": "GPU-mock-0"}
	s.gpuUtil = factory.NewGauge(prometheus.GaugeOpts{
		Name: "nv_gpu_utilization", Help: "Simulated GPU utilization (0..1).", ConstLabels: gpuLabels,
	})
	s.gpuMemory = factory.NewGauge(prometheus.GaugeOpts{
		Name: "nv_gpu_memory_used_bytes", Help: "Simulated GPU memory in use.", ConstLabels: gpuLabels,
	})
	s.gpuPower = factory.NewGauge(prometheus.GaugeOpts{
		Name: "nv_gpu_power_usage", Help: "Simulated GPU power draw in watts.", ConstLabels: gpuLabels,
	})
	s.successes = factory.NewCounter(prometheus.CounterOpts{
		Name: "nv_inference_request_success", Help: "Requests answered successfully.",
	})
	s.failures = factory.NewCounter(prometheus.CounterOpts{
		Name: "nv_inference_request_failure", Help: "Requests answered with an error.",
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/models/{model}/infer", s.handleInfer)
	mux.HandleFunc("POST /v2/models/{model}/versions/{version}/infer", s.handleInfer)
	mux.HandleFunc("GET /v2/models/{model}", s.handleModelMetadata)
	mux.HandleFunc("GET /v2/health/ready", s.handleReady)
	mux.HandleFunc("GET /v2/health/live", s.handleLive)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /admin/ready", s.handleAdminReady)
	mux.HandleFunc("GET /admin/stats", s.handleAdminStats)

	s.httpSrv = &http.Server{Addr: opts.Addr, Handler: mux}
	return s
}

// Handler exposes the mux for in-process tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// SetReady flips the readiness probe; false simulates an outage.
func (s *Server) SetReady(v bool) { s.ready.Store(v) }

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.logger.Info("mock inference server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("model", s.opts.ModelName),
		zap.Duration("base_latency", s.opts.BaseLatency),
		zap.Float64("capacity", s.opts.Capacity))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.utilizationLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// utilizationLoop converts accumulated compute time into the exported
// gauges once a second.
func (s *Server) utilizationLoop(ctx context.Context) {
	const interval = time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			busy := time.Duration(s.busyNS.Swap(0))
			util := float64(busy) / float64(interval)
			if util > 1 {
				util = 1
			}
			s.seqMu.Lock()
			active := len(s.seqs)
			s.seqMu.Unlock()

			s.gpuUtil.Set(util)
			s.gpuMemory.Set(256*(1<<20) + util*64*(1<<20) + float64(active)*8*(1<<20))
			s.gpuPower.Set(60 + 240*util)
		}
	}
}

type inferRequest struct {
	ID     string `json:"id"`
	Inputs []struct {
		Name     string          `json:"name"`
		Datatype string          `json:"datatype"`
		Shape    []int64         `json:"shape"`
		Data     json.RawMessage `json:"data"`
	} `json:"inputs"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "server not ready")
		s.failures.Inc()
		return
	}
	model := r.PathValue("model")
	if s.opts.ModelName != "" && model != s.opts.ModelName {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown model %q", model))
		s.failures.Inc()
		return
	}

	var req inferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		s.failures.Inc()
		return
	}
	if len(req.Inputs) == 0 {
		writeError(w, http.StatusBadRequest, "request has no inputs")
		s.failures.Inc()
		return
	}
	if code, msg := s.trackSequence(req.Parameters); code != 0 {
		writeError(w, code, msg)
		s.failures.Inc()
		return
	}

	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	start := time.Now()

	if s.opts.StallRate > 0 && rand.Float64() < s.opts.StallRate {
		select {
		case <-time.After(s.opts.StallFor):
		case <-r.Context().Done():
			return
		}
	}
	if s.opts.ErrorRate > 0 && rand.Float64() < s.opts.ErrorRate {
		writeError(w, http.StatusInternalServerError, "injected failure")
		s.failures.Inc()
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(r.Context()); err != nil {
			return // client gave up while queued
		}
	}

	compute := s.opts.BaseLatency
	if s.opts.Jitter > 0 {
		compute += time.Duration((rand.Float64()*2 - 1) * float64(s.opts.Jitter))
	}
	if compute < 0 {
		compute = 0
	}
	select {
	case <-time.After(compute):
	case <-r.Context().Done():
		return
	}
	s.busyNS.Add(int64(compute))

	_ = s.hist.RecordDuration(time.Since(start))
	s.served.Add(1)
	s.successes.Inc()

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"id":            req.ID,
		"model_name":    model,
		"model_version": "1",
		"outputs": []map[string]any{
			{"name": "OUTPUT0", "datatype": "FP32", "shape": []int64{1}, "data": []float64{rand.Float64()}},
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// trackSequence validates and records sequence control parameters. A zero
// return code means the request may proceed.
func (s *Server) trackSequence(params map[string]any) (int, string) {
	seqID := asUint64(params["sequence_id"])
	if seqID == 0 {
		return 0, ""
	}
	seqStart := asBool(params["sequence_start"])
	seqEnd := asBool(params["sequence_end"])

	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	_, active := s.seqs[seqID]
	if seqStart && active {
		return http.StatusBadRequest, fmt.Sprintf("sequence %d already active", seqID)
	}
	if !seqStart && !active {
		return http.StatusBadRequest, fmt.Sprintf("sequence %d not started", seqID)
	}
	s.seqs[seqID]++
	if seqEnd {
		delete(s.seqs, seqID)
	}
	return 0, ""
}

func (s *Server) handleModelMetadata(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	if s.opts.ModelName != "" && model != s.opts.ModelName {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown model %q", model))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"name":     model,
		"versions": []string{"1"},
		"platform": "mock",
		"inputs":   []map[string]any{{"name": "INPUT0", "datatype": "FP32", "shape": []int64{-1, 16}}},
		"outputs":  []map[string]any{{"name": "OUTPUT0", "datatype": "FP32", "shape": []int64{-1, 1}}},
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAdminReady(w http.ResponseWriter, r *http.Request) {
	v, err := strconv.ParseBool(r.URL.Query().Get("value"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "value must be true or false")
		return
	}
	s.SetReady(v)
	s.logger.Info("readiness toggled", zap.Bool("ready", v))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, _ *http.Request) {
	s.seqMu.Lock()
	active := len(s.seqs)
	s.seqMu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"served":           s.served.Load(),
		"inflight":         s.inflight.Load(),
		"active_sequences": active,
		"latency_count":    s.hist.TotalCount(),
		"latency_p50_ms":   float64(s.hist.ValueAtQuantile(50)) / float64(time.Millisecond),
		"latency_p99_ms":   float64(s.hist.ValueAtQuantile(99)) / float64(time.Millisecond),
		"latency_max_ms":   float64(s.hist.Max()) / float64(time.Millisecond),
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func asUint64(v any) uint64 {
	switch n := v.(type) {
	case float64:
		return uint64(n)
	case string:
		u, _ := strconv.ParseUint(n, 10, 64)
		return u
	default:
		return 0
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
