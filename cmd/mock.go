package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"infermeter/internal/mock"
)

var (
	mockAddr        string
	mockModel       string
	mockBaseLatency time.Duration
	mockJitter      time.Duration
	mockCapacity    float64
	mockBurst       int
	mockErrorRate   float64
	mockStallRate   float64
	mockStallFor    time.Duration
	mockDebug       bool
)

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a local mock inference endpoint",
	Long: `
Starts a KServe-style inference endpoint with simulated compute time, an
optional capacity cap, fault injection, and Triton-flavored Prometheus
metrics. Useful for trying sweeps without a real model server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(mockDebug, false)
		if err != nil {
			return err
		}
		defer logger.Sync()

		srv := mock.New(mock.Options{
			Addr:        mockAddr,
			ModelName:   mockModel,
			BaseLatency: mockBaseLatency,
			Jitter:      mockJitter,
			Capacity:    mockCapacity,
			Burst:       mockBurst,
			ErrorRate:   mockErrorRate,
			StallRate:   mockStallRate,
			StallFor:    mockStallFor,
			Logger:      logger,
		})

		fmt.Printf("👻 Mock inference server on http://localhost%s\n", mockAddr)
		fmt.Println("   Endpoints: /v2/models/{model}/infer, /v2/health/ready, /metrics, /admin/ready, /admin/stats")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

func init() {
	f := mockCmd.Flags()
	f.StringVar(&mockAddr, "addr", ":8500", "Listen address")
	f.StringVar(&mockModel, "model", "", "Only accept this model name (empty accepts any)")
	f.DurationVar(&mockBaseLatency, "base-latency", 25*time.Millisecond, "Simulated compute time")
	f.DurationVar(&mockJitter, "jitter", 10*time.Millisecond, "Uniform jitter around the compute time")
	f.Float64Var(&mockCapacity, "capacity", 0, "Served inferences/s cap; 0 is unlimited")
	f.IntVar(&mockBurst, "burst", 8, "Capacity token bucket burst")
	f.Float64Var(&mockErrorRate, "error-rate", 0, "Fraction of requests answered with HTTP 500")
	f.Float64Var(&mockStallRate, "stall-rate", 0, "Fraction of requests held until --stall-for")
	f.DurationVar(&mockStallFor, "stall-for", time.Minute, "How long injected stalls hold a request")
	f.BoolVar(&mockDebug, "debug", false, "Verbose development logging")
}
