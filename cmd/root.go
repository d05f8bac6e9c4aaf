package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"infermeter/internal/banner"
	"infermeter/internal/config"
	"infermeter/internal/load"
	"infermeter/internal/profile"
	"infermeter/internal/report"
	"infermeter/internal/schedule"
	"infermeter/internal/telemetry"
	"infermeter/internal/transport"
	"infermeter/internal/tui"
	"infermeter/internal/workload"
)

var (
	cfgFile string

	// CLI flags; file and environment values fill anything left unset.
	flagTarget             string
	flagMetricsURL         string
	flagModel              string
	flagModelVersion       string
	flagModelFile          string
	flagBatchSize          int
	flagHeaders            []string
	flagConcurrency        []int
	flagRates              []float64
	flagDistribution       string
	flagScheduleFile       string
	flagRateWorkers        int
	flagRamp               []string
	flagWindow             time.Duration
	flagSettle             time.Duration
	flagStabilityThreshold float64
	flagStabilityWindows   int
	flagMaxTrials          int
	flagStabilityPolicy    string
	flagRequestTimeout     time.Duration
	flagMaxOutstanding     int
	flagStarvationWait     time.Duration
	flagSequenceStart      uint64
	flagSequenceRange      int
	flagSequenceLength     int
	flagPollInterval       time.Duration
	flagOutPrefix          string
	flagLive               bool
	flagDebug              bool
)

var rootCmd = &cobra.Command{
	Use:   "infermeter",
	Short: "Infermeter - latency/throughput profiler for model-serving endpoints",
	Long: `
Infermeter drives a model-serving endpoint with synthetic inference traffic
at controlled load levels, detects when measurements reach a steady state,
and sweeps across levels to build a latency/throughput profile.

Sweep dimensions:
1. Concurrency (--concurrency): closed-loop worker counts
2. Request rate (--rate): open-loop req/s targets, constant or poisson
3. Custom schedule (--schedule): replay a fixed interval list`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

func Execute() {
	// Custom help with banner
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(mockCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.infermeter.yaml)")

	f := rootCmd.Flags()
	f.StringVarP(&flagTarget, "target", "t", "", "Endpoint base URL, e.g. http://localhost:8500")
	f.StringVarP(&flagModel, "model", "m", "", "Model name")
	f.StringVar(&flagModelVersion, "model-version", "", "Model version segment in the infer path")
	f.StringVar(&flagModelFile, "model-file", "", "Model spec YAML (inputs, data mode, sequence settings)")
	f.IntVar(&flagBatchSize, "batch-size", 0, "Batch size carried by every request")
	f.StringSliceVarP(&flagHeaders, "header", "H", nil, "HTTP header (\"Key: Value\", repeatable)")

	f.IntSliceVarP(&flagConcurrency, "concurrency", "c", nil, "Concurrency sweep, e.g. 1,2,4,8")
	f.Float64SliceVarP(&flagRates, "rate", "r", nil, "Request-rate sweep in req/s, e.g. 100,200,400")
	f.StringVar(&flagDistribution, "distribution", "constant", "Inter-arrival distribution: constant or poisson")
	f.StringVar(&flagScheduleFile, "schedule", "", "Custom schedule YAML, replayed exactly as given")
	f.IntVar(&flagRateWorkers, "rate-workers", 8, "Workers sharing each rate target")
	f.StringSliceVar(&flagRamp, "ramp", nil, "Warm-up stages RATE@DURATION, e.g. 50@5s,100@5s")

	f.DurationVarP(&flagWindow, "window", "w", 5*time.Second, "Measurement window duration")
	f.DurationVar(&flagSettle, "settle", 2*time.Second, "Settle delay after each level change")
	f.Float64Var(&flagStabilityThreshold, "stability-threshold", 0.1, "Relative stability threshold in (0,1]")
	f.IntVar(&flagStabilityWindows, "stability-windows", 3, "Consecutive agreeing windows required")
	f.IntVar(&flagMaxTrials, "max-trials", 10, "Measurement window budget per level")
	f.StringVar(&flagStabilityPolicy, "stability-policy", "", "Stability policy: both, throughput, or latency")

	f.DurationVar(&flagRequestTimeout, "request-timeout", 30*time.Second, "Per-request timeout")
	f.IntVar(&flagMaxOutstanding, "max-outstanding", 64, "Outstanding request cap for open-loop pools")
	f.DurationVar(&flagStarvationWait, "starvation-wait", 0, "Sequence slot wait bound (default 10x request timeout)")
	f.Uint64Var(&flagSequenceStart, "sequence-start", 0, "First sequence id")
	f.IntVar(&flagSequenceRange, "sequence-range", 0, "Sequence slot count; non-zero enables sequence mode")
	f.IntVar(&flagSequenceLength, "sequence-length", 0, "Requests per sequence")

	f.StringVar(&flagMetricsURL, "metrics-url", "", "Prometheus endpoint sampled during measurement windows")
	f.DurationVar(&flagPollInterval, "poll-interval", time.Second, "Metrics sampling interval")

	f.StringVarP(&flagOutPrefix, "out", "o", "", "Report filename prefix (writes .csv and .json)")
	f.BoolVar(&flagLive, "live", false, "Render a live view during the sweep")
	f.BoolVar(&flagDebug, "debug", false, "Verbose development logging")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".infermeter")
		}
	}
	viper.SetEnvPrefix("INFERMETER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	config.RegisterDefaults(viper.GetViper())
	viper.ReadInConfig()
}

// buildConfig layers file and environment values under explicitly set flags.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}

	overrides := map[string]func(){
		"target":              func() { cfg.Target = flagTarget },
		"metrics-url":         func() { cfg.MetricsURL = flagMetricsURL },
		"model":               func() { cfg.Model = flagModel },
		"model-version":       func() { cfg.ModelVersion = flagModelVersion },
		"model-file":          func() { cfg.ModelFile = flagModelFile },
		"batch-size":          func() { cfg.BatchSize = flagBatchSize },
		"concurrency":         func() { cfg.Concurrency = flagConcurrency },
		"rate":                func() { cfg.Rates = flagRates },
		"distribution":        func() { cfg.Distribution = flagDistribution },
		"schedule":            func() { cfg.ScheduleFile = flagScheduleFile },
		"rate-workers":        func() { cfg.RateWorkers = flagRateWorkers },
		"window":              func() { cfg.WindowDuration = flagWindow },
		"settle":              func() { cfg.SettleDelay = flagSettle },
		"stability-threshold": func() { cfg.StabilityThreshold = flagStabilityThreshold },
		"stability-windows":   func() { cfg.StabilityWindows = flagStabilityWindows },
		"max-trials":          func() { cfg.MaxTrials = flagMaxTrials },
		"stability-policy":    func() { cfg.StabilityPolicy = flagStabilityPolicy },
		"request-timeout":     func() { cfg.RequestTimeout = flagRequestTimeout },
		"max-outstanding":     func() { cfg.MaxOutstanding = flagMaxOutstanding },
		"starvation-wait":     func() { cfg.StarvationWait = flagStarvationWait },
		"sequence-start":      func() { cfg.SequenceStart = flagSequenceStart },
		"sequence-range":      func() { cfg.SequenceRange = flagSequenceRange },
		"sequence-length":     func() { cfg.SequenceLength = flagSequenceLength },
		"poll-interval":       func() { cfg.PollInterval = flagPollInterval },
		"out":                 func() { cfg.OutPrefix = flagOutPrefix },
		"live":                func() { cfg.Live = flagLive },
		"debug":               func() { cfg.Debug = flagDebug },
	}
	for name, apply := range overrides {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}

	if headers := config.ParseHeaders(flagHeaders); headers != nil {
		cfg.Headers = headers
	}
	if cmd.Flags().Changed("ramp") {
		cfg.Ramp = cfg.Ramp[:0]
		for _, s := range flagRamp {
			stage, err := config.ParseRampStage(s)
			if err != nil {
				return nil, err
			}
			cfg.Ramp = append(cfg.Ramp, stage)
		}
	}
	return cfg, nil
}

func newLogger(debug, live bool) (*zap.Logger, error) {
	if live {
		// Logs would fight the live view for the terminal.
		return zap.NewNop(), nil
	}
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cmd *cobra.Command) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Debug, cfg.Live)
	if err != nil {
		return err
	}
	defer logger.Sync()

	spec, err := buildSpec(cfg)
	if err != nil {
		return err
	}

	client, err := transport.NewHTTPClient(transport.HTTPOptions{
		BaseURL:      cfg.Target,
		ModelVersion: cfg.ModelVersion,
		Headers:      cfg.Headers,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("waiting for endpoint readiness", zap.String("target", cfg.Target))
	if err := client.WaitReady(ctx); err != nil {
		return fmt.Errorf("endpoint never became ready: %w", err)
	}

	mgr, err := buildManager(cfg, spec, client, logger)
	if err != nil {
		return err
	}

	var poller *telemetry.Poller
	if cfg.MetricsURL != "" {
		source := telemetry.NewPromSource(cfg.MetricsURL, telemetry.MetricNames{})
		poller = telemetry.NewPoller(source, cfg.PollInterval, logger)
	}

	policy, err := profile.PolicyByName(cfg.StabilityPolicy)
	if err != nil {
		return err
	}

	var updates chan profile.Update
	if cfg.Live {
		updates = make(chan profile.Update, 64)
	}

	prof, err := profile.New(profile.Options{
		Manager:        mgr,
		Levels:         cfg.Levels(),
		WindowDuration: cfg.WindowDuration,
		SettleDelay:    cfg.SettleDelay,
		Threshold:      cfg.StabilityThreshold,
		StableWindows:  cfg.StabilityWindows,
		MaxTrials:      cfg.MaxTrials,
		Policy:         policy,
		Poller:         poller,
		Logger:         logger,
		Updates:        updates,
	})
	if err != nil {
		return err
	}

	meta := report.Meta{
		Target: cfg.Target,
		Model:  spec.Name,
		Mode:   string(cfg.Mode()),
		Config: cfg,
	}

	var rep *profile.Report
	var runErr error
	if cfg.Live {
		rep, runErr = runLive(ctx, cfg, prof, updates)
	} else {
		rep, runErr = prof.Run(ctx)
	}

	if rep != nil {
		report.WriteConsole(os.Stdout, rep, meta)
		if cfg.OutPrefix != "" && len(rep.Results) > 0 {
			if err := report.ExportCSV(rep, cfg.OutPrefix+".csv"); err != nil {
				logger.Error("write CSV report", zap.Error(err))
			}
			if err := report.ExportJSON(rep, meta, cfg.OutPrefix+".json"); err != nil {
				logger.Error("write JSON report", zap.Error(err))
			}
			fmt.Printf("💾 Reports saved to %s.{csv,json}\n", cfg.OutPrefix)
		}
	}

	if runErr != nil && errors.Is(runErr, context.Canceled) {
		fmt.Println("Run canceled.")
		return nil
	}
	return runErr
}

// runLive pumps the profiler through the live monitor.
func runLive(ctx context.Context, cfg *config.Config, prof *profile.Profiler, updates chan profile.Update) (*profile.Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan tui.Outcome, 1)
	go func() {
		rep, err := prof.Run(runCtx)
		done <- tui.Outcome{Report: rep, Err: err}
	}()

	outcome, err := tui.Run(tui.Options{
		Target:        cfg.Target,
		Model:         cfg.Model,
		Mode:          string(cfg.Mode()),
		Levels:        cfg.Levels(),
		MaxTrials:     cfg.MaxTrials,
		StableWindows: cfg.StabilityWindows,
		Updates:       updates,
		Done:          done,
		Cancel:        cancel,
	})
	if err != nil {
		cancel()
		out := <-done
		return out.Report, out.Err
	}
	if outcome.Report == nil && outcome.Err == nil {
		// View exited before the sweep finished; wait for the unwind.
		cancel()
		outcome = <-done
	}
	return outcome.Report, outcome.Err
}

func buildSpec(cfg *config.Config) (*workload.ModelSpec, error) {
	var spec *workload.ModelSpec
	if cfg.ModelFile != "" {
		loaded, err := workload.LoadSpec(cfg.ModelFile)
		if err != nil {
			return nil, err
		}
		spec = loaded
	} else {
		spec = workload.DefaultSpec(cfg.Model)
	}

	if cfg.BatchSize > 0 {
		spec.BatchSize = cfg.BatchSize
	}
	if cfg.SequenceRange > 0 {
		spec.Stateful = true
		spec.Sequence.Range = cfg.SequenceRange
		if cfg.SequenceStart > 0 {
			spec.Sequence.StartID = cfg.SequenceStart
		}
		if cfg.SequenceLength > 0 {
			spec.Sequence.Length = cfg.SequenceLength
		}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func buildManager(cfg *config.Config, spec *workload.ModelSpec, client transport.Client, logger *zap.Logger) (load.Manager, error) {
	base := load.Options{
		Client:         client,
		Spec:           spec,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		MaxOutstanding: cfg.MaxOutstanding,
		StarvationWait: cfg.StarvationWait,
	}

	switch cfg.Mode() {
	case config.ModeRate:
		dist, err := schedule.ParseDistribution(cfg.Distribution)
		if err != nil {
			return nil, err
		}
		return load.NewRateManager(load.RateOptions{
			Options:      base,
			Workers:      cfg.RateWorkers,
			Distribution: dist,
			Ramp:         cfg.RampStages(),
		})
	case config.ModeCustom:
		intervals, err := schedule.LoadFile(cfg.ScheduleFile)
		if err != nil {
			return nil, err
		}
		return load.NewCustomManager(load.CustomOptions{
			Options:   base,
			Intervals: intervals,
			Workers:   cfg.RateWorkers,
		})
	default:
		return load.NewConcurrencyManager(base)
	}
}
