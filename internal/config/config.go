// Package config carries the run configuration assembled by the CLI layer.
// Validation happens here, before any worker spawns.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"infermeter/internal/load"
	"infermeter/internal/profile"
	"infermeter/internal/schedule"
)

// Mode names the sweep dimension.
type Mode string

const (
	ModeConcurrency Mode = "concurrency"
	ModeRate        Mode = "rate"
	ModeCustom      Mode = "custom"
)

// RampStage is one warm-up step applied before a rate level settles.
type RampStage struct {
	Duration time.Duration `mapstructure:"duration" json:"duration"`
	Rate     float64       `mapstructure:"rate" json:"rate"`
}

type Config struct {
	Target       string            `mapstructure:"target" json:"target"`
	MetricsURL   string            `mapstructure:"metrics-url" json:"metrics_url,omitempty"`
	Model        string            `mapstructure:"model" json:"model"`
	ModelVersion string            `mapstructure:"model-version" json:"model_version,omitempty"`
	ModelFile    string            `mapstructure:"model-file" json:"model_file,omitempty"`
	BatchSize    int               `mapstructure:"batch-size" json:"batch_size,omitempty"`
	Headers      map[string]string `mapstructure:"headers" json:"headers,omitempty"`

	// Exactly one of Concurrency, Rates, or ScheduleFile selects the mode.
	Concurrency  []int       `mapstructure:"concurrency" json:"concurrency,omitempty"`
	Rates        []float64   `mapstructure:"rate" json:"rate,omitempty"`
	ScheduleFile string      `mapstructure:"schedule" json:"schedule,omitempty"`
	Distribution string      `mapstructure:"distribution" json:"distribution"`
	RateWorkers  int         `mapstructure:"rate-workers" json:"rate_workers"`
	Ramp         []RampStage `mapstructure:"ramp" json:"ramp,omitempty"`

	WindowDuration     time.Duration `mapstructure:"window" json:"window"`
	SettleDelay        time.Duration `mapstructure:"settle" json:"settle"`
	StabilityThreshold float64       `mapstructure:"stability-threshold" json:"stability_threshold"`
	StabilityWindows   int           `mapstructure:"stability-windows" json:"stability_windows"`
	MaxTrials          int           `mapstructure:"max-trials" json:"max_trials"`
	StabilityPolicy    string        `mapstructure:"stability-policy" json:"stability_policy,omitempty"`

	RequestTimeout time.Duration `mapstructure:"request-timeout" json:"request_timeout"`
	MaxOutstanding int           `mapstructure:"max-outstanding" json:"max_outstanding"`
	StarvationWait time.Duration `mapstructure:"starvation-wait" json:"starvation_wait,omitempty"`

	SequenceStart  uint64 `mapstructure:"sequence-start" json:"sequence_start,omitempty"`
	SequenceRange  int    `mapstructure:"sequence-range" json:"sequence_range,omitempty"`
	SequenceLength int    `mapstructure:"sequence-length" json:"sequence_length,omitempty"`

	PollInterval time.Duration `mapstructure:"poll-interval" json:"poll_interval"`

	OutPrefix string `mapstructure:"out" json:"out,omitempty"`
	Live      bool   `mapstructure:"live" json:"live,omitempty"`
	Debug     bool   `mapstructure:"debug" json:"debug,omitempty"`
}

func Default() Config {
	return Config{
		Model:              "model",
		Distribution:       "constant",
		RateWorkers:        8,
		WindowDuration:     5 * time.Second,
		SettleDelay:        2 * time.Second,
		StabilityThreshold: 0.1,
		StabilityWindows:   3,
		MaxTrials:          10,
		RequestTimeout:     30 * time.Second,
		MaxOutstanding:     64,
		PollInterval:       time.Second,
	}
}

// RegisterDefaults seeds every key into viper. Unmarshal only surfaces keys
// viper knows about, so without this an environment-only override would be
// dropped.
func RegisterDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("target", "")
	v.SetDefault("metrics-url", "")
	v.SetDefault("model", def.Model)
	v.SetDefault("model-version", "")
	v.SetDefault("model-file", "")
	v.SetDefault("batch-size", 0)
	v.SetDefault("concurrency", nil)
	v.SetDefault("rate", nil)
	v.SetDefault("schedule", "")
	v.SetDefault("distribution", def.Distribution)
	v.SetDefault("rate-workers", def.RateWorkers)
	v.SetDefault("window", def.WindowDuration)
	v.SetDefault("settle", def.SettleDelay)
	v.SetDefault("stability-threshold", def.StabilityThreshold)
	v.SetDefault("stability-windows", def.StabilityWindows)
	v.SetDefault("max-trials", def.MaxTrials)
	v.SetDefault("stability-policy", "")
	v.SetDefault("request-timeout", def.RequestTimeout)
	v.SetDefault("max-outstanding", def.MaxOutstanding)
	v.SetDefault("starvation-wait", time.Duration(0))
	v.SetDefault("sequence-start", 0)
	v.SetDefault("sequence-range", 0)
	v.SetDefault("sequence-length", 0)
	v.SetDefault("poll-interval", def.PollInterval)
	v.SetDefault("out", "")
	v.SetDefault("live", false)
	v.SetDefault("debug", false)
}

// FromViper overlays file and environment values onto the defaults. Duration
// fields accept Go duration strings.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	return &cfg, nil
}

// Mode derives the sweep dimension; Validate must have passed first.
func (c *Config) Mode() Mode {
	switch {
	case c.ScheduleFile != "":
		return ModeCustom
	case len(c.Rates) > 0:
		return ModeRate
	default:
		return ModeConcurrency
	}
}

func (c *Config) Validate() error {
	if c.Target == "" {
		return errors.New("target URL is required")
	}
	if u, err := url.Parse(c.Target); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("target %q is not an absolute URL", c.Target)
	}
	if c.MetricsURL != "" {
		if u, err := url.Parse(c.MetricsURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("metrics URL %q is not an absolute URL", c.MetricsURL)
		}
	}

	selected := 0
	if len(c.Concurrency) > 0 {
		selected++
	}
	if len(c.Rates) > 0 {
		selected++
	}
	if c.ScheduleFile != "" {
		selected++
	}
	if selected == 0 {
		return errors.New("one of --concurrency, --rate, or --schedule is required")
	}
	if selected > 1 {
		return errors.New("concurrency, rate, and schedule sweeps are mutually exclusive")
	}

	for _, n := range c.Concurrency {
		if n < 1 {
			return fmt.Errorf("concurrency level %d must be at least 1", n)
		}
	}
	for _, r := range c.Rates {
		if r <= 0 {
			return fmt.Errorf("rate level %g must be positive", r)
		}
	}
	if _, err := schedule.ParseDistribution(c.Distribution); err != nil {
		return err
	}
	if c.RateWorkers < 1 {
		return fmt.Errorf("rate workers must be at least 1, got %d", c.RateWorkers)
	}
	for i, st := range c.Ramp {
		if st.Duration <= 0 {
			return fmt.Errorf("ramp stage %d: duration must be positive, got %s", i, st.Duration)
		}
		if st.Rate <= 0 {
			return fmt.Errorf("ramp stage %d: rate must be positive, got %g", i, st.Rate)
		}
	}

	if c.WindowDuration <= 0 {
		return fmt.Errorf("measurement window must be positive, got %s", c.WindowDuration)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle delay must not be negative, got %s", c.SettleDelay)
	}
	if c.StabilityThreshold <= 0 || c.StabilityThreshold > 1 {
		return fmt.Errorf("stability threshold must be in (0, 1], got %g", c.StabilityThreshold)
	}
	if c.StabilityWindows < 1 {
		return fmt.Errorf("stability windows must be at least 1, got %d", c.StabilityWindows)
	}
	if c.MaxTrials < c.StabilityWindows {
		return fmt.Errorf("max trials %d cannot satisfy %d stability windows", c.MaxTrials, c.StabilityWindows)
	}
	if _, err := profile.PolicyByName(c.StabilityPolicy); err != nil {
		return err
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxOutstanding < 1 {
		return fmt.Errorf("max outstanding must be at least 1, got %d", c.MaxOutstanding)
	}
	if c.StarvationWait < 0 {
		return fmt.Errorf("starvation wait must not be negative, got %s", c.StarvationWait)
	}
	if c.SequenceRange < 0 {
		return fmt.Errorf("sequence range must not be negative, got %d", c.SequenceRange)
	}
	if c.SequenceLength < 0 {
		return fmt.Errorf("sequence length must not be negative, got %d", c.SequenceLength)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative, got %d", c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

// Levels builds the sweep in configured order.
func (c *Config) Levels() []load.Level {
	switch c.Mode() {
	case ModeCustom:
		return []load.Level{load.ScheduleLevel()}
	case ModeRate:
		levels := make([]load.Level, 0, len(c.Rates))
		for _, r := range c.Rates {
			levels = append(levels, load.RateLevel(r))
		}
		return levels
	default:
		levels := make([]load.Level, 0, len(c.Concurrency))
		for _, n := range c.Concurrency {
			levels = append(levels, load.ConcurrencyLevel(n))
		}
		return levels
	}
}

// RampStages converts the configured warm-up for the rate manager.
func (c *Config) RampStages() []load.RampStage {
	if len(c.Ramp) == 0 {
		return nil
	}
	stages := make([]load.RampStage, 0, len(c.Ramp))
	for _, st := range c.Ramp {
		stages = append(stages, load.RampStage{Duration: st.Duration, Rate: st.Rate})
	}
	return stages
}

// ParseRampStage reads the "rate@duration" flag form, e.g. "50@5s".
func ParseRampStage(s string) (RampStage, error) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 {
		return RampStage{}, fmt.Errorf("ramp stage %q must look like RATE@DURATION", s)
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return RampStage{}, fmt.Errorf("ramp stage %q: bad rate: %w", s, err)
	}
	dur, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil {
		return RampStage{}, fmt.Errorf("ramp stage %q: bad duration: %w", s, err)
	}
	return RampStage{Duration: dur, Rate: rate}, nil
}

// ParseHeaders reads repeated "Key: Value" flags.
func ParseHeaders(raw []string) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return headers
}
