// Package config loads the viper-backed Config struct covering both the
// domain knobs that size and tune a deployment and the ambient knobs
// layered on top of it. Defaults load first, then an optional file, then
// NIXL_-prefixed environment variables, all unmarshalled into a single
// mapstructure-tagged struct.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable exposed to deployments of this module.
type Config struct {
	// StripingThreshold is the byte size at or above which a transfer is
	// split across multiple rails.
	StripingThreshold uint64 `mapstructure:"striping_threshold"`
	// NumWorkers is the number of sub-engines a multiengine.Router creates,
	// before the max(N, num_gpus) cap is applied.
	NumWorkers int `mapstructure:"num_workers"`
	// EnableProgressThread controls whether the data-rail progress
	// goroutine runs at all.
	EnableProgressThread bool `mapstructure:"enable_progress_thread"`
	// ProgressThreadDelay is the idle sleep of that goroutine.
	ProgressThreadDelay time.Duration `mapstructure:"progress_thread_delay_us"`
	// Devices restricts rail discovery to the listed NIC names. Empty
	// means no restriction.
	Devices []string `mapstructure:"ucx_devices"`
	// ErrHandlingMode is "none" or "peer".
	ErrHandlingMode string `mapstructure:"err_handling_mode"`

	// LogLevel is the zap level name used by the default logger adapter.
	LogLevel string `mapstructure:"log_level"`
	// MetricsNamespace and MetricsSubsystem are forwarded to the
	// Prometheus/OTel MetricHook constructor options.
	MetricsNamespace string `mapstructure:"metrics_namespace"`
	MetricsSubsystem string `mapstructure:"metrics_subsystem"`
	// ConnectTimeout bounds Connect's suspension point. Zero selects the
	// engine's default timeout; a negative value means unbounded blocking.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// NumControlRails is how many control rails to create per host.
	NumControlRails int `mapstructure:"num_control_rails"`
}

// Options are overrides applied after the file and environment are loaded,
// mirroring nebulaio config.Options' command-line-flag precedence.
type Options struct {
	StripingThreshold uint64
	NumWorkers        int
	ConnectTimeout    time.Duration
}

// Load builds a Config from defaults, an optional file at configPath, and
// NIXL_-prefixed environment variables, in ascending precedence, then
// applies opts last. configPath may be empty, in which case only the
// working directory and /etc/nixl are searched and a missing file is not an
// error.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("nixl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nixl")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("NIXL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.StripingThreshold != 0 {
		v.Set("striping_threshold", opts.StripingThreshold)
	}
	if opts.NumWorkers != 0 {
		v.Set("num_workers", opts.NumWorkers)
	}
	if opts.ConnectTimeout != 0 {
		v.Set("connect_timeout", opts.ConnectTimeout)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("striping_threshold", 512*1024)
	v.SetDefault("num_workers", 1)
	v.SetDefault("enable_progress_thread", true)
	v.SetDefault("progress_thread_delay_us", time.Millisecond)
	v.SetDefault("err_handling_mode", "none")

	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_namespace", "nixl")
	v.SetDefault("metrics_subsystem", "")
	v.SetDefault("connect_timeout", 30*time.Second)
	v.SetDefault("num_control_rails", 1)
}
