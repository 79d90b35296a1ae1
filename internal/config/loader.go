package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TIMUS_LANES_MAX_LANES.
const EnvPrefix = "TIMUS"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, if present, over the defaults and applies environment overrides.
// The file format follows its extension (yaml, yml or json).
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := l.GetConfigPath()
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so environment overrides apply without a config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("lanes.max_lanes", d.Lanes.MaxLanes)
	v.SetDefault("lanes.idle_timeout", d.Lanes.IdleTimeout)
	v.SetDefault("lanes.janitor_schedule", d.Lanes.JanitorSchedule)
	v.SetDefault("lanes.lane.default_timeout", d.Lanes.Lane.DefaultTimeout)
	v.SetDefault("lanes.lane.max_parallel", d.Lanes.Lane.MaxParallel)
	v.SetDefault("lanes.lane.calls_per_second", d.Lanes.Lane.CallsPerSecond)
	v.SetDefault("lanes.lane.burst", d.Lanes.Lane.Burst)

	v.SetDefault("registry.worker_pool_size", d.Registry.WorkerPoolSize)
	v.SetDefault("registry.max_output_bytes", d.Registry.MaxOutputBytes)
	v.SetDefault("registry.max_logged_value_len", d.Registry.MaxLoggedValueLen)

	v.SetDefault("guard.max_tokens", d.Guard.MaxTokens)
	v.SetDefault("guard.warning_ratio", d.Guard.WarningRatio)
	v.SetDefault("guard.critical_ratio", d.Guard.CriticalRatio)
	v.SetDefault("guard.compress_threshold", d.Guard.CompressThreshold)
	v.SetDefault("guard.code_block_max_lines", d.Guard.CodeBlockMaxLines)
	v.SetDefault("guard.loop_threshold", d.Guard.LoopThreshold)
	v.SetDefault("guard.rapid_window", d.Guard.RapidWindow)
	v.SetDefault("guard.rapid_threshold", d.Guard.RapidThreshold)
	v.SetDefault("guard.max_iterations", d.Guard.MaxIterations)
	v.SetDefault("guard.max_duration", d.Guard.MaxDuration)
	v.SetDefault("guard.tokenizer.provider", d.Guard.Tokenizer.Provider)
	v.SetDefault("guard.tokenizer.model", d.Guard.Tokenizer.Model)
	v.SetDefault("guard.tokenizer.api_key", d.Guard.Tokenizer.APIKey)

	v.SetDefault("policy.file", d.Policy.File)
	v.SetDefault("policy.watch", d.Policy.Watch)
	v.SetDefault("policy.debounce", d.Policy.Debounce)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.redaction", d.Logging.Redaction)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("audit.file", d.Audit.File)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".timus", "timus.yaml")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
