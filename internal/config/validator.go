package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case TokenizerAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	}

	return nil
}

// ValidateTokenizerProvider validates the token counter provider
func (v *Validator) ValidateTokenizerProvider(provider string) error {
	switch provider {
	case "", TokenizerEstimate, TokenizerAnthropic:
		return nil
	}
	return fmt.Errorf("invalid tokenizer provider: %s (must be one of: %s, %s)", provider, TokenizerEstimate, TokenizerAnthropic)
}

// ValidateSchedule validates a cron schedule, including descriptors such as "@every 1m".
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil // Janitor disabled
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateRatio validates a fraction in (0, 1]
func (v *Validator) ValidateRatio(name string, ratio float64) error {
	if ratio <= 0 || ratio > 1 {
		return fmt.Errorf("%s must be in (0, 1], got %f", name, ratio)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Lanes
	if cfg.Lanes.MaxLanes <= 0 {
		errors = append(errors, fmt.Errorf("lanes.max_lanes must be > 0"))
	}
	if cfg.Lanes.IdleTimeout < 0 {
		errors = append(errors, fmt.Errorf("lanes.idle_timeout must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Lanes.JanitorSchedule); err != nil {
		errors = append(errors, fmt.Errorf("lanes.janitor_schedule: %w", err))
	}
	if cfg.Lanes.Lane.DefaultTimeout < 0 {
		errors = append(errors, fmt.Errorf("lanes.lane.default_timeout must be >= 0"))
	}
	if cfg.Lanes.Lane.MaxParallel < 0 {
		errors = append(errors, fmt.Errorf("lanes.lane.max_parallel must be >= 0"))
	}
	if cfg.Lanes.Lane.CallsPerSecond < 0 {
		errors = append(errors, fmt.Errorf("lanes.lane.calls_per_second must be >= 0"))
	}
	if cfg.Lanes.Lane.Burst < 0 {
		errors = append(errors, fmt.Errorf("lanes.lane.burst must be >= 0"))
	}

	// Registry
	if cfg.Registry.WorkerPoolSize <= 0 {
		errors = append(errors, fmt.Errorf("registry.worker_pool_size must be > 0"))
	}
	if cfg.Registry.MaxOutputBytes < 0 {
		errors = append(errors, fmt.Errorf("registry.max_output_bytes must be >= 0"))
	}

	// Guard
	if cfg.Guard.MaxTokens <= 0 {
		errors = append(errors, fmt.Errorf("guard.max_tokens must be > 0"))
	}
	if err := v.ValidateRatio("guard.warning_ratio", cfg.Guard.WarningRatio); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateRatio("guard.critical_ratio", cfg.Guard.CriticalRatio); err != nil {
		errors = append(errors, err)
	}
	if cfg.Guard.WarningRatio >= cfg.Guard.CriticalRatio {
		errors = append(errors, fmt.Errorf("guard.warning_ratio must be below guard.critical_ratio"))
	}
	if cfg.Guard.LoopThreshold < 1 {
		errors = append(errors, fmt.Errorf("guard.loop_threshold must be >= 1"))
	}
	if cfg.Guard.MaxIterations < 0 {
		errors = append(errors, fmt.Errorf("guard.max_iterations must be >= 0"))
	}
	if cfg.Guard.MaxDuration < 0 {
		errors = append(errors, fmt.Errorf("guard.max_duration must be >= 0"))
	}
	if err := v.ValidateTokenizerProvider(cfg.Guard.Tokenizer.Provider); err != nil {
		errors = append(errors, err)
	} else if cfg.Guard.Tokenizer.Provider == TokenizerAnthropic {
		if err := v.ValidateAPIKey(cfg.Guard.Tokenizer.APIKey, TokenizerAnthropic); err != nil {
			errors = append(errors, fmt.Errorf("guard.tokenizer: %w", err))
		}
	}

	// Policy
	if cfg.Policy.Debounce < 0 {
		errors = append(errors, fmt.Errorf("policy.debounce must be >= 0"))
	}

	// Logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
