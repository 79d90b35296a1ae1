package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatihaltiok/timus/internal/logger"
	"github.com/fatihaltiok/timus/pkg/lane"
	"github.com/fatihaltiok/timus/pkg/resourceguard"
	"github.com/fatihaltiok/timus/pkg/toolcontract"
)

// Tokenizer providers.
const (
	TokenizerEstimate  = "estimate"
	TokenizerAnthropic = "anthropic"
)

// Config represents the complete runtime configuration
type Config struct {
	Lanes    lane.ManagerConfig  `json:"lanes" mapstructure:"lanes"`
	Registry toolcontract.Config `json:"registry" mapstructure:"registry"`
	Guard    GuardConfig         `json:"guard" mapstructure:"guard"`
	Policy   PolicyConfig        `json:"policy" mapstructure:"policy"`
	Logging  LoggingConfig       `json:"logging" mapstructure:"logging"`
	Audit    AuditConfig         `json:"audit" mapstructure:"audit"`
	Tracing  TracingConfig       `json:"tracing" mapstructure:"tracing"`
}

// GuardConfig holds resource guard limits and the token counter used to measure conversations.
type GuardConfig struct {
	resourceguard.Config `mapstructure:",squash"`
	Tokenizer            TokenizerConfig `json:"tokenizer" mapstructure:"tokenizer"`
}

// TokenizerConfig selects the token counter. The estimate provider needs no credentials.
type TokenizerConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // estimate or anthropic
	Model    string `json:"model,omitempty" mapstructure:"model"`
	APIKey   string `json:"api_key,omitempty" mapstructure:"api_key"`
}

// PolicyConfig points the gate at a block/allow table file.
type PolicyConfig struct {
	File     string        `json:"file,omitempty" mapstructure:"file"`
	Watch    bool          `json:"watch" mapstructure:"watch"`
	Debounce time.Duration `json:"debounce" mapstructure:"debounce"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file,omitempty" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSizeMB int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
}

// AuditConfig enables the audit trail of policy blocks, loop findings and capacity rejections.
type AuditConfig struct {
	File string `json:"file,omitempty" mapstructure:"file"`
}

// TracingConfig enables OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	lg := logger.DefaultConfig()
	return &Config{
		Lanes:    lane.DefaultManagerConfig(),
		Registry: toolcontract.DefaultConfig(),
		Guard: GuardConfig{
			Config:    resourceguard.DefaultConfig(),
			Tokenizer: TokenizerConfig{Provider: TokenizerEstimate},
		},
		Policy: PolicyConfig{
			Watch:    true,
			Debounce: 200 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:     lg.Level,
			Console:   lg.Console,
			Pretty:    lg.Pretty,
			Redaction: lg.Redaction,
			MaxSizeMB: lg.MaxSizeMB,
			MaxAge:    lg.MaxAge,
			Compress:  lg.Compress,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "timus",
		},
	}
}

// LoggerConfig converts the logging section into a logger configuration.
func (c LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:     c.Level,
		File:      c.File,
		Console:   c.Console,
		Pretty:    c.Pretty,
		Redaction: c.Redaction,
		MaxSizeMB: c.MaxSizeMB,
		MaxAge:    c.MaxAge,
		Compress:  c.Compress,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs[0])
	}
	return nil
}

// String returns the configuration as indented JSON with credentials masked.
func (c *Config) String() string {
	masked := *c
	if masked.Guard.Tokenizer.APIKey != "" {
		masked.Guard.Tokenizer.APIKey = "***"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("error marshaling config: %v", err)
	}
	return string(data)
}
