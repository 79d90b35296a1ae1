package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatihaltiok/timus/internal/config"
	"github.com/fatihaltiok/timus/internal/logger"
	"github.com/fatihaltiok/timus/internal/observability"
	"github.com/fatihaltiok/timus/internal/tracing"
	"github.com/fatihaltiok/timus/pkg/admission"
	"github.com/fatihaltiok/timus/pkg/lane"
	"github.com/fatihaltiok/timus/pkg/policy"
	"github.com/fatihaltiok/timus/pkg/resourceguard"
	"github.com/fatihaltiok/timus/pkg/toolcontract"
)

const defaultCountModel = "claude-sonnet-4-20250514"

// Daemon builds the admission runtime from configuration and owns its background services:
// the policy file watcher and the idle lane janitor.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	registry   *toolcontract.Registry
	gate       *policy.Gate
	watcher    *policy.Watcher
	lanes      *lane.Manager
	tokenizer  resourceguard.Tokenizer
	audit      *observability.AuditLogger
	controller *admission.Controller

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
	Tools     int           `json:"tools"`
	Lanes     int           `json:"lanes"`
}

// New creates a new daemon instance. A nil log is built from cfg.Logging.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		l, err := logger.New(cfg.Logging.LoggerConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		log = l
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if cfg.Tracing.Enabled {
		tracing.InitOpenTelemetry(cfg.Tracing.ServiceName)
		d.tracingEnabled = true
		log.Info().Str("service", cfg.Tracing.ServiceName).Msg("Tracing initialized")
	}

	if err := d.initializeCoreModules(); err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	return d, nil
}

// initializeCoreModules builds components in dependency order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	d.registry = toolcontract.NewRegistry(cfg.Registry)

	tables, err := d.loadPolicy()
	if err != nil {
		return err
	}
	d.gate = policy.NewGate(tables)

	if cfg.Policy.File != "" && cfg.Policy.Watch {
		w, err := policy.NewWatcher(d.gate, cfg.Policy.File, cfg.Policy.Debounce)
		if err != nil {
			return fmt.Errorf("failed to create policy watcher: %w", err)
		}
		d.watcher = w
	}

	if cfg.Guard.Tokenizer.Provider == config.TokenizerAnthropic {
		model := cfg.Guard.Tokenizer.Model
		if model == "" {
			model = defaultCountModel
		}
		d.tokenizer = resourceguard.NewAnthropicCounter(cfg.Guard.Tokenizer.APIKey, model)
		d.logger.Info().Str("model", model).Msg("Using Anthropic token counter")
	}

	if cfg.Audit.File != "" {
		audit, err := observability.OpenAuditLogger(cfg.Audit.File)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		d.audit = audit
	}

	d.lanes = lane.NewManager(d.registry, cfg.Lanes)

	d.controller = admission.New(admission.Options{
		Registry:    d.registry,
		Gate:        d.gate,
		Lanes:       d.lanes,
		GuardConfig: cfg.Guard.Config,
		Tokenizer:   d.tokenizer,
		Audit:       d.audit,
	})

	return nil
}

// loadPolicy reads the configured table file. A missing file falls back to the built-in tables
// so the watcher can pick the file up once it is created.
func (d *Daemon) loadPolicy() (policy.Tables, error) {
	path := d.config.Policy.File
	if path == "" {
		return policy.DefaultTables(), nil
	}

	tables, err := policy.LoadTables(path)
	if errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn().Str("path", path).Msg("Policy file not found, using default tables")
		if err := policy.SaveTables(path, policy.DefaultTables()); err != nil {
			return policy.Tables{}, err
		}
		return policy.DefaultTables(), nil
	}
	if err != nil {
		return policy.Tables{}, err
	}

	d.logger.Info().
		Str("path", path).
		Int("blocked", len(tables.Blocked)).
		Int("always_allow", len(tables.AlwaysAllow)).
		Msg("Policy tables loaded")
	return tables, nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting Timus daemon")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.setStopped()
			return fmt.Errorf("failed to start policy watcher: %w", err)
		}
	}

	if d.config.Lanes.JanitorSchedule != "" {
		if err := d.lanes.StartJanitor(d.config.Lanes.JanitorSchedule); err != nil {
			if d.watcher != nil {
				_ = d.watcher.Stop()
			}
			d.setStopped()
			return fmt.Errorf("failed to start lane janitor: %w", err)
		}
	}

	logger.Info().Int("tools", len(d.registry.Names())).Msg("Daemon started successfully")

	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully. Pending lane calls fail with lane_closed.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping Timus daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop policy watcher")
		}
	}

	d.lanes.StopJanitor()
	d.lanes.CloseAll()
	logger.Info().Msg("Lanes closed")

	if err := d.audit.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	d.shutdownTracing()

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Tools:   len(d.registry.Names()),
		Lanes:   d.lanes.Count(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetRegistry returns the tool registry tools are registered on.
func (d *Daemon) GetRegistry() *toolcontract.Registry {
	return d.registry
}

// GetGate returns the policy gate
func (d *Daemon) GetGate() *policy.Gate {
	return d.gate
}

// GetLaneManager returns the lane manager
func (d *Daemon) GetLaneManager() *lane.Manager {
	return d.lanes
}

// GetController returns the admission controller
func (d *Daemon) GetController() *admission.Controller {
	return d.controller
}
