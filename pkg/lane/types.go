package lane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatihaltiok/timus/pkg/toolcontract"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Status is the lifecycle state of a lane.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusBusy   Status = "busy"
	StatusQueued Status = "queued" // calls are waiting behind a running one
	StatusError  Status = "error"  // idle, but the last call failed
	StatusClosed Status = "closed"
)

// Execution modes recorded in metrics and spans.
const (
	modeSerial   = "serial"
	modeBypass   = "bypass"
	modeParallel = "parallel"
)

// Config holds per-lane configuration
type Config struct {
	// DefaultTimeout caps every call on the lane; 0 disables the lane-level limit.
	DefaultTimeout time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
	// MaxParallel is the concurrency limit used when ExecuteParallel gets maxConcurrent <= 0.
	MaxParallel int `json:"max_parallel" mapstructure:"max_parallel"`
	// CallsPerSecond rate-limits calls on the lane; 0 disables limiting.
	CallsPerSecond float64 `json:"calls_per_second" mapstructure:"calls_per_second"`
	Burst          int     `json:"burst" mapstructure:"burst"`
}

// DefaultConfig returns default lane configuration
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 60 * time.Second,
		MaxParallel:    5,
	}
}

// QueuedCall is one tool call as submitted to a lane.
type QueuedCall struct {
	CallID     string                 `json:"call_id"`
	Tool       string                 `json:"tool"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Priority   int                    `json:"priority"` // carried for observers; the queue stays FIFO
	Timeout    time.Duration          `json:"timeout,omitempty"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// Stats are monotonic per-lane counters.
type Stats struct {
	TotalCalls    int64         `json:"total_calls"`
	SuccessCalls  int64         `json:"success_calls"`
	FailedCalls   int64         `json:"failed_calls"`
	TotalDuration time.Duration `json:"total_duration"`
	ParallelCalls int64         `json:"parallel_calls"`
}

// Snapshot is the observable state of a lane.
type Snapshot struct {
	ID         string        `json:"id"`
	Status     Status        `json:"status"`
	QueueDepth int           `json:"queue_depth"`
	Stats      Stats         `json:"stats"`
	IdleFor    time.Duration `json:"idle_for"`
	CreatedAt  time.Time     `json:"created_at"`
	LastActive time.Time     `json:"last_active"`
}

// CallOption configures a single ExecuteTool call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout  time.Duration
	priority int
	callID   string
	bypass   bool
}

// WithTimeout sets the caller's timeout for the call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithPriority tags the call with a priority.
func WithPriority(p int) CallOption {
	return func(o *callOptions) { o.priority = p }
}

// WithCallID sets the call id instead of generating one.
func WithCallID(id string) CallOption {
	return func(o *callOptions) { o.callID = id }
}

// BypassQueue runs the call immediately without taking a place in the lane's queue. The caller
// is responsible for its safety next to the serial calls.
func BypassQueue() CallOption {
	return func(o *callOptions) { o.bypass = true }
}

func newCallID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("call-%d", time.Now().UnixNano())
	}
	return id
}

// effectiveTimeout is the smallest positive timeout of those given, or 0 when none is set.
func effectiveTimeout(timeouts ...time.Duration) time.Duration {
	var out time.Duration
	for _, t := range timeouts {
		if t > 0 && (out == 0 || t < out) {
			out = t
		}
	}
	return out
}

// contextFailure turns a caller giving up before the lane produced a result into a result.
func contextFailure(call QueuedCall, err error, waited time.Duration) toolcontract.ToolCallResult {
	ce := toolcontract.ExecutionError(call.Tool, fmt.Errorf("call cancelled: %w", err))
	if errors.Is(err, context.DeadlineExceeded) {
		ce = toolcontract.TimeoutError(call.Tool, 0, waited)
	}
	result := toolcontract.Failure(call.CallID, call.Tool, call.Params, ce)
	result.Duration = waited
	return result
}
