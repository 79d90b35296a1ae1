package lane

import (
	"context"
	"sync"
	"time"

	"github.com/fatihaltiok/timus/internal/observability"
	"github.com/fatihaltiok/timus/internal/tracing"
	"github.com/fatihaltiok/timus/pkg/toolcontract"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// record tracks one queued call until its result is delivered
type record struct {
	call   QueuedCall
	ctx    context.Context
	result chan toolcontract.ToolCallResult
}

// Lane is the isolated execution context of one conversation. Serial calls are queued and run one
// at a time, in submission order, by a single drainer goroutine.
type Lane struct {
	id       string
	registry *toolcontract.Registry
	cfg      Config
	limiter  *rate.Limiter

	mu         sync.Mutex
	queue      []*record
	draining   bool
	busy       bool // a serial call is executing
	inflight   int  // bypass and parallel calls executing
	closed     bool
	lastFailed bool
	stats      Stats
	createdAt  time.Time
	lastActive time.Time
}

// New creates a lane that executes calls through registry.
func New(id string, registry *toolcontract.Registry, cfg Config) *Lane {
	now := time.Now()
	l := &Lane{
		id:         id,
		registry:   registry,
		cfg:        cfg,
		createdAt:  now,
		lastActive: now,
	}
	if cfg.CallsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), burst)
	}
	return l
}

// ID returns the lane id
func (l *Lane) ID() string {
	return l.id
}

// Submit queues call and returns a channel that receives exactly one result. Calls submitted to
// the same lane complete in submission order.
func (l *Lane) Submit(ctx context.Context, call QueuedCall) <-chan toolcontract.ToolCallResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if call.CallID == "" {
		call.CallID = newCallID()
	}
	call.EnqueuedAt = time.Now()

	out := make(chan toolcontract.ToolCallResult, 1)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		out <- toolcontract.Failure(call.CallID, call.Tool, call.Params, toolcontract.LaneClosedError(call.Tool, l.id))
		return out
	}
	l.queue = append(l.queue, &record{call: call, ctx: ctx, result: out})
	depth := len(l.queue)
	start := !l.draining
	l.draining = true
	l.mu.Unlock()

	log.Debug().
		Str("lane", l.id).
		Str("call_id", call.CallID).
		Str("tool", call.Tool).
		Int("priority", call.Priority).
		Int("queue_depth", depth).
		Msg("Call enqueued")

	observability.SetLaneQueueDepth(l.id, depth)

	if start {
		go l.drain()
	}
	return out
}

// drain executes queued calls until the queue is empty.
func (l *Lane) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		rec := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.busy = true
		depth := len(l.queue)
		l.mu.Unlock()

		observability.SetLaneQueueDepth(l.id, depth)

		var result toolcontract.ToolCallResult
		if err := rec.ctx.Err(); err != nil {
			// The caller gave up while the call was queued.
			result = contextFailure(rec.call, err, time.Since(rec.call.EnqueuedAt))
			l.recordResult(result, modeSerial)
		} else {
			result = l.run(rec.ctx, rec.call, modeSerial)
		}

		l.mu.Lock()
		l.busy = false
		l.mu.Unlock()

		rec.result <- result
		close(rec.result)
	}
}

// ExecuteTool runs one call on the lane and waits for its result. By default the call is queued
// behind earlier calls; see BypassQueue.
func (l *Lane) ExecuteTool(ctx context.Context, name string, params map[string]interface{}, opts ...CallOption) toolcontract.ToolCallResult {
	if ctx == nil {
		ctx = context.Background()
	}

	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	call := QueuedCall{
		CallID:   o.callID,
		Tool:     name,
		Params:   params,
		Priority: o.priority,
		Timeout:  o.timeout,
	}
	if call.CallID == "" {
		call.CallID = newCallID()
	}

	if o.bypass {
		return l.executeBypass(ctx, call, modeBypass)
	}

	start := time.Now()
	select {
	case result := <-l.Submit(ctx, call):
		return result
	case <-ctx.Done():
		return contextFailure(call, ctx.Err(), time.Since(start))
	}
}

// executeBypass runs call immediately next to whatever the drainer is doing.
func (l *Lane) executeBypass(ctx context.Context, call QueuedCall, mode string) toolcontract.ToolCallResult {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return toolcontract.Failure(call.CallID, call.Tool, call.Params, toolcontract.LaneClosedError(call.Tool, l.id))
	}
	l.inflight++
	if mode == modeParallel {
		l.stats.ParallelCalls++
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.inflight--
		l.mu.Unlock()
	}()

	return l.run(ctx, call, mode)
}

// run validates and dispatches call under the effective timeout and records its result.
func (l *Lane) run(ctx context.Context, call QueuedCall, mode string) toolcontract.ToolCallResult {
	ctx = tracing.WithLaneID(ctx, l.id)
	ctx = tracing.WithCallID(ctx, call.CallID)
	ctx, span := tracing.StartSpan(ctx, "timus.lane", "lane.execute",
		attribute.String("tool", call.Tool),
		attribute.String("mode", mode),
	)
	defer span.End()

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			result := toolcontract.Failure(call.CallID, call.Tool, call.Params, toolcontract.RateLimitedError(call.Tool, err))
			l.recordResult(result, mode)
			span.SetStatus(codes.Error, result.Error.Message)
			return result
		}
	}

	var toolTimeout time.Duration
	if contract, ok := l.registry.Get(call.Tool); ok {
		toolTimeout = contract.Timeout
	}
	if timeout := effectiveTimeout(call.Timeout, l.cfg.DefaultTimeout, toolTimeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := l.registry.Invoke(ctx, call.Tool, call.Params)
	result.CallID = call.CallID

	l.recordResult(result, mode)

	if !result.Success {
		span.SetStatus(codes.Error, result.Error.Message)
	}
	return result
}

// recordResult updates the lane counters for one executed call.
func (l *Lane) recordResult(result toolcontract.ToolCallResult, mode string) {
	l.mu.Lock()
	l.stats.TotalCalls++
	if result.Success {
		l.stats.SuccessCalls++
	} else {
		l.stats.FailedCalls++
	}
	l.stats.TotalDuration += result.Duration
	l.lastFailed = !result.Success
	l.lastActive = time.Now()
	l.mu.Unlock()

	observability.RecordLaneCall(mode, result.Duration, result.Success)
}

// Close marks the lane closed. Queued calls fail with lane_closed; a running call finishes.
func (l *Lane) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, rec := range pending {
		rec.result <- toolcontract.Failure(rec.call.CallID, rec.call.Tool, rec.call.Params, toolcontract.LaneClosedError(rec.call.Tool, l.id))
		close(rec.result)
	}

	observability.DeleteLane(l.id)
	log.Debug().Str("lane", l.id).Int("dropped", len(pending)).Msg("Lane closed")
}

// IsClosed reports whether Close has been called
func (l *Lane) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Lane) statusLocked() Status {
	active := l.busy || l.inflight > 0
	switch {
	case l.closed:
		return StatusClosed
	case len(l.queue) > 0:
		return StatusQueued
	case active:
		return StatusBusy
	case l.lastFailed:
		return StatusError
	default:
		return StatusIdle
	}
}

// Status returns the current lane status
func (l *Lane) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

// Stats returns a copy of the lane counters
func (l *Lane) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Snapshot returns the observable state of the lane.
func (l *Lane) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := l.statusLocked()
	var idleFor time.Duration
	if status == StatusIdle || status == StatusError {
		idleFor = time.Since(l.lastActive)
	}

	return Snapshot{
		ID:         l.id,
		Status:     status,
		QueueDepth: len(l.queue),
		Stats:      l.stats,
		IdleFor:    idleFor,
		CreatedAt:  l.createdAt,
		LastActive: l.lastActive,
	}
}

// idleFor reports how long an evictable lane has been inactive.
func (l *Lane) idleFor() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.statusLocked() {
	case StatusIdle, StatusError:
		return time.Since(l.lastActive), true
	}
	return 0, false
}
