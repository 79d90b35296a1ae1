package toolcontract

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/fatihaltiok/timus/internal/logger"
	"github.com/fatihaltiok/timus/internal/observability"
	"github.com/fatihaltiok/timus/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

// workerPool bounds how many handlers execute at once. A slot is held until the handler
// returns, even when its caller has already given up on it.
type workerPool struct {
	sem *semaphore.Weighted
}

func newWorkerPool(size int) *workerPool {
	return &workerPool{sem: semaphore.NewWeighted(int64(size))}
}

// Go runs fn on a pool worker once a slot is free or fails with ctx's error.
func (p *workerPool) Go(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

type handlerOutcome struct {
	value interface{}
	err   error
}

// Dispatch runs the handler of name with already validated parameters on the worker pool and
// waits for it. The tool's declared timeout is applied on top of any deadline already on ctx.
// It never panics and never returns a Go error: every outcome is a ToolCallResult.
func (r *Registry) Dispatch(ctx context.Context, name string, validated map[string]interface{}) ToolCallResult {
	if ctx == nil {
		ctx = context.Background()
	}
	startTime := time.Now()
	callID := tracing.GetCallID(ctx)

	e, ok := r.lookup(name)
	if !ok {
		return Failure(callID, name, validated, r.NotFound(name))
	}
	contract := e.contract

	if contract.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, contract.Timeout)
		defer cancel()
	}

	var limit time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		limit = deadline.Sub(startTime).Round(time.Millisecond)
	}

	ctx, span := tracing.StartSpan(ctx, "timus.toolcontract", "toolcontract.dispatch", attribute.String("tool", name))
	defer span.End()

	lg := tracing.LoggerFromContext(ctx, log.Logger).With().Str("tool", name).Logger()

	outcomeCh := make(chan handlerOutcome, 1)
	err := r.pool.Go(ctx, func() {
		defer func() {
			if rec := recover(); rec != nil {
				outcomeCh <- handlerOutcome{err: fmt.Errorf("handler panicked: %v", rec)}
			}
		}()
		value, err := contract.Handler(ctx, validated)
		outcomeCh <- handlerOutcome{value: value, err: err}
	})

	var outcome handlerOutcome
	if err == nil {
		select {
		case outcome = <-outcomeCh:
		case <-ctx.Done():
			// A handler that finished at the deadline still wins.
			select {
			case outcome = <-outcomeCh:
			default:
				err = ctx.Err()
			}
		}
	}

	duration := time.Since(startTime)
	result := ToolCallResult{
		CallID:   callID,
		Tool:     name,
		Params:   validated,
		Duration: duration,
	}

	// A handler that gave up because ctx ended reports the context error, not its own.
	if err == nil && outcome.err != nil && ctx.Err() != nil && errors.Is(outcome.err, ctx.Err()) {
		err = ctx.Err()
	}

	switch {
	case err != nil:
		result.Error = r.contextError(name, limit, duration, err)
	case outcome.err != nil:
		result.Error = ExecutionError(name, outcome.err)
	default:
		result.Success = true
		result.Output, result.Metadata = r.truncateOutput(outcome.value)
	}

	observability.RecordToolExecution(name, duration, result.Success)

	if result.Success {
		lg.Debug().Dur("duration", duration).Msg("Tool execution completed")
		return result
	}

	span.RecordError(result.Error)
	span.SetStatus(codes.Error, result.Error.Message)
	lg.Warn().
		Str("kind", string(result.Error.Kind)).
		Interface("params", logger.SanitizeParams(validated, r.cfg.MaxLoggedValueLen)).
		Dur("duration", duration).
		Str("error", result.Error.Message).
		Msg("Tool execution failed")

	return result
}

func (r *Registry) contextError(name string, limit, elapsed time.Duration, err error) *CallError {
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError(name, limit, elapsed)
	}
	return ExecutionError(name, fmt.Errorf("call cancelled: %w", err))
}

// Invoke validates params and dispatches the call. Validation and lookup failures are returned
// as failed results without running the handler.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]interface{}) ToolCallResult {
	validated, err := r.Validate(name, params)
	if err != nil {
		ce, _ := AsCallError(err)
		observability.RecordToolRejection(name, string(ce.Kind))
		log.Warn().
			Str("tool", name).
			Str("kind", string(ce.Kind)).
			Interface("params", logger.SanitizeParams(params, r.cfg.MaxLoggedValueLen)).
			Str("error", ce.Message).
			Msg("Tool call rejected")
		return Failure(tracing.GetCallID(ctx), name, params, ce)
	}
	return r.Dispatch(ctx, name, validated)
}

func (r *Registry) truncateOutput(output interface{}) (interface{}, map[string]interface{}) {
	s, ok := output.(string)
	if !ok || r.cfg.MaxOutputBytes <= 0 || len(s) <= r.cfg.MaxOutputBytes {
		return output, nil
	}

	log.Warn().
		Int("original", len(s)).
		Int("truncated", r.cfg.MaxOutputBytes).
		Msg("Output truncated")

	cut := r.cfg.MaxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut] + "\n... [output truncated]", map[string]interface{}{
		"truncated":      true,
		"original_bytes": len(s),
	}
}
