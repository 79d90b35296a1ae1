package lane

import (
	"context"

	"github.com/fatihaltiok/timus/internal/observability"
	"github.com/fatihaltiok/timus/internal/tracing"
	"github.com/fatihaltiok/timus/pkg/toolcontract"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// ExecuteParallel runs calls concurrently and returns one result per call, in input order.
// Unknown tools and tools whose contract does not allow concurrency fail immediately without
// reaching a handler or the lane counters. The remaining calls run with at most maxConcurrent in
// flight (Config.MaxParallel when maxConcurrent <= 0). One call failing never cancels another.
func (l *Lane) ExecuteParallel(ctx context.Context, calls []QueuedCall, maxConcurrent int) []toolcontract.ToolCallResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = l.cfg.MaxParallel
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	ctx = tracing.WithLaneID(ctx, l.id)
	ctx, span := tracing.StartSpan(ctx, "timus.lane", "lane.execute_parallel",
		attribute.Int("calls", len(calls)),
		attribute.Int("max_concurrent", maxConcurrent),
	)
	defer span.End()

	results := make([]toolcontract.ToolCallResult, len(calls))

	// A plain Group: siblings must not be cancelled when one fails.
	var g errgroup.Group
	g.SetLimit(maxConcurrent)

	eligible := 0
	for i, call := range calls {
		if call.CallID == "" {
			call.CallID = newCallID()
		}

		contract, ok := l.registry.Get(call.Tool)
		if !ok {
			results[i] = toolcontract.Failure(call.CallID, call.Tool, call.Params, l.registry.NotFound(call.Tool))
			observability.RecordToolRejection(call.Tool, string(toolcontract.KindNotFound))
			continue
		}
		if !contract.ConcurrencyAllowed {
			results[i] = toolcontract.Failure(call.CallID, call.Tool, call.Params, toolcontract.ParallelNotAllowedError(call.Tool))
			observability.RecordToolRejection(call.Tool, string(toolcontract.KindParallelNotAllowed))
			continue
		}

		eligible++
		g.Go(func() error {
			results[i] = l.executeBypass(ctx, call, modeParallel)
			return nil
		})
	}
	_ = g.Wait()

	log.Debug().
		Str("lane", l.id).
		Int("calls", len(calls)).
		Int("eligible", eligible).
		Int("rejected", len(calls)-eligible).
		Msg("Parallel batch completed")

	return results
}
