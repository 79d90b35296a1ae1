// Package admission composes the policy gate, tool registry, lanes and resource guards into the
// single entry point the orchestration layer calls for every tool call.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/fatihaltiok/timus/internal/observability"
	"github.com/fatihaltiok/timus/internal/tracing"
	"github.com/fatihaltiok/timus/pkg/lane"
	"github.com/fatihaltiok/timus/pkg/policy"
	"github.com/fatihaltiok/timus/pkg/resourceguard"
	"github.com/fatihaltiok/timus/pkg/toolcontract"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Metadata keys set on results by the controller.
const (
	MetaLoopDetected = "loop_detected"
	MetaLoopReason   = "loop_reason"
	MetaTaskID       = "task_id"
)

// Request is one tool call from the orchestration layer.
type Request struct {
	LaneID   string                 `json:"lane_id"`
	Tool     string                 `json:"tool"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Timeout  time.Duration          `json:"timeout,omitempty"`
	Priority int                    `json:"priority,omitempty"`
	CallID   string                 `json:"call_id,omitempty"`
}

// Options wires the controller's collaborators. Registry and Lanes are required.
type Options struct {
	Registry    *toolcontract.Registry
	Gate        *policy.Gate
	Lanes       *lane.Manager
	GuardConfig resourceguard.Config
	Tokenizer   resourceguard.Tokenizer
	Audit       *observability.AuditLogger
}

// Report combines lane and guard state.
type Report struct {
	Lanes  lane.Report                     `json:"lanes"`
	Guards map[string]resourceguard.Report `json:"guards"`
}

type guardEntry struct {
	guard  *resourceguard.Guard
	taskID string
}

// Controller admits tool calls: policy first, then schema validation and execution on the
// caller's lane, then loop tracking on the lane's guard.
type Controller struct {
	registry  *toolcontract.Registry
	gate      *policy.Gate
	lanes     *lane.Manager
	guardCfg  resourceguard.Config
	tokenizer resourceguard.Tokenizer
	audit     *observability.AuditLogger

	mu     sync.Mutex
	guards map[string]*guardEntry
}

// New creates a controller. A nil Gate uses the default policy tables.
func New(opts Options) *Controller {
	gate := opts.Gate
	if gate == nil {
		gate = policy.NewGate(policy.DefaultTables())
	}
	c := &Controller{
		registry:  opts.Registry,
		gate:      gate,
		lanes:     opts.Lanes,
		guardCfg:  opts.GuardConfig,
		tokenizer: opts.Tokenizer,
		audit:     opts.Audit,
		guards:    make(map[string]*guardEntry),
	}
	if c.lanes != nil {
		// A guard lives exactly as long as its lane.
		c.lanes.OnRemove(c.dropGuard)
	}
	return c
}

func (c *Controller) dropGuard(laneID string) {
	c.mu.Lock()
	delete(c.guards, laneID)
	c.mu.Unlock()
}

// Invoke admits and runs one call. The only returned error is lane capacity exhaustion; every
// other outcome is carried in the result.
func (c *Controller) Invoke(ctx context.Context, req Request) (toolcontract.ToolCallResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithLaneID(ctx, req.LaneID)
	ctx, span := tracing.StartSpan(ctx, "timus.admission", "admission.invoke", attribute.String("tool", req.Tool))
	defer span.End()

	lg := tracing.LoggerFromContext(ctx, log.Logger)

	if allowed, reason := c.gate.Check(req.Tool, req.Params); !allowed {
		c.audit.Record(ctx, observability.AuditEvent{
			Type:     "policy",
			Actor:    req.LaneID,
			Action:   req.Tool,
			Status:   "blocked",
			Metadata: map[string]interface{}{"reason": reason},
		})
		observability.RecordToolRejection(req.Tool, string(toolcontract.KindPolicyBlocked))
		return toolcontract.Failure(req.CallID, req.Tool, req.Params, toolcontract.PolicyBlockedError(req.Tool, reason)), nil
	}

	l, err := c.lanes.GetOrCreate(req.LaneID)
	if err != nil {
		c.audit.Record(ctx, observability.AuditEvent{
			Type:     "capacity",
			Actor:    req.LaneID,
			Action:   req.Tool,
			Status:   "rejected",
			Metadata: map[string]interface{}{"error": err.Error()},
		})
		return toolcontract.ToolCallResult{}, err
	}

	guard, taskID := c.guardFor(req.LaneID)
	ctx = tracing.WithTaskID(ctx, taskID)

	opts := []lane.CallOption{lane.WithPriority(req.Priority)}
	if req.Timeout > 0 {
		opts = append(opts, lane.WithTimeout(req.Timeout))
	}
	if req.CallID != "" {
		opts = append(opts, lane.WithCallID(req.CallID))
	}
	result := l.ExecuteTool(ctx, req.Tool, req.Params, opts...)
	result = result.WithMetadata(MetaTaskID, taskID)

	if loop, reason := guard.RecordAction(req.Tool, req.Params); loop {
		result = result.WithMetadata(MetaLoopDetected, true).WithMetadata(MetaLoopReason, reason)
		c.audit.Record(ctx, observability.AuditEvent{
			Type:     "guard",
			Actor:    req.LaneID,
			Action:   req.Tool,
			Status:   "flagged",
			Metadata: map[string]interface{}{"reason": reason, "task_id": taskID},
		})
		lg.Warn().Str("tool", req.Tool).Str("reason", reason).Msg("Repeated action detected")
	}

	return result, nil
}

// InvokeParallel runs calls concurrently on the lane. Blocked calls fail with policy_blocked and
// never reach the lane; the rest follow lane.ExecuteParallel. Results keep input order.
func (c *Controller) InvokeParallel(ctx context.Context, laneID string, calls []lane.QueuedCall, maxConcurrent int) ([]toolcontract.ToolCallResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithLaneID(ctx, laneID)

	l, err := c.lanes.GetOrCreate(laneID)
	if err != nil {
		return nil, err
	}
	guard, taskID := c.guardFor(laneID)
	ctx = tracing.WithTaskID(ctx, taskID)

	results := make([]toolcontract.ToolCallResult, len(calls))
	admitted := make([]lane.QueuedCall, 0, len(calls))
	positions := make([]int, 0, len(calls))

	for i, call := range calls {
		if allowed, reason := c.gate.Check(call.Tool, call.Params); !allowed {
			results[i] = toolcontract.Failure(call.CallID, call.Tool, call.Params, toolcontract.PolicyBlockedError(call.Tool, reason))
			observability.RecordToolRejection(call.Tool, string(toolcontract.KindPolicyBlocked))
			c.audit.Record(ctx, observability.AuditEvent{
				Type:     "policy",
				Actor:    laneID,
				Action:   call.Tool,
				Status:   "blocked",
				Metadata: map[string]interface{}{"reason": reason},
			})
			continue
		}
		admitted = append(admitted, call)
		positions = append(positions, i)
	}

	for j, r := range l.ExecuteParallel(ctx, admitted, maxConcurrent) {
		r = r.WithMetadata(MetaTaskID, taskID)
		if r.Kind() != toolcontract.KindParallelNotAllowed && r.Kind() != toolcontract.KindNotFound {
			if loop, reason := guard.RecordAction(r.Tool, admitted[j].Params); loop {
				r = r.WithMetadata(MetaLoopDetected, true).WithMetadata(MetaLoopReason, reason)
			}
		}
		results[positions[j]] = r
	}

	return results, nil
}

func (c *Controller) guardFor(laneID string) (*resourceguard.Guard, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.guards[laneID]
	if !ok {
		e = &guardEntry{
			guard:  resourceguard.New(c.guardCfg, c.tokenizer),
			taskID: tracing.NewTaskID(),
		}
		c.guards[laneID] = e
	}
	return e.guard, e.taskID
}

// BeginTask starts a new task on the lane: its guard is reset and a new task id is issued.
func (c *Controller) BeginTask(laneID string) string {
	guard, _ := c.guardFor(laneID)
	guard.Reset()

	taskID := tracing.NewTaskID()
	c.mu.Lock()
	if e, ok := c.guards[laneID]; ok {
		e.taskID = taskID
	}
	c.mu.Unlock()

	log.Debug().Str("lane_id", laneID).Str("task_id", taskID).Msg("Task started")
	return taskID
}

// Guard returns the resource guard of the lane, creating it if needed.
func (c *Controller) Guard(laneID string) *resourceguard.Guard {
	guard, _ := c.guardFor(laneID)
	return guard
}

// CheckIntent screens free text for destructive intent. safe is false when a warning applies;
// it never blocks.
func (c *Controller) CheckIntent(text string) (safe bool, warning string) {
	return c.gate.CheckIntent(text)
}

// CloseLane closes the lane and drops its guard.
func (c *Controller) CloseLane(laneID string) bool {
	c.dropGuard(laneID)
	return c.lanes.Close(laneID)
}

// Report returns lane totals and every guard's report.
func (c *Controller) Report() Report {
	c.mu.Lock()
	guards := make(map[string]*resourceguard.Guard, len(c.guards))
	for id, e := range c.guards {
		guards[id] = e.guard
	}
	c.mu.Unlock()

	report := Report{
		Lanes:  c.lanes.Report(),
		Guards: make(map[string]resourceguard.Report, len(guards)),
	}
	for id, g := range guards {
		report.Guards[id] = g.Report()
	}
	return report
}
