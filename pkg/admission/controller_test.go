package admission

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatihaltiok/timus/internal/observability"
	"github.com/fatihaltiok/timus/pkg/lane"
	"github.com/fatihaltiok/timus/pkg/policy"
	"github.com/fatihaltiok/timus/pkg/resourceguard"
	"github.com/fatihaltiok/timus/pkg/toolcontract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	controller *Controller
	lanes      *lane.Manager
	audit      *bytes.Buffer
	deletes    atomic.Int32
}

func newFixture(t *testing.T, managerCfg lane.ManagerConfig) *fixture {
	t.Helper()

	reg := toolcontract.NewRegistry(toolcontract.DefaultConfig())
	require.NoError(t, reg.Register(toolcontract.ToolContract{
		Name:       "echo",
		Parameters: []toolcontract.ToolParameter{{Name: "value", Type: toolcontract.TypeString, Required: true}},
	}, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return params["value"], nil
	}))
	require.NoError(t, reg.Register(toolcontract.ToolContract{
		Name:               "fetch",
		ConcurrencyAllowed: true,
		Parameters:         []toolcontract.ToolParameter{{Name: "url", Type: toolcontract.TypeString, Required: true}},
	}, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return "fetched " + params["url"].(string), nil
	}))

	f := &fixture{audit: &bytes.Buffer{}}
	require.NoError(t, reg.Register(toolcontract.ToolContract{
		Name:               "delete_file",
		ConcurrencyAllowed: true,
	}, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		f.deletes.Add(1)
		return "deleted", nil
	}))

	f.lanes = lane.NewManager(reg, managerCfg)
	t.Cleanup(f.lanes.CloseAll)

	f.controller = New(Options{
		Registry:    reg,
		Lanes:       f.lanes,
		GuardConfig: resourceguard.DefaultConfig(),
		Audit:       observability.NewAuditLogger(f.audit),
	})
	return f
}

func TestInvoke_Success(t *testing.T) {
	f := newFixture(t, lane.DefaultManagerConfig())

	result, err := f.controller.Invoke(context.Background(), Request{
		LaneID: "conv-1",
		Tool:   "echo",
		Params: map[string]interface{}{"value": "hello"},
		CallID: "call-7",
	})
	require.NoError(t, err)
	require.True(t, result.Success, "unexpected error: %v", result.Error)

	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, "call-7", result.CallID)
	assert.NotEmpty(t, result.Metadata[MetaTaskID])
	assert.Nil(t, result.Metadata[MetaLoopDetected])
	assert.Equal(t, 1, f.lanes.Count())
}

func TestInvoke_PolicyBlocked(t *testing.T) {
	f := newFixture(t, lane.DefaultManagerConfig())

	result, err := f.controller.Invoke(context.Background(), Request{
		LaneID: "conv-1",
		Tool:   "delete_file",
		Params: map[string]interface{}{"path": "/etc/passwd"},
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, toolcontract.KindPolicyBlocked, result.Kind())
	assert.Contains(t, result.Error.Message, "block list")
	assert.True(t, errors.Is(result.Error, toolcontract.ErrPolicyBlocked))
	assert.Equal(t, int32(0), f.deletes.Load())

	// Blocked calls never create a lane.
	assert.Equal(t, 0, f.lanes.Count())

	assert.Contains(t, f.audit.String(), `"event_type":"policy"`)
	assert.Contains(t, f.audit.String(), `"status":"blocked"`)
	assert.Contains(t, f.audit.String(), `"action":"delete_file"`)
}

func TestInvoke_ValidationFailure(t *testing.T) {
	f := newFixture(t, lane.DefaultManagerConfig())

	result, err := f.controller.Invoke(context.Background(), Request{
		LaneID: "conv-1",
		Tool:   "echo",
	})
	require.NoError(t, err)

	assert.Equal(t, toolcontract.KindValidation, result.Kind())
	assert.Contains(t, result.Error.Message, "value")
}

func TestInvoke_LoopDetected(t *testing.T) {
	f := newFixture(t, lane.DefaultManagerConfig())
	req := Request{
		LaneID: "conv-1",
		Tool:   "echo",
		Params: map[string]interface{}{"value": "same"},
	}

	for i := 0; i < 2; i++ {
		result, err := f.controller.Invoke(context.Background(), req)
		require.NoError(t, err)
		assert.Nil(t, result.Metadata[MetaLoopDetected])
	}

	result, err := f.controller.Invoke(context.Background(), req)
	require.NoError(t, err)

	// The call still runs; the finding is advisory.
	assert.True(t, result.Success)
	assert.Equal(t, true, result.Metadata[MetaLoopDetected])
	assert.Contains(t, result.Metadata[MetaLoopReason], "repeated 3 times")
	assert.Contains(t, f.audit.String(), `"event_type":"guard"`)

	assert.Equal(t, 1, f.controller.Guard("conv-1").Report().LoopsDetected)
}

func TestBeginTask(t *testing.T) {
	f := newFixture(t, lane.DefaultManagerConfig())
	req := Request{
		LaneID: "conv-1",
		Tool:   "echo",
		Params: map[string]interface{}{"value": "same"},
	}

	first, err := f.controller.Invoke(context.Background(), req)
	require.NoError(t, err)
	_, err = f.controller.Invoke(context.Background(), req)
	require.NoError(t, err)

	taskID := f.controller.BeginTask("conv-1")
	assert.NotEmpty(t, taskID)
	assert.NotEqual(t, first.Metadata[MetaTaskID], taskID)

	// The action history starts over with the new task.
	result, err := f.controller.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, result.Metadata[MetaLoopDetected])
	assert.Equal(t, taskID, result.Metadata[MetaTaskID])
}

func TestInvoke_CapacityExceeded(t *testing.T) {
	f := newFixture(t, lane.ManagerConfig{MaxLanes: 1, IdleTimeout: time.Hour})

	_, err := f.controller.Invoke(context.Background(), Request{
		LaneID: "a",
		Tool:   "echo",
		Params: map[string]interface{}{"value": "x"},
	})
	require.NoError(t, err)

	_, err = f.controller.Invoke(context.Background(), Request{
		LaneID: "b",
		Tool:   "echo",
		Params: map[string]interface{}{"value": "x"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, toolcontract.ErrCapacityExceeded))
	assert.Contains(t, f.audit.String(), `"event_type":"capacity"`)
}

func TestInvokeParallel(t *testing.T) {
	f := newFixture(t, lane.DefaultManagerConfig())

	results, err := f.controller.InvokeParallel(context.Background(), "conv-1", []lane.QueuedCall{
		{CallID: "c1", Tool: "fetch", Params: map[string]interface{}{"url": "a"}},
		{CallID: "c2", Tool: "delete_file"},
		{CallID: "c3", Tool: "echo", Params: map[string]interface{}{"value": "x"}},
		{CallID: "c4", Tool: "fetch", Params: map[string]interface{}{"url": "b"}},
	}, 2)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.True(t, results[0].Success)
	assert.Equal(t, "fetched a", results[0].Output)
	assert.Equal(t, toolcontract.KindPolicyBlocked, results[1].Kind())
	assert.Equal(t, "c2", results[1].CallID)
	assert.Equal(t, toolcontract.KindParallelNotAllowed, results[2].Kind())
	assert.True(t, results[3].Success)
	assert.Equal(t, "fetched b", results[3].Output)

	assert.Equal(t, int32(0), f.deletes.Load())
	for _, r := range []toolcontract.ToolCallResult{results[0], results[3]} {
		assert.NotEmpty(t, r.Metadata[MetaTaskID])
	}
}

func TestCheckIntent(t *testing.T) {
	f := newFixture(t, lane.DefaultManagerConfig())

	safe, msg := f.controller.CheckIntent("please delete all my files")
	assert.False(t, safe)
	assert.NotEmpty(t, msg)

	safe, msg = f.controller.CheckIntent("what's the weather today")
	assert.True(t, safe)
	assert.Empty(t, msg)
}

func TestCustomGate(t *testing.T) {
	reg := toolcontract.NewRegistry(toolcontract.DefaultConfig())
	require.NoError(t, reg.Register(toolcontract.ToolContract{Name: "echo"},
		func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		}))
	lanes := lane.NewManager(reg, lane.DefaultManagerConfig())
	defer lanes.CloseAll()

	c := New(Options{
		Registry: reg,
		Lanes:    lanes,
		Gate:     policy.NewGate(policy.Tables{Blocked: []string{"echo"}}),
	})

	result, err := c.Invoke(context.Background(), Request{LaneID: "x", Tool: "echo"})
	require.NoError(t, err)
	assert.Equal(t, toolcontract.KindPolicyBlocked, result.Kind())
}

func TestCloseLaneAndReport(t *testing.T) {
	f := newFixture(t, lane.DefaultManagerConfig())

	for _, id := range []string{"a", "b"} {
		_, err := f.controller.Invoke(context.Background(), Request{
			LaneID: id,
			Tool:   "echo",
			Params: map[string]interface{}{"value": id},
		})
		require.NoError(t, err)
	}

	report := f.controller.Report()
	assert.Equal(t, 2, report.Lanes.Lanes)
	assert.Equal(t, int64(2), report.Lanes.TotalCalls)
	assert.Equal(t, int64(2), report.Lanes.SuccessCalls)
	assert.Len(t, report.Guards, 2)

	assert.True(t, f.controller.CloseLane("a"))
	assert.False(t, f.controller.CloseLane("missing"))

	report = f.controller.Report()
	assert.Equal(t, 1, report.Lanes.Lanes)
	assert.Len(t, report.Guards, 1)
	assert.Contains(t, report.Guards, "b")
}

func TestGuardsFollowLaneLifetime(t *testing.T) {
	f := newFixture(t, lane.ManagerConfig{MaxLanes: 1, IdleTimeout: time.Millisecond})

	for _, id := range []string{"a", "b", "c", "d"} {
		time.Sleep(5 * time.Millisecond)
		_, err := f.controller.Invoke(context.Background(), Request{
			LaneID: id,
			Tool:   "echo",
			Params: map[string]interface{}{"value": id},
		})
		require.NoError(t, err)
	}

	report := f.controller.Report()
	assert.Equal(t, 1, report.Lanes.Lanes)
	assert.Len(t, report.Guards, 1)
	assert.Contains(t, report.Guards, "d")

	f.lanes.CloseAll()
	assert.Empty(t, f.controller.Report().Guards)
}

func TestRecreatedLaneStartsFreshGuard(t *testing.T) {
	f := newFixture(t, lane.DefaultManagerConfig())
	req := Request{
		LaneID: "conv-1",
		Tool:   "echo",
		Params: map[string]interface{}{"value": "same"},
	}

	for i := 0; i < 2; i++ {
		_, err := f.controller.Invoke(context.Background(), req)
		require.NoError(t, err)
	}

	l, ok := f.lanes.Get("conv-1")
	require.True(t, ok)
	l.Close()

	result, err := f.controller.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Nil(t, result.Metadata[MetaLoopDetected])
	assert.Equal(t, 0, f.controller.Guard("conv-1").Report().LoopsDetected)
}
