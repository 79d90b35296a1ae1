package toolcontract

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fatihaltiok/timus/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return params["message"], nil
}

func sleepHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	select {
	case <-time.After(2 * time.Second):
		return "finished", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()

	reg := NewRegistry(cfg)
	require.NoError(t, reg.Register(ToolContract{
		Name:               "echo",
		Parameters:         []ToolParameter{{Name: "message", Type: TypeString, Required: true}},
		ConcurrencyAllowed: true,
	}, echoHandler))
	require.NoError(t, reg.Register(ToolContract{
		Name:    "slow_tool",
		Timeout: 50 * time.Millisecond,
	}, sleepHandler))
	return reg
}

func TestInvoke_Success(t *testing.T) {
	reg := newTestRegistry(t, DefaultConfig())

	ctx := tracing.WithCallID(context.Background(), "call-1")
	result := reg.Invoke(ctx, "echo", map[string]interface{}{"message": "hi"})

	require.True(t, result.Success, "unexpected error: %v", result.Error)
	assert.Equal(t, "hi", result.Output)
	assert.Nil(t, result.Error)
	assert.Equal(t, "call-1", result.CallID)
	assert.Equal(t, "echo", result.Tool)
	assert.Equal(t, ErrorKind(""), result.Kind())
}

func TestInvoke_NotFound(t *testing.T) {
	reg := newTestRegistry(t, DefaultConfig())

	result := reg.Invoke(context.Background(), "ech", nil)

	assert.False(t, result.Success)
	assert.Equal(t, KindNotFound, result.Kind())
	assert.Contains(t, result.Error.Message, "echo")
	assert.True(t, errors.Is(result.Error, ErrNotFound))
}

func TestInvoke_ValidationSkipsHandler(t *testing.T) {
	reg := NewRegistry(DefaultConfig())

	var calls int32
	require.NoError(t, reg.Register(ToolContract{
		Name:       "count",
		Parameters: []ToolParameter{{Name: "n", Type: TypeInteger, Required: true}},
	}, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}))

	result := reg.Invoke(context.Background(), "count", map[string]interface{}{"n": "one"})

	assert.False(t, result.Success)
	assert.Equal(t, KindValidation, result.Kind())
	require.Len(t, result.Error.Violations, 1)
	assert.Equal(t, "n", result.Error.Violations[0].Parameter)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDispatch_HandlerError(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	boom := errors.New("disk on fire")
	require.NoError(t, reg.Register(ToolContract{Name: "fail"}, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, boom
	}))

	result := reg.Invoke(context.Background(), "fail", nil)

	assert.False(t, result.Success)
	assert.Equal(t, KindExecution, result.Kind())
	assert.Contains(t, result.Error.Message, "disk on fire")
	assert.True(t, errors.Is(result.Error, boom))
	assert.True(t, errors.Is(result.Error, ErrExecution))
}

func TestDispatch_HandlerPanic(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	require.NoError(t, reg.Register(ToolContract{Name: "panic"}, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		panic("unexpected state")
	}))

	result := reg.Invoke(context.Background(), "panic", nil)

	assert.False(t, result.Success)
	assert.Equal(t, KindExecution, result.Kind())
	assert.Contains(t, result.Error.Message, "unexpected state")
}

func TestDispatch_ToolTimeout(t *testing.T) {
	reg := newTestRegistry(t, DefaultConfig())

	start := time.Now()
	result := reg.Invoke(context.Background(), "slow_tool", nil)
	elapsed := time.Since(start)

	assert.False(t, result.Success)
	assert.Equal(t, KindTimeout, result.Kind())
	assert.True(t, errors.Is(result.Error, ErrTimeout))
	assert.Contains(t, result.Error.Message, "50ms")
	assert.GreaterOrEqual(t, result.Error.Elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestDispatch_CallerDeadline(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	require.NoError(t, reg.Register(ToolContract{Name: "sleep"}, sleepHandler))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	result := reg.Invoke(ctx, "sleep", nil)

	assert.Equal(t, KindTimeout, result.Kind())
	assert.Less(t, result.Duration, time.Second)
}

func TestDispatch_Cancelled(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	require.NoError(t, reg.Register(ToolContract{Name: "sleep"}, sleepHandler))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := reg.Invoke(ctx, "sleep", nil)

	assert.Equal(t, KindExecution, result.Kind())
	assert.Contains(t, result.Error.Message, "cancelled")
}

func TestDispatch_WorkerPoolBound(t *testing.T) {
	reg := NewRegistry(Config{WorkerPoolSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, reg.Register(ToolContract{Name: "hold"}, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		close(started)
		<-release
		return "released", nil
	}))
	require.NoError(t, reg.Register(ToolContract{Name: "quick"}, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return "quick", nil
	}))

	done := make(chan ToolCallResult, 1)
	go func() {
		done <- reg.Invoke(context.Background(), "hold", nil)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	blocked := reg.Invoke(ctx, "quick", nil)
	assert.Equal(t, KindTimeout, blocked.Kind())

	close(release)
	held := <-done
	assert.True(t, held.Success)

	again := reg.Invoke(context.Background(), "quick", nil)
	assert.True(t, again.Success)
}

func TestDispatch_OutputTruncation(t *testing.T) {
	reg := NewRegistry(Config{MaxOutputBytes: 10})
	require.NoError(t, reg.Register(ToolContract{Name: "big"}, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return strings.Repeat("x", 25), nil
	}))

	result := reg.Invoke(context.Background(), "big", nil)

	require.True(t, result.Success)
	assert.True(t, strings.HasPrefix(result.Output.(string), strings.Repeat("x", 10)))
	assert.Contains(t, result.Output, "[output truncated]")
	assert.Equal(t, true, result.Metadata["truncated"])
	assert.Equal(t, 25, result.Metadata["original_bytes"])
}

func TestDispatch_OutputTruncationKeepsRunes(t *testing.T) {
	reg := NewRegistry(Config{MaxOutputBytes: 5})
	require.NoError(t, reg.Register(ToolContract{Name: "umlauts"}, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return strings.Repeat("ü", 10), nil // two bytes each
	}))

	result := reg.Invoke(context.Background(), "umlauts", nil)

	require.True(t, result.Success)
	out := result.Output.(string)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, "üü\n"))
	assert.Equal(t, 20, result.Metadata["original_bytes"])
}

func TestDispatch_ConcurrentCalls(t *testing.T) {
	reg := newTestRegistry(t, DefaultConfig())

	const n = 20
	results := make(chan ToolCallResult, n)
	for i := 0; i < n; i++ {
		go func() {
			results <- reg.Invoke(context.Background(), "echo", map[string]interface{}{"message": "x"})
		}()
	}
	for i := 0; i < n; i++ {
		assert.True(t, (<-results).Success)
	}
}

func TestToolCallResult_WithMetadata(t *testing.T) {
	base := ToolCallResult{Tool: "echo", Metadata: map[string]interface{}{"a": 1}}

	next := base.WithMetadata("b", 2)

	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, next.Metadata)
	assert.Equal(t, map[string]interface{}{"a": 1}, base.Metadata)
}
