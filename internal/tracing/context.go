package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// LaneIDKey is the context key for the lane (conversation) a call runs in
	LaneIDKey ContextKey = "lane_id"
	// CallIDKey is the context key for a single tool call
	CallIDKey ContextKey = "call_id"
	// TaskIDKey is the context key for the task boundary the resource guard tracks
	TaskIDKey ContextKey = "task_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID string
	LaneID  string
	CallID  string
	TaskID  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewTaskID generates a new task ID
func NewTaskID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithLaneID adds a lane ID to the context
func WithLaneID(ctx context.Context, laneID string) context.Context {
	return context.WithValue(ctx, LaneIDKey, laneID)
}

// WithCallID adds a call ID to the context
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, CallIDKey, callID)
}

// WithTaskID adds a task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetLaneID retrieves the lane ID from the context
func GetLaneID(ctx context.Context) string {
	return stringValue(ctx, LaneIDKey)
}

// GetCallID retrieves the call ID from the context
func GetCallID(ctx context.Context) string {
	return stringValue(ctx, CallIDKey)
}

// GetTaskID retrieves the task ID from the context
func GetTaskID(ctx context.Context) string {
	return stringValue(ctx, TaskIDKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID: GetTraceID(ctx),
		LaneID:  GetLaneID(ctx),
		CallID:  GetCallID(ctx),
		TaskID:  GetTaskID(ctx),
	}
}
