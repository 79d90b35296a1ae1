package toolcontract

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies why a call did not succeed.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindValidation         ErrorKind = "validation_failed"
	KindPolicyBlocked      ErrorKind = "policy_blocked"
	KindTimeout            ErrorKind = "timeout"
	KindExecution          ErrorKind = "execution_failed"
	KindCapacityExceeded   ErrorKind = "capacity_exceeded"
	KindParallelNotAllowed ErrorKind = "parallel_not_allowed"
	KindLaneClosed         ErrorKind = "lane_closed"
	KindRateLimited        ErrorKind = "rate_limited"
)

var (
	ErrNotFound           = errors.New("tool not found")
	ErrValidation         = errors.New("parameter validation failed")
	ErrPolicyBlocked      = errors.New("blocked by policy")
	ErrTimeout            = errors.New("tool execution timed out")
	ErrExecution          = errors.New("tool execution failed")
	ErrCapacityExceeded   = errors.New("lane capacity exceeded")
	ErrParallelNotAllowed = errors.New("parallel execution not allowed")
	ErrLaneClosed         = errors.New("lane closed")
	ErrRateLimited        = errors.New("rate limited")
)

var kindSentinels = map[ErrorKind]error{
	KindNotFound:           ErrNotFound,
	KindValidation:         ErrValidation,
	KindPolicyBlocked:      ErrPolicyBlocked,
	KindTimeout:            ErrTimeout,
	KindExecution:          ErrExecution,
	KindCapacityExceeded:   ErrCapacityExceeded,
	KindParallelNotAllowed: ErrParallelNotAllowed,
	KindLaneClosed:         ErrLaneClosed,
	KindRateLimited:        ErrRateLimited,
}

// Violation codes
const (
	CodeMissingRequired = "missing_required"
	CodeInvalidType     = "invalid_type"
	CodeNotInEnum       = "not_in_enum"
	CodeInvalid         = "invalid"
)

// Violation is one failed parameter constraint.
type Violation struct {
	Parameter string `json:"parameter"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// CallError is the structured failure carried by a ToolCallResult. Messages name the violated
// constraint so a retrying caller can correct the call.
type CallError struct {
	Kind       ErrorKind     `json:"kind"`
	Tool       string        `json:"tool"`
	Message    string        `json:"message"`
	Violations []Violation   `json:"violations,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
	cause      error
}

func (e *CallError) Error() string {
	return e.Message
}

// Is matches the sentinel error of the same kind, so errors.Is(err, ErrTimeout) works.
func (e *CallError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func (e *CallError) Unwrap() error {
	return e.cause
}

// AsCallError unwraps err into a *CallError.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// NotFoundError names the unknown tool and a sample of registered ones.
func NotFoundError(tool string, known []string) *CallError {
	msg := fmt.Sprintf("tool not found: %s", tool)
	if len(known) > 0 {
		msg += fmt.Sprintf(" (known tools: %s)", strings.Join(known, ", "))
	}
	return &CallError{Kind: KindNotFound, Tool: tool, Message: msg}
}

// ValidationError aggregates every violation found for one call.
func ValidationError(tool string, violations []Violation) *CallError {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, v.Message)
	}
	return &CallError{
		Kind:       KindValidation,
		Tool:       tool,
		Message:    fmt.Sprintf("parameter validation failed for tool '%s': %s", tool, strings.Join(parts, "; ")),
		Violations: violations,
	}
}

func PolicyBlockedError(tool, reason string) *CallError {
	return &CallError{
		Kind:    KindPolicyBlocked,
		Tool:    tool,
		Message: fmt.Sprintf("tool '%s' blocked by policy: %s", tool, reason),
	}
}

func TimeoutError(tool string, limit, elapsed time.Duration) *CallError {
	msg := fmt.Sprintf("tool '%s' timed out after %s", tool, elapsed.Round(time.Millisecond))
	if limit > 0 {
		msg = fmt.Sprintf("tool '%s' exceeded its %s timeout (elapsed %s)", tool, limit, elapsed.Round(time.Millisecond))
	}
	return &CallError{Kind: KindTimeout, Tool: tool, Message: msg, Elapsed: elapsed}
}

func ExecutionError(tool string, err error) *CallError {
	return &CallError{
		Kind:    KindExecution,
		Tool:    tool,
		Message: fmt.Sprintf("tool '%s' failed: %v", tool, err),
		cause:   err,
	}
}

func ParallelNotAllowedError(tool string) *CallError {
	return &CallError{
		Kind:    KindParallelNotAllowed,
		Tool:    tool,
		Message: fmt.Sprintf("tool '%s' is not allowed to run in parallel", tool),
	}
}

func LaneClosedError(tool, laneID string) *CallError {
	return &CallError{
		Kind:    KindLaneClosed,
		Tool:    tool,
		Message: fmt.Sprintf("lane '%s' is closed", laneID),
	}
}

func RateLimitedError(tool string, err error) *CallError {
	return &CallError{
		Kind:    KindRateLimited,
		Tool:    tool,
		Message: fmt.Sprintf("tool '%s' rate limited: %v", tool, err),
		cause:   err,
	}
}
