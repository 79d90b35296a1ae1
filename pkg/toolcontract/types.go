package toolcontract

import (
	"context"
	"time"
)

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
	TypeAny     ParamType = "any"
)

// IsValid reports whether t is one of the supported parameter types.
func (t ParamType) IsValid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject, TypeAny:
		return true
	}
	return false
}

// Category groups tools for discovery.
type Category string

const (
	CategoryRead    Category = "read"
	CategoryWrite   Category = "write"
	CategoryShell   Category = "shell"
	CategoryWeb     Category = "web"
	CategoryMemory  Category = "memory"
	CategoryVision  Category = "vision"
	CategoryGeneral Category = "general"
)

// ToolParameter declares one parameter of a tool.
type ToolParameter struct {
	Name        string        `json:"name"`
	Type        ParamType     `json:"type"`
	Description string        `json:"description,omitempty"`
	Required    bool          `json:"required"`
	Default     interface{}   `json:"default,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
}

// Handler is the single invocation handle every tool is registered with. It receives only
// validated parameters and should honour ctx cancellation where it can.
type Handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolContract describes a tool: its schema, discovery labels and concurrency policy.
type ToolContract struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Parameters         []ToolParameter `json:"parameters"`
	Tags               []string        `json:"tags,omitempty"`
	Category           Category        `json:"category"`
	ConcurrencyAllowed bool            `json:"concurrency_allowed"`
	Timeout            time.Duration   `json:"timeout,omitempty"` // 0 means no tool-level limit
	Priority           int             `json:"priority"`
	Handler            Handler         `json:"-"`
}

// HasTag reports whether the contract carries tag.
func (c ToolContract) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (c ToolContract) clone() ToolContract {
	out := c
	out.Parameters = append([]ToolParameter(nil), c.Parameters...)
	out.Tags = append([]string(nil), c.Tags...)
	for i := range out.Parameters {
		out.Parameters[i].Enum = append([]interface{}(nil), c.Parameters[i].Enum...)
	}
	return out
}

// ToolCallResult is the outcome of one call. Exactly one of Output (on success) or Error is set.
type ToolCallResult struct {
	CallID   string                 `json:"call_id,omitempty"`
	Tool     string                 `json:"tool"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Success  bool                   `json:"success"`
	Output   interface{}            `json:"output,omitempty"`
	Error    *CallError             `json:"error,omitempty"`
	Duration time.Duration          `json:"duration"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Kind returns the failure kind, or "" for a successful result.
func (r ToolCallResult) Kind() ErrorKind {
	if r.Error == nil {
		return ""
	}
	return r.Error.Kind
}

// WithMetadata returns a copy of r with key set in a fresh metadata map.
func (r ToolCallResult) WithMetadata(key string, value interface{}) ToolCallResult {
	md := make(map[string]interface{}, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		md[k] = v
	}
	md[key] = value
	r.Metadata = md
	return r
}

// Failure builds a failed result for tool carrying err.
func Failure(callID, tool string, params map[string]interface{}, err *CallError) ToolCallResult {
	return ToolCallResult{
		CallID:  callID,
		Tool:    tool,
		Params:  params,
		Success: false,
		Error:   err,
	}
}
