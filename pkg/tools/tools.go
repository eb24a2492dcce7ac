// Package tools provides the tool abstraction, registry, and built-in tools
// exposed to the model during a turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Canonical names of the built-in tools.
const (
	ToolShell     = "shell"
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
	ToolFinish    = "finish"
)

// Property defines a single parameter in a tool's input schema.
type Property struct {
	Type        string              `json:"type"`
	Description string              `json:"description,omitempty"`
	Enum        []string            `json:"enum,omitempty"`
	Items       *Property           `json:"items,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
}

// InputSchema is a JSON-schema object describing a tool's parameters.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// ToolSpec is the model-facing description of a tool.
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Result is the outcome of a tool call, always produced -- tool failures are
// reported to the model as data, never surfaced as Go errors from dispatch.
type Result struct {
	// Observation is the text fed back to the model.
	Observation string `json:"observation"`
	// Success distinguishes a completed call from a failed one.
	Success bool `json:"success"`
	// ErrorCode classifies failures ("unknown_tool", "invalid_args",
	// "execution_error", "tool_panic", "remote_error"). Empty on success.
	ErrorCode string `json:"error_code,omitempty"`
	// Info carries structured extras (exit codes, paths) for trajectory
	// records; it is not sent to the model.
	Info map[string]any `json:"info,omitempty"`
}

// Failure classification codes carried in Result.ErrorCode.
const (
	ErrCodeUnknownTool    = "unknown_tool"
	ErrCodeInvalidArgs    = "invalid_args"
	ErrCodeExecutionError = "execution_error"
	ErrCodeToolPanic      = "tool_panic"
	ErrCodeRemoteError    = "remote_error"
)

// Ok builds a successful result.
func Ok(observation string) Result {
	return Result{Observation: observation, Success: true}
}

// Fail builds a failed result with a classification code.
func Fail(code, observation string) Result {
	return Result{Observation: observation, Success: false, ErrorCode: code}
}

// Failf builds a failed result with a formatted observation.
func Failf(code, format string, args ...any) Result {
	return Fail(code, fmt.Sprintf(format, args...))
}

// Tool is one callable capability. Exec returns its outcome as data; an
// error return is reserved for infrastructure faults and is converted to a
// failed Result by the registry.
type Tool interface {
	// Spec returns the model-facing description of the tool.
	Spec() ToolSpec

	// Exec runs the tool. Args have already passed schema validation.
	Exec(ctx context.Context, args map[string]any) (Result, error)
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, v)
	}
	return s, nil
}

// intArgOrDefault extracts an integer argument, tolerating the float64 that
// JSON unmarshaling produces.
func intArgOrDefault(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}
