package tools

import (
	"context"
)

// FinishTool is how the model signals that the task is complete. The turn
// engine short-circuits on this call; the tool itself only echoes the
// summary back so the call still produces a well-formed result.
type FinishTool struct{}

// NewFinishTool creates the finish tool.
func NewFinishTool() *FinishTool {
	return &FinishTool{}
}

// Spec returns the model-facing description of the tool.
func (t *FinishTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        ToolFinish,
		Description: "Declare the task complete. Call this exactly once, when the work is done, with a short summary of the outcome.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"summary": {
					Type:        "string",
					Description: "Short summary of what was accomplished",
				},
			},
			Required: []string{"summary"},
		},
	}
}

// Exec acknowledges completion.
func (t *FinishTool) Exec(_ context.Context, args map[string]any) (Result, error) {
	summary, err := stringArg(args, "summary")
	if err != nil {
		return Result{}, err
	}
	result := Ok("task marked complete")
	result.Info = map[string]any{"summary": summary}
	return result, nil
}

// FinishSummary extracts the summary argument from a finish call.
func FinishSummary(call Call) string {
	if s, ok := call.Args["summary"].(string); ok {
		return s
	}
	return ""
}
