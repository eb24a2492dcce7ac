package agent

import (
	"context"

	"agentrun/pkg/dialog"
	"agentrun/pkg/tools"
)

// LLMClient is the model collaborator of the turn engine. Query blocks until
// the provider responds, errors, or the context is cancelled; the returned
// assistant message carries any tool calls the model requested.
type LLMClient interface {
	Query(ctx context.Context, msgs []dialog.Message, specs []tools.ToolSpec) (dialog.Message, error)
	ModelName() string
}
