package jobs

import (
	"context"
	"fmt"

	"agentrun/pkg/tools"
)

// ToolRunJob is the registry name of the job tool.
const ToolRunJob = "run_job"

// RunJobTool exposes the manager through the normal tool path, so the model
// can launch long-running compute and get back a single observation when it
// settles.
type RunJobTool struct {
	manager *Manager
}

// NewRunJobTool wraps a manager.
func NewRunJobTool(manager *Manager) *RunJobTool {
	return &RunJobTool{manager: manager}
}

// Spec returns the model-facing description of the tool.
func (t *RunJobTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        ToolRunJob,
		Description: "Submit a long-running compute job and wait for it to finish. Failed jobs are diagnosed and resubmitted automatically up to the retry budget.",
		InputSchema: tools.InputSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"name": {
					Type:        "string",
					Description: "Job name, used to select the backend workload",
				},
				"params": {
					Type:        "object",
					Description: "Backend-specific parameters (memory, walltime, solver settings)",
				},
			},
			Required: []string{"name"},
		},
	}
}

// Exec blocks until the job reaches a terminal status. Job failure is data:
// the model gets the error code and diagnostics as the observation.
func (t *RunJobTool) Exec(ctx context.Context, args map[string]any) (tools.Result, error) {
	name, ok := args["name"].(string)
	if !ok || name == "" {
		return tools.Fail(tools.ErrCodeInvalidArgs, "name is required"), nil
	}
	params, _ := args["params"].(map[string]any)

	job, err := t.manager.Execute(ctx, Spec{Name: name, Params: params})
	if err != nil {
		if ctx.Err() != nil {
			return tools.Result{}, ctx.Err()
		}
		result := tools.Fail(tools.ErrCodeExecutionError,
			fmt.Sprintf("job %s %s (error_code=%s, retries=%d)\n%s",
				job.ID, job.Status, job.ErrorCode, job.Retries, job.Diagnostics))
		result.Info = map[string]any{
			"job_id":     job.ID,
			"remote_id":  job.RemoteID,
			"status":     string(job.Status),
			"error_code": string(job.ErrorCode),
			"retries":    job.Retries,
		}
		return result, nil
	}

	result := tools.Ok(fmt.Sprintf("job %s succeeded after %d retries", job.ID, job.Retries))
	result.Info = map[string]any{
		"job_id":    job.ID,
		"remote_id": job.RemoteID,
		"retries":   job.Retries,
	}
	return result, nil
}
