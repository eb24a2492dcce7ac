package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentrun/pkg/sandbox"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellTimeout     = 10 * time.Minute

	// maxObservationBytes caps what one command can inject into the
	// dialog. Output beyond the cap is cut in the middle, keeping the head
	// and the tail, which is where build errors usually live.
	maxObservationBytes = 64 * 1024
)

// ShellTool runs commands inside the agent's sandbox session.
type ShellTool struct {
	session sandbox.Session
}

// NewShellTool creates a shell tool bound to a session.
func NewShellTool(session sandbox.Session) *ShellTool {
	return &ShellTool{session: session}
}

// Spec returns the model-facing description of the tool.
func (t *ShellTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        ToolShell,
		Description: "Run a shell command in the workspace. Working directory and environment persist between calls. Output is truncated in the middle when very long.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"command": {
					Type:        "string",
					Description: "Shell command to run",
				},
				"timeout_seconds": {
					Type:        "integer",
					Description: "Maximum runtime in seconds (default 60, max 600)",
				},
			},
			Required: []string{"command"},
		},
	}
}

// Exec runs the command and reports stdout/stderr/exit code as data. A
// nonzero exit code is still a successful tool call; the model decides what
// to do with it.
func (t *ShellTool) Exec(ctx context.Context, args map[string]any) (Result, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(command) == "" {
		return Fail(ErrCodeInvalidArgs, "command must not be empty"), nil
	}

	timeout := time.Duration(intArgOrDefault(args, "timeout_seconds", int(defaultShellTimeout/time.Second))) * time.Second
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}

	res, err := t.session.ExecBash(ctx, command, timeout)
	if err != nil {
		return Result{}, err
	}

	result := Ok(formatExecObservation(res))
	result.Info = map[string]any{
		"exit_code": res.ExitCode,
		"cwd":       res.Cwd,
	}
	return result, nil
}

// formatExecObservation renders an exec result for the model.
func formatExecObservation(res sandbox.ExecResult) string {
	var b strings.Builder
	b.WriteString(truncateMiddle(res.Stdout, maxObservationBytes))
	if res.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(truncateMiddle(res.Stderr, maxObservationBytes))
	}
	if res.ExitCode != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "exit code: %d", res.ExitCode)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}

// truncateMiddle keeps the head and tail of oversized output.
func truncateMiddle(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	half := limit / 2
	omitted := len(s) - 2*half
	return s[:half] + fmt.Sprintf("\n... [%d bytes truncated] ...\n", omitted) + s[len(s)-half:]
}
