package tools

import (
	"context"
	"fmt"
	"strings"

	"agentrun/pkg/sandbox"
)

const (
	defaultReadLines = 2000
	maxLineLength    = 2000
)

// ReadFileTool reads file contents out of the sandbox workspace, rendered
// with 1-based line numbers so the model can reference positions.
type ReadFileTool struct {
	session sandbox.Session
}

// NewReadFileTool creates a read_file tool bound to a session.
func NewReadFileTool(session sandbox.Session) *ReadFileTool {
	return &ReadFileTool{session: session}
}

// Spec returns the model-facing description of the tool.
func (t *ReadFileTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        ToolReadFile,
		Description: "Read a file from the workspace. Output uses numbered lines. For large files, use offset and limit to read specific sections.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path to the file, relative to the workspace root",
				},
				"offset": {
					Type:        "integer",
					Description: "Line number to start reading from (1-based, default 1)",
				},
				"limit": {
					Type:        "integer",
					Description: "Number of lines to read (default 2000)",
				},
			},
			Required: []string{"path"},
		},
	}
}

// Exec reads the requested window of the file.
func (t *ReadFileTool) Exec(ctx context.Context, args map[string]any) (Result, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return Result{}, err
	}
	offset := intArgOrDefault(args, "offset", 1)
	if offset < 1 {
		offset = 1
	}
	limit := intArgOrDefault(args, "limit", defaultReadLines)
	if limit < 1 {
		limit = defaultReadLines
	}

	data, err := t.session.Download(ctx, path)
	if err != nil {
		return Failf(ErrCodeExecutionError, "failed to read %s: %v", path, err), nil
	}

	lines := strings.Split(string(data), "\n")
	// A trailing newline yields one empty phantom line; drop it.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if offset > len(lines) {
		return Failf(ErrCodeInvalidArgs, "offset %d is past the end of %s (%d lines)", offset, path, len(lines)), nil
	}

	end := offset - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := offset - 1; i < end; i++ {
		line := lines[i]
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, line)
	}
	if end < len(lines) {
		fmt.Fprintf(&b, "... (%d more lines)\n", len(lines)-end)
	}

	result := Ok(b.String())
	result.Info = map[string]any{"path": path, "total_lines": len(lines)}
	return result, nil
}

// WriteFileTool writes file contents into the sandbox workspace, creating
// parent directories as needed.
type WriteFileTool struct {
	session sandbox.Session
}

// NewWriteFileTool creates a write_file tool bound to a session.
func NewWriteFileTool(session sandbox.Session) *WriteFileTool {
	return &WriteFileTool{session: session}
}

// Spec returns the model-facing description of the tool.
func (t *WriteFileTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        ToolWriteFile,
		Description: "Write content to a file in the workspace, replacing any existing content. Parent directories are created automatically.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path to the file, relative to the workspace root",
				},
				"content": {
					Type:        "string",
					Description: "Full content to write",
				},
			},
			Required: []string{"path", "content"},
		},
	}
}

// Exec writes the file.
func (t *WriteFileTool) Exec(ctx context.Context, args map[string]any) (Result, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return Result{}, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return Result{}, err
	}

	if err := t.session.Upload(ctx, path, []byte(content)); err != nil {
		return Failf(ErrCodeExecutionError, "failed to write %s: %v", path, err), nil
	}

	result := Ok(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
	result.Info = map[string]any{"path": path, "bytes": len(content)}
	return result, nil
}
