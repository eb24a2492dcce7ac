// Package sandbox provides isolated command-execution sessions for tools,
// backed by either local subprocesses or a persistent container.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateClosed is both the initial and the terminal state. A closed
	// session cannot be reopened.
	StateClosed State = "closed"
	// StateOpen means the session accepts exec/upload/download calls.
	StateOpen State = "open"
)

// TimeoutExitCode is reported when a command is forcibly interrupted
// because it exceeded its timeout. Matches the shell convention.
const TimeoutExitCode = 124

// ExecResult holds the outcome of one command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Cwd      string `json:"cwd"`
}

// ResourceLimits constrains a containerized session.
type ResourceLimits struct {
	// CPUs is the number of CPU cores to allocate (e.g. "2" or "1.5").
	CPUs string
	// Memory is the memory limit (e.g. "2g", "512m").
	Memory string
	// PIDs is the maximum number of processes/threads.
	PIDs int64
}

// Mount maps a host path into a containerized session.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Session is an isolated execution environment exposing shell and file I/O.
// A session must be opened before use and closed exactly once; commands run
// sequentially within a session because its state (cwd, environment,
// background processes) is mutable.
type Session interface {
	// ID returns the session identifier.
	ID() string

	// WorkDir returns the workspace root all tool-visible paths resolve under.
	WorkDir() string

	// State returns the current lifecycle state.
	State() State

	// Open transitions the session from closed to open.
	Open(ctx context.Context) error

	// ExecBash runs a shell command, bounded by timeout. A timed-out command
	// is interrupted and reported with TimeoutExitCode instead of hanging.
	ExecBash(ctx context.Context, command string, timeout time.Duration) (ExecResult, error)

	// Upload writes data to a workspace-relative path inside the sandbox.
	Upload(ctx context.Context, path string, data []byte) error

	// Download reads a workspace-relative path from the sandbox.
	Download(ctx context.Context, path string) ([]byte, error)

	// Resolve maps a tool-supplied path to an absolute path under the
	// workspace root, rejecting escapes.
	Resolve(path string) (string, error)

	// Close releases the sandbox. Terminal: the session cannot be reopened.
	Close(ctx context.Context) error
}

// Sentinel errors for session lifecycle and path confinement.
var (
	ErrSessionClosed        = errors.New("session is closed")
	ErrSessionAlreadyOpen   = errors.New("session is already open")
	ErrSessionNotReopenable = errors.New("closed sessions cannot be reopened")
	ErrPathEscapesWorkspace = errors.New("path escapes the workspace root")
)

// resolveUnder confines a tool-supplied path to the workspace root.
// Absolute paths are reinterpreted relative to the root; anything that
// cleans to a location outside the root is rejected. Tool input is never
// trusted to stay inside the sandbox on its own.
func resolveUnder(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscapesWorkspace)
	}
	p := path
	if filepath.IsAbs(p) {
		p = strings.TrimPrefix(p, root)
		p = strings.TrimPrefix(p, "/")
	}
	joined := filepath.Join(root, p)
	rel, err := filepath.Rel(root, joined)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesWorkspace, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesWorkspace, path)
	}
	return joined, nil
}
