package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"agentrun/pkg/logx"
)

var _ Session = (*LocalSession)(nil)

// LocalSession executes commands as one subprocess per command. There is no
// persistent shell, so the working directory is tracked by the session
// itself and re-applied to each command.
type LocalSession struct {
	id         string
	root       string
	cwd        string
	env        []string
	state      State
	closedOnce bool
	logger     *logx.Logger
	mu         sync.Mutex
}

// NewLocalSession creates a session rooted at workDir. The directory is
// created on Open if it does not exist.
func NewLocalSession(workDir string, env []string) (*LocalSession, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return &LocalSession{
		id:     "local-" + uuid.NewString(),
		root:   abs,
		cwd:    abs,
		env:    env,
		state:  StateClosed,
		logger: logx.NewLogger("sandbox"),
	}, nil
}

// ID returns the session identifier.
func (s *LocalSession) ID() string { return s.id }

// WorkDir returns the workspace root.
func (s *LocalSession) WorkDir() string { return s.root }

// State returns the current lifecycle state.
func (s *LocalSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open prepares the workspace directory. Reopening a closed session is an error.
func (s *LocalSession) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen {
		return ErrSessionAlreadyOpen
	}
	if s.closedOnce {
		return ErrSessionNotReopenable
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace root %s: %w", s.root, err)
	}
	s.state = StateOpen
	s.logger.Debug("local session %s opened at %s", s.id, s.root)
	return nil
}

// ExecBash runs the command through `sh -c` in the tracked working
// directory. The resulting directory is captured so `cd` survives across
// commands even without a persistent shell.
func (s *LocalSession) ExecBash(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ExecResult{}, ErrSessionClosed
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Capture the final working directory in a side file; a trailing pwd
	// on stdout would corrupt command output.
	cwdFile, err := os.CreateTemp("", "agentrun-cwd-*")
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create cwd capture file: %w", err)
	}
	cwdPath := cwdFile.Name()
	_ = cwdFile.Close()
	defer func() { _ = os.Remove(cwdPath) }()

	wrapped := fmt.Sprintf("%s\n__agentrun_status=$?\npwd > %s\nexit $__agentrun_status", command, shellQuote(cwdPath))

	cmd := exec.CommandContext(ctx, "sh", "-c", wrapped)
	cmd.Dir = s.cwd
	cmd.Env = append(os.Environ(), s.env...)
	// Run the command in its own process group and kill the whole group on
	// cancellation; killing only the sh child leaves grandchildren holding
	// the output pipes, and Run would block until their natural end.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Cwd:    s.cwd,
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = TimeoutExitCode
		result.Stderr = strings.TrimRight(result.Stderr, "\n") + "\ncommand timed out"
		return result, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("failed to execute command: %w", runErr)
		}
	}

	// Adopt the command's final cwd only while it stays inside the root.
	// A cd that escaped the workspace is silently dropped; the next command
	// starts back at the last confined directory.
	if data, err := os.ReadFile(cwdPath); err == nil {
		newCwd := filepath.Clean(strings.TrimSpace(string(data)))
		if newCwd == s.root || strings.HasPrefix(newCwd, s.root+string(filepath.Separator)) {
			s.cwd = newCwd
			result.Cwd = newCwd
		}
	}

	return result, nil
}

// Upload writes data to a workspace-relative path.
func (s *LocalSession) Upload(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ErrSessionClosed
	}
	abs, err := s.resolveLocked(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Download reads a workspace-relative path.
func (s *LocalSession) Download(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil, ErrSessionClosed
	}
	abs, err := s.resolveLocked(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Resolve maps a tool-supplied path under the workspace root.
func (s *LocalSession) Resolve(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(path)
}

func (s *LocalSession) resolveLocked(path string) (string, error) {
	return resolveUnder(s.root, path)
}

// Close transitions the session to its terminal state.
func (s *LocalSession) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ErrSessionClosed
	}
	s.state = StateClosed
	s.closedOnce = true
	s.logger.Debug("local session %s closed", s.id)
	return nil
}

// shellQuote single-quotes a string for safe interpolation into sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
