package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentrun/pkg/logx"
)

const (
	dockerCommand = "docker"
	podmanCommand = "podman"

	// containerWorkspace is the in-container workspace root.
	containerWorkspace = "/workspace"

	sentinelPrefix = "__AGENTRUN_DONE_"
)

// ContainerOptions are creation-time parameters for a containerized session.
type ContainerOptions struct {
	// Image is the container image to run.
	Image string
	// EnvID is the logical environment id. Sessions sharing an EnvID reuse
	// the same container when AutoRemove is false.
	EnvID string
	// HostWorkDir is mounted read-write at the in-container workspace root.
	HostWorkDir string
	// Mounts are additional volume mounts.
	Mounts []Mount
	// Limits constrains container resources.
	Limits *ResourceLimits
	// NetworkDisabled disables container networking.
	NetworkDisabled bool
	// AutoRemove removes the container on Close instead of leaving it for
	// reuse by a later session bound to the same EnvID.
	AutoRemove bool
	// Env is extra KEY=VALUE environment for commands.
	Env []string
}

var _ Session = (*ContainerSession)(nil)

// ContainerSession multiplexes commands through one persistent in-container
// shell so environment, cwd, and background processes persist across calls.
// Each command is terminated by a unique sentinel line carrying the exit
// code and working directory; output is read until the sentinel appears or
// the timeout interrupts the command.
type ContainerSession struct {
	id        string
	opts      ContainerOptions
	name      string
	dockerCmd string
	state     State
	closed    bool

	shell    *exec.Cmd
	stdin    io.WriteCloser
	outLines chan string
	errBuf   *lockedBuffer

	logger *logx.Logger
	mu     sync.Mutex
}

// lockedBuffer accumulates stderr from the persistent shell between commands.
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Take returns and clears the accumulated contents.
func (b *lockedBuffer) Take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return s
}

// NewContainerSession creates a containerized session. The container itself
// is not started until Open.
func NewContainerSession(opts ContainerOptions) *ContainerSession {
	envID := opts.EnvID
	if envID == "" {
		envID = uuid.NewString()[:8]
	}
	dockerCmd := dockerCommand
	if _, err := exec.LookPath(dockerCommand); err != nil {
		if _, err := exec.LookPath(podmanCommand); err == nil {
			dockerCmd = podmanCommand
		}
	}
	return &ContainerSession{
		id:        "container-" + uuid.NewString(),
		opts:      opts,
		name:      "agentrun-env-" + envID,
		dockerCmd: dockerCmd,
		state:     StateClosed,
		errBuf:    &lockedBuffer{},
		logger:    logx.NewLogger("sandbox"),
	}
}

// ID returns the session identifier.
func (s *ContainerSession) ID() string { return s.id }

// WorkDir returns the in-container workspace root.
func (s *ContainerSession) WorkDir() string { return containerWorkspace }

// State returns the current lifecycle state.
func (s *ContainerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open starts (or reuses) the container and attaches the persistent shell.
func (s *ContainerSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen {
		return ErrSessionAlreadyOpen
	}
	if s.closed {
		return ErrSessionNotReopenable
	}

	running, err := s.containerRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		if err := s.startContainer(ctx); err != nil {
			return err
		}
	} else {
		s.logger.Info("reusing container %s for session %s", s.name, s.id)
	}

	if err := s.attachShell(); err != nil {
		return err
	}

	s.state = StateOpen
	s.logger.Info("container session %s open (container %s)", s.id, s.name)
	return nil
}

func (s *ContainerSession) containerRunning(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, s.dockerCmd, "ps", "-q", "--filter", "name=^"+s.name+"$")
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to query container state: %w", err)
	}
	return strings.TrimSpace(string(out)) != "", nil
}

func (s *ContainerSession) startContainer(ctx context.Context) error {
	// Remove any stopped leftover with the same name from a previous run.
	_ = exec.CommandContext(ctx, s.dockerCmd, "rm", "-f", s.name).Run()

	args := []string{"run", "-d", "--name", s.name, "--security-opt", "no-new-privileges"}

	if s.opts.NetworkDisabled {
		args = append(args, "--network", "none")
	}
	if lim := s.opts.Limits; lim != nil {
		if lim.CPUs != "" {
			args = append(args, "--cpus", lim.CPUs)
		}
		if lim.Memory != "" {
			args = append(args, "--memory", lim.Memory)
		}
		if lim.PIDs > 0 {
			args = append(args, "--pids-limit", strconv.FormatInt(lim.PIDs, 10))
		}
	}

	if s.opts.HostWorkDir != "" {
		if err := os.MkdirAll(s.opts.HostWorkDir, 0o755); err != nil {
			return fmt.Errorf("failed to create host workspace %s: %w", s.opts.HostWorkDir, err)
		}
		args = append(args, "--volume", fmt.Sprintf("%s:%s:rw", s.opts.HostWorkDir, containerWorkspace))
	}
	for _, m := range s.opts.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "--volume", fmt.Sprintf("%s:%s:%s", m.HostPath, m.ContainerPath, mode))
	}
	for _, env := range s.opts.Env {
		args = append(args, "--env", env)
	}

	args = append(args, "--workdir", containerWorkspace, s.opts.Image, "sleep", "infinity")

	cmd := exec.CommandContext(ctx, s.dockerCmd, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to start container %s: %w\noutput: %s", s.name, err, string(out))
	}
	s.logger.Info("started container %s (%s)", s.name, strings.TrimSpace(string(out)))
	return nil
}

// attachShell starts the persistent in-container shell and the reader
// goroutine that feeds its stdout to ExecBash line by line.
func (s *ContainerSession) attachShell() error {
	shell := exec.Command(s.dockerCmd, "exec", "-i", "--workdir", containerWorkspace, s.name, "sh")
	stdin, err := shell.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open shell stdin: %w", err)
	}
	stdout, err := shell.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open shell stdout: %w", err)
	}
	shell.Stderr = s.errBuf

	if err := shell.Start(); err != nil {
		return fmt.Errorf("failed to start container shell: %w", err)
	}

	lines := make(chan string, 256)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	s.shell = shell
	s.stdin = stdin
	s.outLines = lines
	return nil
}

// ExecBash writes the command to the persistent shell followed by a unique
// sentinel, then polls output until the sentinel appears. On timeout the
// command's process group is killed through a side exec and the result
// reports TimeoutExitCode.
func (s *ContainerSession) ExecBash(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ExecResult{}, ErrSessionClosed
	}

	sentinel := sentinelPrefix + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"

	// Drain stderr accumulated since the previous command so it is not
	// attributed to this one.
	s.errBuf.Take()

	// The sentinel line carries exit code and final cwd.
	script := fmt.Sprintf("{ %s\n}\necho \"%s $? $PWD\"\n", command, sentinel)
	if _, err := io.WriteString(s.stdin, script); err != nil {
		return ExecResult{}, fmt.Errorf("failed to write to container shell: %w", err)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var stdout strings.Builder
	for {
		select {
		case <-ctx.Done():
			s.interruptRunningCommand()
			res := ExecResult{
				Stdout:   stdout.String(),
				Stderr:   s.errBuf.Take(),
				ExitCode: TimeoutExitCode,
				Cwd:      containerWorkspace,
			}
			// Eat the interrupted command's late output and sentinel so a
			// reused lane does not attribute them to the next command.
			s.drainUntilSentinel(sentinel)
			return res, ctx.Err()
		case <-deadline:
			s.interruptRunningCommand()
			res := ExecResult{
				Stdout:   stdout.String(),
				Stderr:   s.errBuf.Take() + "\ncommand timed out",
				ExitCode: TimeoutExitCode,
				Cwd:      containerWorkspace,
			}
			s.drainUntilSentinel(sentinel)
			return res, nil
		case line, ok := <-s.outLines:
			if !ok {
				return ExecResult{}, fmt.Errorf("container shell exited unexpectedly")
			}
			if code, cwd, matched := parseSentinelLine(line, sentinel); matched {
				return ExecResult{
					Stdout:   stdout.String(),
					Stderr:   s.errBuf.Take(),
					ExitCode: code,
					Cwd:      cwd,
				}, nil
			}
			stdout.WriteString(line)
			stdout.WriteByte('\n')
		}
	}
}

// parseSentinelLine matches "<sentinel> <exitcode> <cwd>" lines.
func parseSentinelLine(line, sentinel string) (exitCode int, cwd string, matched bool) {
	if !strings.HasPrefix(line, sentinel+" ") {
		return 0, "", false
	}
	rest := strings.TrimPrefix(line, sentinel+" ")
	fields := strings.SplitN(rest, " ", 2)
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", false
	}
	if len(fields) == 2 {
		cwd = fields[1]
	}
	return code, cwd, true
}

// interruptRunningCommand kills the foreground command of the persistent
// shell from the outside. The shell itself survives because it is the
// session's execution lane.
func (s *ContainerSession) interruptRunningCommand() {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Kill the newest descendants of the shell; sleep-infinity (pid 1) and
	// the shell survive.
	cmd := exec.CommandContext(killCtx, s.dockerCmd, "exec", s.name,
		"sh", "-c", "pkill -KILL -P $(pgrep -o sh) 2>/dev/null || true")
	if err := cmd.Run(); err != nil {
		s.logger.Warn("failed to interrupt command in container %s: %v", s.name, err)
	}
}

// drainUntilSentinel discards late output from an interrupted command so it
// does not bleed into the next one. Bounded wait; the sentinel still prints
// once the killed command's shell branch resumes.
func (s *ContainerSession) drainUntilSentinel(sentinel string) {
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case line, ok := <-s.outLines:
			if !ok {
				return
			}
			if _, _, matched := parseSentinelLine(line, sentinel); matched {
				return
			}
		}
	}
}

// Upload copies data into the container at a workspace-relative path,
// staging through a temp file and docker cp.
func (s *ContainerSession) Upload(ctx context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ErrSessionClosed
	}
	dst, err := s.resolveLocked(p)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "agentrun-cp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	mkdir := exec.CommandContext(ctx, s.dockerCmd, "exec", s.name, "mkdir", "-p", path.Dir(dst))
	if err := mkdir.Run(); err != nil {
		return fmt.Errorf("failed to create parent directory in container: %w", err)
	}
	cp := exec.CommandContext(ctx, s.dockerCmd, "cp", tmp.Name(), s.name+":"+dst)
	if out, err := cp.CombinedOutput(); err != nil {
		return fmt.Errorf("docker cp failed: %w\noutput: %s", err, string(out))
	}
	return nil
}

// Download reads a workspace-relative path out of the container.
func (s *ContainerSession) Download(ctx context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil, ErrSessionClosed
	}
	src, err := s.resolveLocked(p)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, s.dockerCmd, "exec", s.name, "cat", src)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from container: %w", p, err)
	}
	return out, nil
}

// Resolve maps a tool-supplied path under the in-container workspace root.
func (s *ContainerSession) Resolve(p string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(p)
}

func (s *ContainerSession) resolveLocked(p string) (string, error) {
	return resolveUnder(containerWorkspace, p)
}

// Close detaches the shell and, when AutoRemove is set, removes the
// container. Without AutoRemove the container keeps running for reuse by a
// later session bound to the same environment id.
func (s *ContainerSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ErrSessionClosed
	}
	s.state = StateClosed
	s.closed = true

	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.shell != nil && s.shell.Process != nil {
		_ = s.shell.Process.Kill()
		_ = s.shell.Wait()
	}

	if s.opts.AutoRemove {
		stop := exec.CommandContext(ctx, s.dockerCmd, "rm", "-f", s.name)
		if err := stop.Run(); err != nil {
			s.logger.Error("failed to remove container %s: %v", s.name, err)
			return fmt.Errorf("failed to remove container %s: %w", s.name, err)
		}
		s.logger.Info("container %s removed", s.name)
	} else {
		s.logger.Info("container %s left running for reuse", s.name)
	}
	return nil
}
