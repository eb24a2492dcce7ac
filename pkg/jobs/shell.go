package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentrun/pkg/sandbox"
)

const (
	jobDirPrefix     = ".agentrun/jobs"
	submitterTimeout = 30 * time.Second
)

// ShellSubmitter runs jobs as detached shell commands inside a sandbox
// session. Each job name maps to a configured command; the command finds its
// parameters in params.json inside the job directory.
type ShellSubmitter struct {
	session  sandbox.Session
	commands map[string]string
}

// NewShellSubmitter creates a submitter over an open session.
func NewShellSubmitter(session sandbox.Session, commands map[string]string) *ShellSubmitter {
	return &ShellSubmitter{session: session, commands: commands}
}

// Submit launches the job in the background and returns its directory id.
// The wrapper records the command's exit code in an exit file, which is the
// completion signal Status polls for.
func (s *ShellSubmitter) Submit(ctx context.Context, spec Spec) (string, error) {
	command, ok := s.commands[spec.Name]
	if !ok {
		return "", fmt.Errorf("no command configured for job %q", spec.Name)
	}

	remoteID := uuid.NewString()[:8]
	dir := jobDirPrefix + "/" + remoteID

	params, err := json.Marshal(spec.Params)
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}
	if err := s.session.Upload(ctx, dir+"/params.json", params); err != nil {
		return "", fmt.Errorf("failed to stage params: %w", err)
	}

	// The session's tracked cwd drifts as commands cd around, so the job
	// directory is pinned to its absolute path. The outer subshell keeps the
	// session cwd unchanged; the inner one isolates the command so a trailing
	// `exit N` cannot skip writing the exit file.
	absDir, err := s.session.Resolve(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve job directory: %w", err)
	}
	launch := fmt.Sprintf(`(cd "%s" && { ( (%s); echo $? > exit ) > log 2>&1 & }) && echo launched`, absDir, command)
	result, err := s.session.ExecBash(ctx, launch, submitterTimeout)
	if err != nil {
		return "", fmt.Errorf("launch failed: %w", err)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("launch exited %d: %s", result.ExitCode, result.Stderr)
	}
	return remoteID, nil
}

// Status reports running until the exit file appears, then maps its code.
func (s *ShellSubmitter) Status(ctx context.Context, remoteID string) (RemoteState, error) {
	data, err := s.session.Download(ctx, jobDirPrefix+"/"+remoteID+"/exit")
	if err != nil {
		// No exit file yet: the job is still running.
		return RemoteRunning, nil
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("unreadable exit file for job %s: %w", remoteID, err)
	}
	if code == 0 {
		return RemoteSucceeded, nil
	}
	return RemoteFailed, nil
}

// Diagnostics returns the tail of the job's log.
func (s *ShellSubmitter) Diagnostics(ctx context.Context, remoteID string) (string, error) {
	absLog, err := s.session.Resolve(jobDirPrefix + "/" + remoteID + "/log")
	if err != nil {
		return "", err
	}
	result, err := s.session.ExecBash(ctx,
		fmt.Sprintf(`tail -n 100 "%s"`, absLog), submitterTimeout)
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}
