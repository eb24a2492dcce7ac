package sandbox

import (
	"bufio"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSentinelLine(t *testing.T) {
	sentinel := "__AGENTRUN_DONE_abc123__"

	code, cwd, ok := parseSentinelLine(sentinel+" 0 /workspace", sentinel)
	require.True(t, ok)
	assert.Equal(t, 0, code)
	assert.Equal(t, "/workspace", cwd)

	code, cwd, ok = parseSentinelLine(sentinel+" 127 /workspace/sub dir", sentinel)
	require.True(t, ok)
	assert.Equal(t, 127, code)
	// Everything after the exit code is the cwd, spaces included.
	assert.Equal(t, "/workspace/sub dir", cwd)

	// Ordinary output lines do not match, even ones mentioning the prefix
	// mid-line or a different command's sentinel.
	_, _, ok = parseSentinelLine("build output "+sentinel+" 0 /workspace", sentinel)
	assert.False(t, ok)
	_, _, ok = parseSentinelLine("__AGENTRUN_DONE_other999__ 0 /workspace", sentinel)
	assert.False(t, ok)
	_, _, ok = parseSentinelLine(sentinel+" notanumber /workspace", sentinel)
	assert.False(t, ok)
}

func TestContainerSessionRequiresOpen(t *testing.T) {
	sess := NewContainerSession(ContainerOptions{Image: "alpine:latest"})
	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, "/workspace", sess.WorkDir())

	// Workspace confinement applies without a running container.
	resolved, err := sess.Resolve("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/src/main.go", resolved)

	_, err = sess.Resolve("../host")
	assert.ErrorIs(t, err, ErrPathEscapesWorkspace)
}

func TestContainerExecBashCancellationDrainsLane(t *testing.T) {
	sess := NewContainerSession(ContainerOptions{Image: "alpine:latest"})
	sess.state = StateOpen
	// Interrupting the foreground command becomes a no-op exec.
	sess.dockerCmd = "true"

	stdinR, stdinW := io.Pipe()
	sess.stdin = stdinW
	lines := make(chan string, 64)
	sess.outLines = lines

	// Fake shell: answer each submitted script with its sentinel line. The
	// first command is interrupted, so its output and sentinel arrive late.
	go func() {
		scanner := bufio.NewScanner(stdinR)
		first := true
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, `echo "`+sentinelPrefix) {
				continue
			}
			sentinel := strings.Fields(strings.TrimPrefix(line, `echo "`))[0]
			if first {
				first = false
				time.Sleep(50 * time.Millisecond)
				lines <- "late output from interrupted command"
				lines <- sentinel + " 137 /workspace"
			} else {
				lines <- "second command output"
				lines <- sentinel + " 0 /workspace"
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := sess.ExecBash(ctx, "sleep 30", 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)

	// The reused lane must not see the interrupted command's leftovers.
	res, err = sess.ExecBash(context.Background(), "echo second", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "second command output")
	assert.NotContains(t, res.Stdout, "late output")
}

func TestContainerNameDerivedFromEnvID(t *testing.T) {
	sess := NewContainerSession(ContainerOptions{Image: "alpine:latest", EnvID: "build-7"})
	assert.Equal(t, "agentrun-env-build-7", sess.name)

	// Without an explicit environment id the name is still unique per session.
	a := NewContainerSession(ContainerOptions{Image: "alpine:latest"})
	b := NewContainerSession(ContainerOptions{Image: "alpine:latest"})
	assert.NotEqual(t, a.name, b.name)
}
