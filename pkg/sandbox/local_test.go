package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenLocalSession(t *testing.T) *LocalSession {
	t.Helper()
	sess, err := NewLocalSession(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, sess.Open(context.Background()))
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

func TestLocalSessionLifecycle(t *testing.T) {
	sess, err := NewLocalSession(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, sess.State())

	ctx := context.Background()
	require.NoError(t, sess.Open(ctx))
	assert.Equal(t, StateOpen, sess.State())

	// A session cannot be opened twice.
	assert.ErrorIs(t, sess.Open(ctx), ErrSessionAlreadyOpen)

	require.NoError(t, sess.Close(ctx))
	assert.Equal(t, StateClosed, sess.State())

	// Closed sessions reject work, a second close, and reopening.
	_, err = sess.ExecBash(ctx, "true", time.Second)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, sess.Close(ctx), ErrSessionClosed)
	assert.ErrorIs(t, sess.Open(ctx), ErrSessionNotReopenable)
}

func TestLocalSessionExecBash(t *testing.T) {
	sess := newOpenLocalSession(t)
	ctx := context.Background()

	res, err := sess.ExecBash(ctx, "echo hello", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, sess.WorkDir(), res.Cwd)

	// Nonzero exit codes come back as data, not as an error.
	res, err = sess.ExecBash(ctx, "exit 3", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)

	res, err = sess.ExecBash(ctx, "echo oops >&2; false", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "oops")
}

func TestLocalSessionCwdPersistsAcrossCommands(t *testing.T) {
	sess := newOpenLocalSession(t)
	ctx := context.Background()

	_, err := sess.ExecBash(ctx, "mkdir -p sub/dir && cd sub/dir", 5*time.Second)
	require.NoError(t, err)

	res, err := sess.ExecBash(ctx, "pwd", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sess.WorkDir(), "sub", "dir")+"\n", res.Stdout)
	assert.Equal(t, filepath.Join(sess.WorkDir(), "sub", "dir"), res.Cwd)
}

func TestLocalSessionCwdNeverLeavesWorkspace(t *testing.T) {
	sess := newOpenLocalSession(t)

	res, err := sess.ExecBash(context.Background(), "cd /tmp", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	// The escape is not adopted; the next command still runs at the root.
	res, err = sess.ExecBash(context.Background(), "pwd", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, sess.WorkDir()+"\n", res.Stdout)
}

func TestLocalSessionExecBashTimeout(t *testing.T) {
	sess := newOpenLocalSession(t)

	start := time.Now()
	res, err := sess.ExecBash(context.Background(), "sleep 30", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Contains(t, res.Stderr, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLocalSessionExecBashTimeoutKillsChildren(t *testing.T) {
	sess := newOpenLocalSession(t)

	// The grandchild inherits the output pipes; the timeout must still
	// unblock promptly instead of waiting for its natural end.
	start := time.Now()
	res, err := sess.ExecBash(context.Background(), "sh -c 'sleep 30' ", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLocalSessionUploadDownload(t *testing.T) {
	sess := newOpenLocalSession(t)
	ctx := context.Background()

	payload := []byte("line one\nline two\n")
	require.NoError(t, sess.Upload(ctx, "notes/todo.txt", payload))

	// The file landed inside the workspace.
	onDisk, err := os.ReadFile(filepath.Join(sess.WorkDir(), "notes", "todo.txt"))
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	got, err := sess.Download(ctx, "notes/todo.txt")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = sess.Download(ctx, "notes/missing.txt")
	assert.Error(t, err)
}

func TestResolveUnderRejectsEscapes(t *testing.T) {
	root := "/work/ws"

	cases := []struct {
		name string
		path string
		want string
		ok   bool
	}{
		{"relative", "a/b.txt", "/work/ws/a/b.txt", true},
		{"dot", ".", "/work/ws", true},
		{"absolute under root", "/work/ws/a.txt", "/work/ws/a.txt", true},
		{"absolute reinterpreted", "/etc/passwd", "/work/ws/etc/passwd", true},
		{"dotdot escape", "../outside", "", false},
		{"nested dotdot escape", "a/../../outside", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveUnder(root, tc.path)
			if !tc.ok {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrPathEscapesWorkspace))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUploadRejectsEscapingPath(t *testing.T) {
	sess := newOpenLocalSession(t)

	err := sess.Upload(context.Background(), "../outside.txt", []byte("x"))
	assert.ErrorIs(t, err, ErrPathEscapesWorkspace)
}
