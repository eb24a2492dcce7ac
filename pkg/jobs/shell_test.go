package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/pkg/sandbox"
)

func newShellManager(t *testing.T, commands map[string]string, maxRetries int) *Manager {
	t.Helper()
	session, err := sandbox.NewLocalSession(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, session.Open(context.Background()))
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	mgr, err := NewManager(NewShellSubmitter(session, commands),
		Config{PollInterval: 20 * time.Millisecond, MaxRetries: maxRetries}, nil)
	require.NoError(t, err)
	return mgr
}

func TestShellSubmitterSucceeds(t *testing.T) {
	mgr := newShellManager(t, map[string]string{
		"echo-params": "cat params.json",
	}, 1)

	job, err := mgr.Execute(context.Background(), Spec{
		Name:   "echo-params",
		Params: map[string]any{"kpoints": 4},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, 0, job.Retries)
}

func TestShellSubmitterDiagnosesLogOutput(t *testing.T) {
	mgr := newShellManager(t, map[string]string{
		"diverging": "echo 'SCF did not converge: density diverged'; exit 1",
	}, 1)

	job, err := mgr.Execute(context.Background(), Spec{Name: "diverging"})
	require.Error(t, err)
	assert.Equal(t, StatusGaveUp, job.Status)
	assert.Equal(t, ErrSCFDiverged, job.ErrorCode)
	assert.Equal(t, 1, job.Retries)
	assert.Contains(t, job.Diagnostics, "did not converge")
}

func TestShellSubmitterCommandEndingInExit(t *testing.T) {
	// A trailing `exit N` must not skip the exit-file write, or the poll
	// loop would never see the job finish.
	mgr := newShellManager(t, map[string]string{
		"bails": "exit 7",
	}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := mgr.Execute(ctx, Spec{Name: "bails"})
	require.Error(t, err)
	assert.Equal(t, StatusGaveUp, job.Status)
	assert.Equal(t, ErrUnknown, job.ErrorCode)
}

func TestShellSubmitterSurvivesSessionCwdDrift(t *testing.T) {
	session, err := sandbox.NewLocalSession(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, session.Open(context.Background()))
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	// Another tool moved the session out of the workspace root.
	_, err = session.ExecBash(context.Background(), "mkdir -p sub && cd sub", 5*time.Second)
	require.NoError(t, err)

	mgr, err := NewManager(NewShellSubmitter(session, map[string]string{
		"echo-params": "cat params.json",
	}), Config{PollInterval: 20 * time.Millisecond, MaxRetries: 1}, nil)
	require.NoError(t, err)

	job, err := mgr.Execute(context.Background(), Spec{
		Name:   "echo-params",
		Params: map[string]any{"kpoints": 4},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
}

func TestShellSubmitterUnknownJobName(t *testing.T) {
	mgr := newShellManager(t, map[string]string{}, 1)

	job, err := mgr.Execute(context.Background(), Spec{Name: "nope"})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, err.Error(), "no command configured")
}
