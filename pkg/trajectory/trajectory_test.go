package trajectory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/pkg/dialog"
)

func sampleTrajectory(t *testing.T) *Trajectory {
	t.Helper()
	traj := New("task-42")
	for turn := 1; turn <= 3; turn++ {
		err := traj.AppendStep(StepRecord{
			Turn:      turn,
			Assistant: dialog.NewAssistantMessage("working", []dialog.ToolCall{{ID: "c1", Name: "shell"}}, turn),
			Outcomes: []ToolOutcome{
				{CallID: "c1", Name: "shell", Observation: "output", Success: true},
			},
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	return traj
}

func TestTrajectoryForwardOnlyStatus(t *testing.T) {
	traj := New("task-1")
	assert.Equal(t, StatusRunning, traj.Status)
	assert.False(t, traj.Terminal())

	require.NoError(t, traj.Transition(StatusCompleted, ""))
	assert.True(t, traj.Terminal())
	require.NotNil(t, traj.EndedAt)

	// Terminal is frozen: no transition out, no steps in.
	assert.Error(t, traj.Transition(StatusFailed, "nope"))
	assert.Equal(t, StatusCompleted, traj.Status)
	assert.Error(t, traj.AppendStep(StepRecord{Turn: 1}))

	// Running is never a transition target.
	fresh := New("task-2")
	assert.Error(t, fresh.Transition(StatusRunning, ""))
}

func TestTrajectoryTerminalReason(t *testing.T) {
	traj := New("task-3")
	require.NoError(t, traj.Transition(StatusFailed, "max_turns_exceeded"))
	assert.Equal(t, "max_turns_exceeded", traj.Reason)
}

func TestJSONWriterRoundTrip(t *testing.T) {
	w, err := NewJSONWriter(filepath.Join(t.TempDir(), "runs"))
	require.NoError(t, err)

	traj := sampleTrajectory(t)
	require.NoError(t, traj.Transition(StatusCompleted, ""))
	require.NoError(t, w.Write(traj))

	loaded, err := w.Load("task-42")
	require.NoError(t, err)
	assert.Equal(t, traj.TaskID, loaded.TaskID)
	assert.Equal(t, traj.Status, loaded.Status)
	require.Len(t, loaded.Steps, 3)
	for i, step := range loaded.Steps {
		assert.Equal(t, traj.Steps[i].Turn, step.Turn)
		assert.Equal(t, traj.Steps[i].Outcomes, step.Outcomes)
		assert.Equal(t, traj.Steps[i].Assistant.Content, step.Assistant.Content)
	}

	_, err = w.Load("missing-task")
	assert.Error(t, err)
}

func TestJSONWriterReplacesSnapshot(t *testing.T) {
	w, err := NewJSONWriter(t.TempDir())
	require.NoError(t, err)

	traj := New("task-9")
	require.NoError(t, w.Write(traj))

	require.NoError(t, traj.AppendStep(StepRecord{Turn: 1, Timestamp: time.Now().UTC()}))
	require.NoError(t, traj.Transition(StatusFailed, "stalled"))
	require.NoError(t, w.Write(traj))

	loaded, err := w.Load("task-9")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
	assert.Equal(t, "stalled", loaded.Reason)
	assert.Len(t, loaded.Steps, 1)
}

func TestStoreSaveAndGet(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "trajectories.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	traj := sampleTrajectory(t)
	require.NoError(t, store.Save(traj))

	// Upsert: a later snapshot replaces the first.
	require.NoError(t, traj.Transition(StatusCompleted, ""))
	require.NoError(t, store.Save(traj))

	loaded, err := store.Get("task-42")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Len(t, loaded.Steps, 3)

	_, err = store.Get("absent")
	assert.Error(t, err)
}

func TestStoreListByStatus(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "trajectories.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	a := New("task-a")
	b := New("task-b")
	require.NoError(t, b.Transition(StatusFailed, "stalled"))
	require.NoError(t, store.Save(a))
	require.NoError(t, store.Save(b))

	running, err := store.ListByStatus(StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-a"}, running)

	failed, err := store.ListByStatus(StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-b"}, failed)
}
