package trajectory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Writer persists trajectories. Each agent receives its own writer at
// construction; there is no process-wide current-file state.
type Writer interface {
	// Write persists the full trajectory, replacing any previous snapshot.
	Write(t *Trajectory) error
}

// JSONWriter writes one pretty-printed JSON document per task under a run
// directory, atomically (temp file + rename) so external viewers never see a
// torn document.
type JSONWriter struct {
	dir string
}

// NewJSONWriter creates the run directory if needed.
func NewJSONWriter(dir string) (*JSONWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory %s: %w", dir, err)
	}
	return &JSONWriter{dir: dir}, nil
}

// Path returns the file a task's trajectory is written to.
func (w *JSONWriter) Path(taskID string) string {
	return filepath.Join(w.dir, taskID+".json")
}

// Write implements Writer.
func (w *JSONWriter) Write(t *Trajectory) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trajectory %s: %w", t.TaskID, err)
	}

	tmp, err := os.CreateTemp(w.dir, t.TaskID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write trajectory %s: %w", t.TaskID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, w.Path(t.TaskID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to install trajectory %s: %w", t.TaskID, err)
	}
	return nil
}

// Load reads a previously written trajectory back.
func (w *JSONWriter) Load(taskID string) (*Trajectory, error) {
	data, err := os.ReadFile(w.Path(taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to read trajectory %s: %w", taskID, err)
	}
	var t Trajectory
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse trajectory %s: %w", taskID, err)
	}
	return &t, nil
}

// DiscardWriter drops every write. Used when persistence is disabled.
type DiscardWriter struct{}

// Write implements Writer.
func (DiscardWriter) Write(*Trajectory) error { return nil }
