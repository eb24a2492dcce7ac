package trajectory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Pure-Go sqlite driver registered as "sqlite".
	_ "modernc.org/sqlite"
)

// Store keeps trajectory snapshots in sqlite so runs survive restarts and
// can be queried across tasks. The full document is stored as JSON alongside
// indexed status columns.
type Store struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS trajectories (
	task_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	steps      INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	ended_at   TEXT,
	document   TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trajectories_status ON trajectories(status);
`

// OpenStore opens (and if needed initializes) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open trajectory store %s: %w", path, err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize trajectory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Save upserts the trajectory snapshot.
func (s *Store) Save(t *Trajectory) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trajectory %s: %w", t.TaskID, err)
	}

	var endedAt any
	if t.EndedAt != nil {
		endedAt = t.EndedAt.Format(time.RFC3339Nano)
	}

	_, err = s.db.Exec(`
		INSERT INTO trajectories (task_id, status, reason, steps, started_at, ended_at, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			steps = excluded.steps,
			ended_at = excluded.ended_at,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		t.TaskID, string(t.Status), t.Reason, len(t.Steps),
		t.StartedAt.Format(time.RFC3339Nano), endedAt,
		string(doc), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save trajectory %s: %w", t.TaskID, err)
	}
	return nil
}

// Get loads one trajectory by task id.
func (s *Store) Get(taskID string) (*Trajectory, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM trajectories WHERE task_id = ?`, taskID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no trajectory for task %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trajectory %s: %w", taskID, err)
	}
	var t Trajectory
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, fmt.Errorf("failed to parse trajectory %s: %w", taskID, err)
	}
	return &t, nil
}

// ListByStatus returns the task ids currently in the given status, oldest
// first.
func (s *Store) ListByStatus(status Status) ([]string, error) {
	rows, err := s.db.Query(`SELECT task_id FROM trajectories WHERE status = ? ORDER BY started_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list trajectories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan trajectory row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreWriter adapts a Store to the Writer interface.
type StoreWriter struct {
	store *Store
}

// NewStoreWriter wraps a store.
func NewStoreWriter(store *Store) *StoreWriter {
	return &StoreWriter{store: store}
}

// Write implements Writer.
func (w *StoreWriter) Write(t *Trajectory) error {
	return w.store.Save(t)
}

// MultiWriter fans one trajectory out to several writers.
type MultiWriter []Writer

// Write implements Writer, failing on the first error.
func (m MultiWriter) Write(t *Trajectory) error {
	for _, w := range m {
		if err := w.Write(t); err != nil {
			return err
		}
	}
	return nil
}
