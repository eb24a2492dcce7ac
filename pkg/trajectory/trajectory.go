// Package trajectory records the ordered step history of one task execution
// and persists it for external viewers.
package trajectory

import (
	"fmt"
	"time"

	"agentrun/pkg/dialog"
)

// Status is the lifecycle state of a trajectory.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// terminal reports whether a status accepts no further transitions.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ToolOutcome pairs one tool call with its result inside a step.
type ToolOutcome struct {
	CallID      string `json:"call_id"`
	Name        string `json:"name"`
	Observation string `json:"observation"`
	Success     bool   `json:"success"`
	ErrorCode   string `json:"error_code,omitempty"`
}

// StepRecord captures one turn: the assistant message and what its tool
// calls produced.
type StepRecord struct {
	Turn      int            `json:"turn"`
	Assistant dialog.Message `json:"assistant"`
	Outcomes  []ToolOutcome  `json:"outcomes,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Trajectory is the complete record of one task execution. Owned by exactly
// one turn engine; never shared across agents.
type Trajectory struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
	// Reason explains terminal failures/cancellations ("llm_unavailable",
	// "stalled", "max_turns_exceeded", "context_overflow", "cancelled").
	// Empty while running and on completion with no caveats.
	Reason    string       `json:"reason,omitempty"`
	Steps     []StepRecord `json:"steps"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
}

// New starts a running trajectory for a task.
func New(taskID string) *Trajectory {
	return &Trajectory{
		TaskID:    taskID,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// AppendStep records one completed turn.
func (t *Trajectory) AppendStep(step StepRecord) error {
	if t.Status.terminal() {
		return fmt.Errorf("trajectory %s is %s; no further steps accepted", t.TaskID, t.Status)
	}
	t.Steps = append(t.Steps, step)
	return nil
}

// Transition moves the trajectory to a new status. Transitions only run
// forward: once terminal, the status is frozen and later transitions fail.
func (t *Trajectory) Transition(status Status, reason string) error {
	if t.Status.terminal() {
		return fmt.Errorf("trajectory %s is already %s; cannot transition to %s", t.TaskID, t.Status, status)
	}
	if status == StatusRunning {
		return fmt.Errorf("trajectory %s cannot transition back to running", t.TaskID)
	}
	t.Status = status
	t.Reason = reason
	now := time.Now().UTC()
	t.EndedAt = &now
	return nil
}

// Terminal reports whether the trajectory has ended.
func (t *Trajectory) Terminal() bool {
	return t.Status.terminal()
}
