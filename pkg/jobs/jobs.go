// Package jobs manages long-running external compute submitted through
// tools: submit, poll at a fixed interval, diagnose failures, and resubmit
// with adjusted parameters until the job succeeds or the retry budget runs
// out.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentrun/pkg/logx"
	"agentrun/pkg/metrics"
)

// Status is the manager-side lifecycle state of a job.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusPolling    Status = "polling"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusDiagnosing Status = "diagnosing"
	StatusGaveUp     Status = "gave_up"
)

// RemoteState is what the backend reports for a submitted job.
type RemoteState string

const (
	RemoteRunning   RemoteState = "running"
	RemoteSucceeded RemoteState = "succeeded"
	RemoteFailed    RemoteState = "failed"
)

// Spec describes one job submission. Params carry backend-specific knobs
// (memory, walltime, solver settings); fix strategies adjust them between
// retries.
type Spec struct {
	Name   string
	Params map[string]any
}

// withParams returns a copy of the spec with overrides merged in.
func (s Spec) withParams(overrides map[string]any) Spec {
	merged := make(map[string]any, len(s.Params)+len(overrides))
	for k, v := range s.Params {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return Spec{Name: s.Name, Params: merged}
}

// Submitter is the backend collaborator. A Status call never blocks longer
// than one round trip; the manager owns all waiting.
type Submitter interface {
	Submit(ctx context.Context, spec Spec) (remoteID string, err error)
	Status(ctx context.Context, remoteID string) (RemoteState, error)
	Diagnostics(ctx context.Context, remoteID string) (string, error)
}

// Job is the manager's record of one logical job across resubmissions.
type Job struct {
	ID          string       `json:"id"`
	RemoteID    string       `json:"remote_id"`
	Status      Status       `json:"status"`
	Retries     int          `json:"retries"`
	ErrorCode   ErrorCode    `json:"error_code,omitempty"`
	Diagnostics string       `json:"diagnostics,omitempty"`
	Fix         *FixStrategy `json:"fix,omitempty"`
}

// Config tunes the manager.
type Config struct {
	// PollInterval is the fixed delay between status checks.
	PollInterval time.Duration
	// MaxRetries caps diagnose+resubmit cycles per logical job.
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// Manager drives jobs through submit → poll → diagnose → resubmit.
type Manager struct {
	submitter Submitter
	cfg       Config
	recorder  *metrics.Recorder
	logger    *logx.Logger
}

// NewManager creates a manager. recorder may be nil.
func NewManager(submitter Submitter, cfg Config, recorder *metrics.Recorder) (*Manager, error) {
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	cfg.applyDefaults()
	return &Manager{
		submitter: submitter,
		cfg:       cfg,
		recorder:  recorder,
		logger:    logx.NewLogger("jobs"),
	}, nil
}

// Execute runs one logical job to a terminal status. The returned Job is
// always valid; the error is non-nil when the job did not succeed. Context
// cancellation aborts the wait and returns the job in its current state.
func (m *Manager) Execute(ctx context.Context, spec Spec) (*Job, error) {
	job := &Job{ID: uuid.NewString(), Status: StatusSubmitted}

	for {
		remoteID, err := m.submitter.Submit(ctx, spec)
		if err != nil {
			job.Status = StatusFailed
			m.observeFinished(job)
			return job, fmt.Errorf("submit failed: %w", err)
		}
		job.RemoteID = remoteID
		job.Status = StatusPolling
		m.logger.Info("job %s submitted as %s", job.ID, remoteID)

		state, err := m.poll(ctx, job)
		if err != nil {
			m.observeFinished(job)
			return job, err
		}

		if state == RemoteSucceeded {
			job.Status = StatusSucceeded
			m.observeFinished(job)
			m.logger.Info("job %s succeeded after %d retries", job.ID, job.Retries)
			return job, nil
		}

		// Remote failure: map diagnostics to a code and a fix.
		job.Status = StatusDiagnosing
		text, derr := m.submitter.Diagnostics(ctx, job.RemoteID)
		if derr != nil {
			text = fmt.Sprintf("diagnostics unavailable: %v", derr)
		}
		code, fix := Diagnose(text)
		job.ErrorCode = code
		job.Diagnostics = text
		job.Fix = fix

		if fix == nil {
			job.Status = StatusGaveUp
			m.observeFinished(job)
			return job, fmt.Errorf("job %s failed with %s and no known fix", job.ID, code)
		}
		if job.Retries >= m.cfg.MaxRetries {
			job.Status = StatusGaveUp
			m.observeFinished(job)
			return job, fmt.Errorf("job %s failed with %s after %d retries", job.ID, code, job.Retries)
		}

		job.Retries++
		if m.recorder != nil {
			m.recorder.ObserveJobRetry(string(code))
		}
		m.logger.Warn("job %s failed (%s), resubmitting with fix: %s (retry %d/%d)",
			job.ID, code, fix.Description, job.Retries, m.cfg.MaxRetries)
		spec = spec.withParams(fix.Params)
		job.Status = StatusSubmitted
	}
}

// poll checks immediately, then at the fixed interval, until the remote
// reaches a terminal state or ctx is cancelled.
func (m *Manager) poll(ctx context.Context, job *Job) (RemoteState, error) {
	for {
		state, err := m.submitter.Status(ctx, job.RemoteID)
		if err != nil {
			return "", fmt.Errorf("status check for %s failed: %w", job.RemoteID, err)
		}
		if state == RemoteSucceeded || state == RemoteFailed {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

func (m *Manager) observeFinished(job *Job) {
	if m.recorder != nil {
		m.recorder.ObserveJobFinished(string(job.Status))
	}
}
