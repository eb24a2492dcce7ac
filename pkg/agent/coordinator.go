package agent

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"agentrun/pkg/logx"
	"agentrun/pkg/trajectory"
)

// Run pairs an engine with the task it should execute. Engines may share a
// registry; engines that need sandbox isolation must each be bound to their
// own session, because one session is one execution lane.
type Run struct {
	Engine *Engine
	Task   Task
}

// Coordinator executes several turn engines concurrently. Each engine owns
// its dialog and trajectory; the coordinator only fans out and collects.
type Coordinator struct {
	// MaxConcurrent bounds parallel engines; zero means unbounded.
	MaxConcurrent int

	logger *logx.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(maxConcurrent int) *Coordinator {
	return &Coordinator{
		MaxConcurrent: maxConcurrent,
		logger:        logx.NewLogger("coordinator"),
	}
}

// Execute runs every task to a terminal state and returns the trajectories
// in input order. A failed task does not cancel its siblings: agent failures
// are independent outcomes, not a group abort. The error aggregates per-task
// failures; cancellation of ctx still stops everything.
func (c *Coordinator) Execute(ctx context.Context, runs []Run) ([]*trajectory.Trajectory, error) {
	results := make([]*trajectory.Trajectory, len(runs))
	errs := make([]error, len(runs))

	g, ctx := errgroup.WithContext(ctx)
	if c.MaxConcurrent > 0 {
		g.SetLimit(c.MaxConcurrent)
	}

	var mu sync.Mutex
	for i, run := range runs {
		g.Go(func() error {
			c.logger.Info("starting task %s", run.Task.ID)
			traj, err := run.Engine.Run(ctx, run.Task)
			mu.Lock()
			results[i] = traj
			errs[i] = err
			mu.Unlock()
			// Only context cancellation aborts the group.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}

	var failed int
	var firstErr error
	for _, err := range errs {
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d tasks failed, first: %w", failed, len(runs), firstErr)
	}
	return results, nil
}
