package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentrun/pkg/agent/llmerrors"
	"agentrun/pkg/contextwin"
	"agentrun/pkg/dialog"
	"agentrun/pkg/logx"
	"agentrun/pkg/metrics"
	"agentrun/pkg/sandbox"
	"agentrun/pkg/tools"
	"agentrun/pkg/trajectory"
)

// nudgeMessage is appended when the model replies without tool calls.
const nudgeMessage = "You replied without calling any tool. Use the available tools to make progress, or call finish with a summary if the task is done."

// Task is one unit of work handed to an engine.
type Task struct {
	// ID names the trajectory document.
	ID string
	// SystemPrompt seeds the system message.
	SystemPrompt string
	// Prompt seeds the first user message.
	Prompt string
}

// EngineConfig tunes one turn engine.
type EngineConfig struct {
	// AgentID labels logs and metrics.
	AgentID string
	// MaxTurns bounds the run; exceeding it fails the trajectory.
	MaxTurns int
	// MaxNudges bounds consecutive no-tool-call replies before the run is
	// declared stalled.
	MaxNudges int
	// EnableTools controls whether tool specs are attached to the prompt.
	// Tools stay registered and callable regardless.
	EnableTools bool
	// FinishTool is the tool name that terminates the run as completed.
	FinishTool string
}

func (c *EngineConfig) applyDefaults() {
	if c.AgentID == "" {
		c.AgentID = "agent"
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 50
	}
	if c.MaxNudges <= 0 {
		c.MaxNudges = 3
	}
	if c.FinishTool == "" {
		c.FinishTool = tools.ToolFinish
	}
}

// Engine drives one task to a terminal state: context prep, model query,
// sequential tool dispatch, dialog update, termination check. It owns its
// dialog and trajectory exclusively; registry and session may be shared with
// other engines.
type Engine struct {
	cfg      EngineConfig
	llm      LLMClient
	registry *tools.Registry
	window   *contextwin.Manager
	session  sandbox.Session
	writer   trajectory.Writer
	recorder *metrics.Recorder
	logger   *logx.Logger
}

// NewEngine wires an engine. The writer is injected per agent; there is no
// process-level trajectory destination. session may be nil for tool sets
// that do not touch a sandbox; recorder may be nil to disable metrics.
func NewEngine(cfg EngineConfig, llm LLMClient, registry *tools.Registry, window *contextwin.Manager,
	session sandbox.Session, writer trajectory.Writer, recorder *metrics.Recorder) (*Engine, error) {
	if llm == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if window == nil {
		return nil, fmt.Errorf("context window manager is required")
	}
	if writer == nil {
		writer = trajectory.DiscardWriter{}
	}
	cfg.applyDefaults()
	return &Engine{
		cfg:      cfg,
		llm:      llm,
		registry: registry,
		window:   window,
		session:  session,
		writer:   writer,
		recorder: recorder,
		logger:   logx.NewLogger(cfg.AgentID),
	}, nil
}

// Run executes the task until a terminal state and returns the trajectory.
// The returned error is non-nil only for failed/cancelled terminal states;
// the trajectory is always valid and persisted either way.
func (e *Engine) Run(ctx context.Context, task Task) (*trajectory.Trajectory, error) {
	traj := trajectory.New(task.ID)

	// Scoped session acquisition: opened before first use, closed on every
	// exit path.
	if e.session != nil && e.session.State() == sandbox.StateClosed {
		if err := e.session.Open(ctx); err != nil {
			e.terminate(traj, trajectory.StatusFailed, fmt.Sprintf("session open failed: %v", err))
			return traj, fmt.Errorf("failed to open session: %w", err)
		}
		defer func() {
			if err := e.session.Close(context.Background()); err != nil {
				e.logger.Warn("session close failed: %v", err)
			}
		}()
	}

	dlg := dialog.New(e.registry.Specs())
	if task.SystemPrompt != "" {
		dlg.Append(dialog.NewSystemMessage(task.SystemPrompt))
	}
	dlg.Append(dialog.NewUserMessage(task.Prompt, 0))

	nudges := 0
	for turn := 1; turn <= e.cfg.MaxTurns; turn++ {
		if ctx.Err() != nil {
			e.terminate(traj, trajectory.StatusCancelled, ReasonCancelled)
			return traj, ctx.Err()
		}

		assistant, err := e.queryModel(ctx, dlg, turn)
		if err != nil {
			if ctx.Err() != nil {
				e.terminate(traj, trajectory.StatusCancelled, ReasonCancelled)
				return traj, ctx.Err()
			}
			var reason string
			switch {
			case errors.Is(err, contextwin.ErrContextOverflow):
				reason = ReasonContextOverflow
			case errors.Is(err, contextwin.ErrSummaryUnsupported):
				reason = ReasonContextOverflow
			default:
				reason = ReasonLLMUnavailable
			}
			e.terminate(traj, trajectory.StatusFailed, reason)
			return traj, err
		}
		dlg.Append(assistant)

		step := trajectory.StepRecord{
			Turn:      turn,
			Assistant: assistant,
			Timestamp: time.Now().UTC(),
		}

		finished := false
		if len(assistant.ToolCalls) == 0 {
			nudges++
			if nudges > e.cfg.MaxNudges {
				_ = traj.AppendStep(step)
				e.terminate(traj, trajectory.StatusFailed, ReasonStalled)
				return traj, fmt.Errorf("no tool calls after %d nudges", e.cfg.MaxNudges)
			}
			e.logger.Debug("turn %d produced no tool calls, nudging (%d/%d)", turn, nudges, e.cfg.MaxNudges)
			dlg.Append(dialog.NewUserMessage(nudgeMessage, turn))
		} else {
			nudges = 0
			step.Outcomes, finished = e.dispatchCalls(ctx, dlg, assistant.ToolCalls, turn)
		}

		if err := traj.AppendStep(step); err != nil {
			return traj, err
		}
		if e.recorder != nil {
			e.recorder.ObserveTurn(e.cfg.AgentID)
		}
		e.persist(traj)

		if finished {
			e.terminate(traj, trajectory.StatusCompleted, "")
			return traj, nil
		}
	}

	e.terminate(traj, trajectory.StatusFailed, ReasonMaxTurns)
	return traj, fmt.Errorf("task %s did not finish within %d turns", task.ID, e.cfg.MaxTurns)
}

// queryModel prepares the context view and performs one model query.
func (e *Engine) queryModel(ctx context.Context, dlg *dialog.Dialog, turn int) (dialog.Message, error) {
	view, err := e.window.PrepareForQuery(dlg)
	if err != nil {
		return dialog.Message{}, err
	}
	if view != dlg && e.recorder != nil {
		e.recorder.ObserveTruncation(string(e.window.Strategy()))
	}

	var specs []tools.ToolSpec
	if e.cfg.EnableTools {
		specs = e.registry.Specs()
	}

	start := time.Now()
	assistant, err := e.llm.Query(ctx, view.Messages(), specs)
	if e.recorder != nil {
		errType := ""
		if err != nil {
			errType = llmerrors.Classify(err).String()
		}
		e.recorder.ObserveLLMRequest(e.llm.ModelName(), err, errType, time.Since(start))
	}
	if err != nil {
		return dialog.Message{}, err
	}
	assistant.Turn = turn
	return assistant, nil
}

// dispatchCalls executes the turn's tool calls sequentially in emission
// order; session side effects do not commute. Each call gets exactly one
// result message. A finish call completes the run immediately and later
// calls in the batch are not executed.
func (e *Engine) dispatchCalls(ctx context.Context, dlg *dialog.Dialog, calls []dialog.ToolCall, turn int) ([]trajectory.ToolOutcome, bool) {
	outcomes := make([]trajectory.ToolOutcome, 0, len(calls))
	for _, call := range calls {
		result := e.registry.Dispatch(ctx, tools.Call{ID: call.ID, Name: call.Name, Args: call.Args})
		if e.recorder != nil {
			e.recorder.ObserveToolCall(call.Name, result.Success, result.ErrorCode)
		}

		observation := result.Observation
		if !result.Success {
			observation = fmt.Sprintf("ERROR [%s]: %s", result.ErrorCode, result.Observation)
			e.logger.Warn("tool %s failed: %s", call.Name, result.Observation)
		}
		dlg.Append(dialog.NewToolMessage(call.ID, call.Name, observation, turn))

		outcomes = append(outcomes, trajectory.ToolOutcome{
			CallID:      call.ID,
			Name:        call.Name,
			Observation: result.Observation,
			Success:     result.Success,
			ErrorCode:   result.ErrorCode,
		})

		if call.Name == e.cfg.FinishTool && result.Success {
			e.logger.Info("finish called on turn %d", turn)
			return outcomes, true
		}
	}
	return outcomes, false
}

// terminate transitions and persists; the trajectory status is set at most
// once even when multiple exit paths race through here.
func (e *Engine) terminate(traj *trajectory.Trajectory, status trajectory.Status, reason string) {
	if err := traj.Transition(status, reason); err != nil {
		e.logger.Debug("terminate skipped: %v", err)
		return
	}
	if reason != "" {
		e.logger.Info("task %s terminal: %s (%s)", traj.TaskID, status, reason)
	} else {
		e.logger.Info("task %s terminal: %s", traj.TaskID, status)
	}
	e.persist(traj)
}

func (e *Engine) persist(traj *trajectory.Trajectory) {
	if err := e.writer.Write(traj); err != nil {
		e.logger.Error("failed to persist trajectory %s: %v", traj.TaskID, err)
	}
}
