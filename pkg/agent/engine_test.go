package agent

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/pkg/agent/llmerrors"
	"agentrun/pkg/contextwin"
	"agentrun/pkg/dialog"
	"agentrun/pkg/tools"
	"agentrun/pkg/trajectory"
)

// scriptedLLM replays canned assistant replies. When the script runs out the
// last reply repeats, which keeps never-finishing scenarios easy to express.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []scriptedReply
	calls   int
	seen    [][]dialog.Message
}

type scriptedReply struct {
	msg dialog.Message
	err error
}

func (s *scriptedLLM) Query(_ context.Context, msgs []dialog.Message, _ []tools.ToolSpec) (dialog.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]dialog.Message, len(msgs))
	copy(snapshot, msgs)
	s.seen = append(s.seen, snapshot)

	idx := s.calls
	s.calls++
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	r := s.replies[idx]
	return r.msg, r.err
}

func (s *scriptedLLM) ModelName() string { return "scripted" }

func (s *scriptedLLM) queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func assistantCalling(calls ...dialog.ToolCall) scriptedReply {
	return scriptedReply{msg: dialog.NewAssistantMessage("working on it", calls, 0)}
}

func assistantSaying(text string) scriptedReply {
	return scriptedReply{msg: dialog.NewAssistantMessage(text, nil, 0)}
}

func finishCall(id string) dialog.ToolCall {
	return dialog.ToolCall{ID: id, Name: tools.ToolFinish, Args: map[string]any{"summary": "done"}}
}

// countingTool walks a scripted result list and records how often it ran.
type countingTool struct {
	mu      sync.Mutex
	name    string
	calls   int
	results []tools.Result
}

func (t *countingTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.name,
		Description: "test tool",
		InputSchema: tools.InputSchema{Type: "object"},
	}
}

func (t *countingTool) Exec(_ context.Context, _ map[string]any) (tools.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.calls
	t.calls++
	if len(t.results) == 0 {
		return tools.Ok("ok"), nil
	}
	if idx >= len(t.results) {
		idx = len(t.results) - 1
	}
	return t.results[idx], nil
}

func (t *countingTool) execCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// memWriter keeps the latest persisted snapshot in memory.
type memWriter struct {
	mu     sync.Mutex
	writes int
	last   *trajectory.Trajectory
}

func (w *memWriter) Write(t *trajectory.Trajectory) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	w.last = t
	return nil
}

func newTestEngine(t *testing.T, cfg EngineConfig, llm LLMClient, extra ...tools.Tool) (*Engine, *memWriter, *countingTool) {
	t.Helper()

	work := &countingTool{name: "work"}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(work))
	require.NoError(t, registry.Register(tools.NewFinishTool()))
	for _, tool := range extra {
		require.NoError(t, registry.Register(tool))
	}

	window, err := contextwin.NewManager(contextwin.Config{
		MaxTokens:  100000,
		Strategy:   contextwin.StrategyLatestHalf,
		KeepSystem: true,
	})
	require.NoError(t, err)

	cfg.EnableTools = true
	writer := &memWriter{}
	engine, err := NewEngine(cfg, llm, registry, window, nil, writer, nil)
	require.NoError(t, err)
	return engine, writer, work
}

func TestNewEngineValidation(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{assistantSaying("hi")}}
	registry := tools.NewRegistry()
	window, err := contextwin.NewManager(contextwin.Config{MaxTokens: 1000})
	require.NoError(t, err)

	_, err = NewEngine(EngineConfig{}, nil, registry, window, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewEngine(EngineConfig{}, llm, nil, window, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewEngine(EngineConfig{}, llm, registry, nil, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewEngine(EngineConfig{}, llm, registry, window, nil, nil, nil)
	assert.NoError(t, err)
}

func TestEngineRunCompletesOnFinish(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{
		assistantCalling(dialog.ToolCall{ID: "call-1", Name: "work", Args: map[string]any{}}),
		assistantCalling(finishCall("call-2")),
	}}
	engine, writer, work := newTestEngine(t, EngineConfig{MaxTurns: 10}, llm)

	traj, err := engine.Run(context.Background(), Task{ID: "t1", SystemPrompt: "be useful", Prompt: "do the thing"})
	require.NoError(t, err)

	assert.Equal(t, trajectory.StatusCompleted, traj.Status)
	assert.Empty(t, traj.Reason)
	require.Len(t, traj.Steps, 2)
	assert.Equal(t, 1, traj.Steps[0].Turn)
	assert.Equal(t, 2, traj.Steps[1].Turn)
	assert.Equal(t, 1, work.execCount())
	require.NotNil(t, traj.EndedAt)

	// Each tool call produced exactly one outcome.
	require.Len(t, traj.Steps[0].Outcomes, 1)
	assert.Equal(t, "call-1", traj.Steps[0].Outcomes[0].CallID)
	require.Len(t, traj.Steps[1].Outcomes, 1)
	assert.Equal(t, tools.ToolFinish, traj.Steps[1].Outcomes[0].Name)

	// Persisted after each step plus the terminal transition.
	assert.GreaterOrEqual(t, writer.writes, 3)
	assert.Equal(t, trajectory.StatusCompleted, writer.last.Status)
}

func TestEngineMaxTurnsExceeded(t *testing.T) {
	// The model keeps calling a tool and never finishes.
	llm := &scriptedLLM{replies: []scriptedReply{
		assistantCalling(dialog.ToolCall{ID: "call-1", Name: "work", Args: map[string]any{}}),
	}}
	engine, _, _ := newTestEngine(t, EngineConfig{MaxTurns: 3}, llm)

	traj, err := engine.Run(context.Background(), Task{ID: "t2", Prompt: "loop forever"})
	require.Error(t, err)

	assert.Equal(t, trajectory.StatusFailed, traj.Status)
	assert.Equal(t, ReasonMaxTurns, traj.Reason)
	assert.Len(t, traj.Steps, 3)
	assert.Equal(t, 3, llm.queries())
}

func TestEngineStallsAfterRepeatedNoToolCalls(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{assistantSaying("I think the answer is 42.")}}
	engine, _, _ := newTestEngine(t, EngineConfig{MaxTurns: 10, MaxNudges: 2}, llm)

	traj, err := engine.Run(context.Background(), Task{ID: "t3", Prompt: "please act"})
	require.Error(t, err)

	assert.Equal(t, trajectory.StatusFailed, traj.Status)
	assert.Equal(t, ReasonStalled, traj.Reason)
	// Two nudged turns plus the one that exceeded the limit.
	assert.Len(t, traj.Steps, 3)

	// The nudge was actually fed back to the model.
	require.GreaterOrEqual(t, len(llm.seen), 2)
	second := llm.seen[1]
	last := second[len(second)-1]
	assert.Equal(t, dialog.RoleUser, last.Role)
	assert.Contains(t, last.Content, "without calling any tool")
}

func TestEngineRecoversAfterNudge(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{
		assistantSaying("let me think out loud first"),
		assistantCalling(finishCall("call-1")),
	}}
	engine, _, _ := newTestEngine(t, EngineConfig{MaxTurns: 10, MaxNudges: 1}, llm)

	traj, err := engine.Run(context.Background(), Task{ID: "t4", Prompt: "do it"})
	require.NoError(t, err)
	assert.Equal(t, trajectory.StatusCompleted, traj.Status)
	assert.Len(t, traj.Steps, 2)
}

func TestEngineContinuesAfterToolFailure(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{
		assistantCalling(dialog.ToolCall{ID: "call-1", Name: "work", Args: map[string]any{}}),
		assistantCalling(finishCall("call-2")),
	}}
	engine, _, work := newTestEngine(t, EngineConfig{MaxTurns: 10}, llm)
	work.results = []tools.Result{tools.Fail(tools.ErrCodeExecutionError, "disk on fire")}

	traj, err := engine.Run(context.Background(), Task{ID: "t5", Prompt: "try"})
	require.NoError(t, err)

	assert.Equal(t, trajectory.StatusCompleted, traj.Status)
	require.Len(t, traj.Steps, 2)
	outcome := traj.Steps[0].Outcomes[0]
	assert.False(t, outcome.Success)
	assert.Equal(t, tools.ErrCodeExecutionError, outcome.ErrorCode)

	// The failure was rendered into the next prompt as data, not raised.
	require.GreaterOrEqual(t, len(llm.seen), 2)
	var sawError bool
	for _, msg := range llm.seen[1] {
		if msg.Role == dialog.RoleTool && strings.Contains(msg.Content, "ERROR [execution_error]") {
			sawError = true
		}
	}
	assert.True(t, sawError, "tool failure should reach the model as an error observation")
}

func TestEngineFinishShortCircuitsBatch(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{
		assistantCalling(
			finishCall("call-1"),
			dialog.ToolCall{ID: "call-2", Name: "work", Args: map[string]any{}},
		),
	}}
	engine, _, work := newTestEngine(t, EngineConfig{MaxTurns: 10}, llm)

	traj, err := engine.Run(context.Background(), Task{ID: "t6", Prompt: "wrap up"})
	require.NoError(t, err)

	assert.Equal(t, trajectory.StatusCompleted, traj.Status)
	require.Len(t, traj.Steps, 1)
	// Only the finish call executed; the trailing call was dropped.
	assert.Len(t, traj.Steps[0].Outcomes, 1)
	assert.Equal(t, 0, work.execCount())
}

func TestEngineDoubleFinishCompletesOnce(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{
		assistantCalling(finishCall("call-1"), finishCall("call-2")),
	}}
	engine, _, _ := newTestEngine(t, EngineConfig{MaxTurns: 10}, llm)

	traj, err := engine.Run(context.Background(), Task{ID: "t6b", Prompt: "done twice"})
	require.NoError(t, err)

	assert.Equal(t, trajectory.StatusCompleted, traj.Status)
	require.Len(t, traj.Steps, 1)
	assert.Len(t, traj.Steps[0].Outcomes, 1)
}

func TestEngineCancelledContext(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{assistantSaying("never reached")}}
	engine, _, _ := newTestEngine(t, EngineConfig{MaxTurns: 10}, llm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	traj, err := engine.Run(ctx, Task{ID: "t7", Prompt: "too late"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, trajectory.StatusCancelled, traj.Status)
	assert.Equal(t, ReasonCancelled, traj.Reason)
	assert.Empty(t, traj.Steps)
	assert.Equal(t, 0, llm.queries())
}

func TestEngineLLMUnavailable(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{
		{err: llmerrors.New("scripted", llmerrors.ErrorTypeAuth, "bad key", nil)},
	}}
	engine, writer, _ := newTestEngine(t, EngineConfig{MaxTurns: 10}, llm)

	traj, err := engine.Run(context.Background(), Task{ID: "t8", Prompt: "query"})
	require.Error(t, err)

	assert.Equal(t, trajectory.StatusFailed, traj.Status)
	assert.Equal(t, ReasonLLMUnavailable, traj.Reason)
	assert.Equal(t, trajectory.StatusFailed, writer.last.Status)
}

func TestEngineContextOverflow(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{assistantSaying("never reached")}}

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewFinishTool()))
	window, err := contextwin.NewManager(contextwin.Config{
		MaxTokens: 20,
		Strategy:  contextwin.StrategyNone,
	})
	require.NoError(t, err)
	writer := &memWriter{}
	engine, err := NewEngine(EngineConfig{MaxTurns: 10}, llm, registry, window, nil, writer, nil)
	require.NoError(t, err)

	traj, err := engine.Run(context.Background(), Task{
		ID:     "t9",
		Prompt: strings.Repeat("an enormous prompt that cannot possibly fit ", 50),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, contextwin.ErrContextOverflow)
	assert.Equal(t, trajectory.StatusFailed, traj.Status)
	assert.Equal(t, ReasonContextOverflow, traj.Reason)
	assert.Equal(t, 0, llm.queries())
}
