package agent

// Terminal reason codes recorded on the trajectory. Every terminal state
// carries one; nothing fails silently.
const (
	// ReasonLLMUnavailable means provider retries were exhausted.
	ReasonLLMUnavailable = "llm_unavailable"
	// ReasonStalled means the model produced no tool calls for too many
	// consecutive turns despite nudging.
	ReasonStalled = "stalled"
	// ReasonMaxTurns means the turn budget ran out before finish.
	ReasonMaxTurns = "max_turns_exceeded"
	// ReasonContextOverflow means even minimal context exceeds the window.
	ReasonContextOverflow = "context_overflow"
	// ReasonCancelled means the external cancellation signal fired.
	ReasonCancelled = "cancelled"
)
