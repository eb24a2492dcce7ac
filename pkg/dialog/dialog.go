// Package dialog holds the conversation state an agent accumulates across
// turns: an append-only message list plus the tool specs advertised to the
// model.
package dialog

import (
	"fmt"
	"time"

	"agentrun/pkg/tools"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries a tool result back to the model.
	RoleTool Role = "tool"
)

// ToolCall is a tool invocation embedded in an assistant message.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Message is one entry in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant messages that request tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is the name of the tool a tool-role message answers for.
	ToolName string `json:"tool_name,omitempty"`
	// Turn is the turn index during which the message was appended.
	// Eviction works on whole turns so call/result pairs never split.
	Turn int `json:"turn"`
	// Timestamp records when the message was appended.
	Timestamp time.Time `json:"timestamp"`
}

// NewSystemMessage builds a system message for turn 0.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now().UTC()}
}

// NewUserMessage builds a user message.
func NewUserMessage(content string, turn int) Message {
	return Message{Role: RoleUser, Content: content, Turn: turn, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage builds an assistant message, optionally with tool calls.
func NewAssistantMessage(content string, calls []ToolCall, turn int) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls, Turn: turn, Timestamp: time.Now().UTC()}
}

// NewToolMessage builds a tool-result message answering callID.
func NewToolMessage(callID, toolName, content string, turn int) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		ToolName:   toolName,
		Turn:       turn,
		Timestamp:  time.Now().UTC(),
	}
}

// Dialog is the conversation an agent feeds to the model. Messages are
// append-only; truncation produces a trimmed view for querying but never
// rewrites history already recorded.
type Dialog struct {
	messages []Message
	specs    []tools.ToolSpec
}

// New creates an empty dialog advertising the given tool specs.
func New(specs []tools.ToolSpec) *Dialog {
	return &Dialog{specs: specs}
}

// Append adds a message.
func (d *Dialog) Append(msg Message) {
	d.messages = append(d.messages, msg)
}

// Messages returns the messages in order. The returned slice is shared;
// callers must not mutate it.
func (d *Dialog) Messages() []Message {
	return d.messages
}

// Len returns the number of messages.
func (d *Dialog) Len() int {
	return len(d.messages)
}

// Specs returns the tool specs advertised to the model.
func (d *Dialog) Specs() []tools.ToolSpec {
	return d.specs
}

// SetSpecs replaces the advertised tool specs, used when the registry is
// reloaded between turns.
func (d *Dialog) SetSpecs(specs []tools.ToolSpec) {
	d.specs = specs
}

// Clone returns a deep-enough copy: the message slice is copied so the
// clone can be truncated independently, while message contents are shared.
func (d *Dialog) Clone() *Dialog {
	msgs := make([]Message, len(d.messages))
	copy(msgs, d.messages)
	return &Dialog{messages: msgs, specs: d.specs}
}

// Replace swaps the message list wholesale. Only the context-window manager
// uses this, to install a truncated view.
func (d *Dialog) Replace(msgs []Message) {
	d.messages = msgs
}

// Validate checks structural integrity: every tool call in an assistant
// message must be answered by exactly one tool-role message before the next
// assistant message appears.
func (d *Dialog) Validate() error {
	pending := map[string]string{}
	for i, msg := range d.messages {
		switch msg.Role {
		case RoleAssistant:
			if len(pending) > 0 {
				return fmt.Errorf("message %d: assistant message while %d tool calls are unanswered", i, len(pending))
			}
			for _, call := range msg.ToolCalls {
				pending[call.ID] = call.Name
			}
		case RoleTool:
			if _, ok := pending[msg.ToolCallID]; !ok {
				return fmt.Errorf("message %d: tool result %q answers no pending call", i, msg.ToolCallID)
			}
			delete(pending, msg.ToolCallID)
		case RoleSystem, RoleUser:
			// No pairing constraints.
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("dialog ends with %d unanswered tool calls", len(pending))
	}
	return nil
}
