// Package anthropic adapts the Anthropic SDK to the runtime's LLM client
// interface.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentrun/pkg/agent/llmerrors"
	"agentrun/pkg/dialog"
	"agentrun/pkg/tools"
)

const defaultMaxTokens = 8192

// Client wraps the Anthropic API client.
type Client struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// New creates a client for the given model.
func New(apiKey, model string) *Client {
	return &Client{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: defaultMaxTokens,
	}
}

// ModelName reports the configured model identifier.
func (c *Client) ModelName() string {
	return string(c.model)
}

// Query sends the dialog and tool specs to the API and converts the reply.
func (c *Client) Query(ctx context.Context, msgs []dialog.Message, specs []tools.ToolSpec) (dialog.Message, error) {
	system, wire, err := toWireMessages(msgs)
	if err != nil {
		return dialog.Message{}, llmerrors.New("anthropic", llmerrors.ErrorTypeBadPrompt, "message conversion failed", err)
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		Messages:  wire,
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}
	if len(specs) > 0 {
		params.Tools = toWireTools(specs)
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{},
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return dialog.Message{}, llmerrors.New("anthropic", llmerrors.Classify(err), "message request failed", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return dialog.Message{}, llmerrors.New("anthropic", llmerrors.ErrorTypeEmptyResponse, "empty response", nil)
	}

	var text strings.Builder
	var calls []dialog.ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(toolUse.Input, &args); err != nil {
				return dialog.Message{}, llmerrors.New("anthropic", llmerrors.ErrorTypeBadPrompt,
					fmt.Sprintf("unparseable input for tool %s", toolUse.Name), err)
			}
			calls = append(calls, dialog.ToolCall{ID: toolUse.ID, Name: toolUse.Name, Args: args})
		}
	}

	return dialog.NewAssistantMessage(text.String(), calls, 0), nil
}

// toWireMessages converts the dialog to the Anthropic wire format: system
// messages go to the top-level system parameter, consecutive non-assistant
// messages (user, tool results) merge into one user message so strict
// user/assistant alternation holds.
func toWireMessages(msgs []dialog.Message) (string, []anthropic.MessageParam, error) {
	if len(msgs) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var wire []anthropic.MessageParam
	var userParts []string

	flushUser := func() {
		if len(userParts) == 0 {
			return
		}
		wire = append(wire, anthropic.NewUserMessage(anthropic.NewTextBlock(strings.Join(userParts, "\n\n"))))
		userParts = nil
	}

	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case dialog.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case dialog.RoleAssistant:
			flushUser()
			wire = append(wire, anthropic.NewAssistantMessage(anthropic.NewTextBlock(assistantWireText(msg))))
		case dialog.RoleUser:
			userParts = append(userParts, msg.Content)
		case dialog.RoleTool:
			userParts = append(userParts, fmt.Sprintf("[tool %s result]\n%s", msg.ToolName, msg.Content))
		default:
			return "", nil, fmt.Errorf("unsupported role %q at index %d", msg.Role, i)
		}
	}
	flushUser()

	if len(wire) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	if wire[0].Role != anthropic.MessageParamRoleUser {
		return "", nil, fmt.Errorf("first message must be user role")
	}
	if wire[len(wire)-1].Role != anthropic.MessageParamRoleUser {
		return "", nil, fmt.Errorf("last message must be user role")
	}

	return strings.Join(systemParts, "\n\n"), wire, nil
}

// assistantWireText renders an assistant message, folding tool calls into
// the text since the dialog replays them as plain history.
func assistantWireText(msg *dialog.Message) string {
	if len(msg.ToolCalls) == 0 {
		return msg.Content
	}
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, call := range msg.ToolCalls {
		args, _ := json.Marshal(call.Args)
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[called tool %s with %s]", call.Name, string(args))
	}
	return b.String()
}

// toWireTools converts tool specs to the Anthropic tools parameter.
func toWireTools(specs []tools.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for i := range specs {
		spec := &specs[i]
		schema := anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: toWireProperties(spec.InputSchema.Properties),
			Required:   spec.InputSchema.Required,
		}
		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if tool.OfTool != nil && spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		out = append(out, tool)
	}
	return out
}

func toWireProperties(props map[string]tools.Property) any {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]any, len(props))
	for name := range props {
		prop := props[name]
		entry := map[string]any{"type": prop.Type}
		if prop.Description != "" {
			entry["description"] = prop.Description
		}
		if len(prop.Enum) > 0 {
			entry["enum"] = prop.Enum
		}
		if prop.Items != nil {
			entry["items"] = map[string]any{"type": prop.Items.Type}
		}
		if len(prop.Properties) > 0 {
			entry["properties"] = toWireProperties(prop.Properties)
		}
		out[name] = entry
	}
	return out
}
