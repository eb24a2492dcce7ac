// Package openai adapts the official OpenAI SDK to the runtime's LLM client
// interface via the Responses API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"agentrun/pkg/agent/llmerrors"
	"agentrun/pkg/dialog"
	"agentrun/pkg/tools"
)

const defaultMaxOutputTokens = 8192

// Client wraps the OpenAI API client.
type Client struct {
	client openai.Client
	model  string
}

// New creates a client for the given model.
func New(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// ModelName reports the configured model identifier.
func (c *Client) ModelName() string {
	return c.model
}

// Query sends the dialog and tool specs to the API and converts the reply.
func (c *Client) Query(ctx context.Context, msgs []dialog.Message, specs []tools.ToolSpec) (dialog.Message, error) {
	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(defaultMaxOutputTokens),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(flattenDialog(msgs))},
	}
	if len(specs) > 0 {
		params.Tools = toWireTools(specs)
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return dialog.Message{}, llmerrors.New("openai", llmerrors.Classify(err), "responses request failed", err)
	}
	if resp == nil {
		return dialog.Message{}, llmerrors.New("openai", llmerrors.ErrorTypeEmptyResponse, "empty response", nil)
	}

	var calls []dialog.ToolCall
	for i := range resp.Output {
		item := &resp.Output[i]
		if item.Type != "function_call" {
			continue
		}
		fc := item.AsFunctionCall()
		var args map[string]any
		if fc.Arguments != "" {
			if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
				return dialog.Message{}, llmerrors.New("openai", llmerrors.ErrorTypeBadPrompt,
					fmt.Sprintf("unparseable arguments for tool %s", fc.Name), err)
			}
		}
		calls = append(calls, dialog.ToolCall{ID: fc.CallID, Name: fc.Name, Args: args})
	}

	content := resp.OutputText()
	if content == "" && len(calls) == 0 {
		return dialog.Message{}, llmerrors.New("openai", llmerrors.ErrorTypeEmptyResponse, "response had no text and no tool calls", nil)
	}

	return dialog.NewAssistantMessage(content, calls, 0), nil
}

// flattenDialog renders the conversation as one input string for the
// Responses API.
func flattenDialog(msgs []dialog.Message) string {
	var b strings.Builder
	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case dialog.RoleSystem:
			fmt.Fprintf(&b, "System: %s\n\n", msg.Content)
		case dialog.RoleUser:
			fmt.Fprintf(&b, "User: %s\n\n", msg.Content)
		case dialog.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n", msg.Content)
			for _, call := range msg.ToolCalls {
				args, _ := json.Marshal(call.Args)
				fmt.Fprintf(&b, "[called tool %s with %s]\n", call.Name, string(args))
			}
			b.WriteString("\n")
		case dialog.RoleTool:
			fmt.Fprintf(&b, "Tool %s result: %s\n\n", msg.ToolName, msg.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// toWireTools converts tool specs to the Responses API function format.
func toWireTools(specs []tools.ToolSpec) []responses.ToolUnionParam {
	out := make([]responses.ToolUnionParam, 0, len(specs))
	for i := range specs {
		spec := &specs[i]
		properties := make(map[string]any, len(spec.InputSchema.Properties))
		for name := range spec.InputSchema.Properties {
			prop := spec.InputSchema.Properties[name]
			properties[name] = propertySchema(&prop)
		}
		out = append(out, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters: openai.FunctionParameters(map[string]any{
					"type":       "object",
					"properties": properties,
					"required":   spec.InputSchema.Required,
				}),
			},
		})
	}
	return out
}

func propertySchema(prop *tools.Property) map[string]any {
	schema := map[string]any{
		"type":        prop.Type,
		"description": prop.Description,
	}
	if len(prop.Enum) > 0 {
		schema["enum"] = prop.Enum
	}
	if prop.Type == "array" && prop.Items != nil {
		schema["items"] = propertySchema(prop.Items)
	}
	if prop.Type == "object" && len(prop.Properties) > 0 {
		children := make(map[string]any, len(prop.Properties))
		for name := range prop.Properties {
			child := prop.Properties[name]
			children[name] = propertySchema(&child)
		}
		schema["properties"] = children
	}
	return schema
}
