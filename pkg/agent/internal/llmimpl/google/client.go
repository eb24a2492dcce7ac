// Package google adapts the Gemini API to the runtime's LLM client
// interface.
package google

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"agentrun/pkg/agent/llmerrors"
	"agentrun/pkg/dialog"
	"agentrun/pkg/tools"
)

const defaultMaxTokens = 8192

// Client wraps the Google GenAI client. The underlying client needs a
// context to construct, so it is created lazily on the first query.
type Client struct {
	client *genai.Client
	apiKey string
	model  string
}

// New creates a client for the given model.
func New(apiKey, model string) *Client {
	return &Client{apiKey: apiKey, model: model}
}

// ModelName reports the configured model identifier.
func (c *Client) ModelName() string {
	return c.model
}

// Query sends the dialog and tool specs to the API and converts the reply.
func (c *Client) Query(ctx context.Context, msgs []dialog.Message, specs []tools.ToolSpec) (dialog.Message, error) {
	if c.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  c.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return dialog.Message{}, llmerrors.New("google", llmerrors.ErrorTypeTransient, "client init failed", err)
		}
		c.client = client
	}

	contents, system, err := toWireContents(msgs)
	if err != nil {
		return dialog.Message{}, llmerrors.New("google", llmerrors.ErrorTypeBadPrompt, "message conversion failed", err)
	}

	config := &genai.GenerateContentConfig{MaxOutputTokens: defaultMaxTokens}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(specs) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: toWireTools(specs)}}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return dialog.Message{}, llmerrors.New("google", llmerrors.Classify(err), "generate request failed", err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return dialog.Message{}, llmerrors.New("google", llmerrors.ErrorTypeEmptyResponse, "empty response", nil)
	}

	var calls []dialog.ToolCall
	for i, fc := range result.FunctionCalls() {
		id := fc.ID
		if id == "" {
			// Gemini omits call ids; synthesize stable ones.
			id = fmt.Sprintf("%s_call_%d", fc.Name, i)
		}
		calls = append(calls, dialog.ToolCall{ID: id, Name: fc.Name, Args: fc.Args})
	}

	text := result.Text()
	if text == "" && len(calls) == 0 {
		return dialog.Message{}, llmerrors.New("google", llmerrors.ErrorTypeEmptyResponse, "response had no text and no tool calls", nil)
	}
	return dialog.NewAssistantMessage(text, calls, 0), nil
}

// toWireContents converts the dialog to Gemini content: system messages
// become the system instruction, the assistant role maps to "model", and
// tool results become user-role function responses keyed by tool name.
func toWireContents(msgs []dialog.Message) ([]*genai.Content, string, error) {
	if len(msgs) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var contents []*genai.Content

	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case dialog.RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case dialog.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})

		case dialog.RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: call.Args},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}

		case dialog.RoleTool:
			if msg.ToolName == "" {
				return nil, "", fmt.Errorf("tool result at index %d has no tool name", i)
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     msg.ToolName,
						Response: map[string]any{"content": msg.Content},
					},
				}},
			})

		default:
			return nil, "", fmt.Errorf("unsupported role %q at index %d", msg.Role, i)
		}
	}

	return contents, strings.Join(systemParts, "\n\n"), nil
}

func toWireTools(specs []tools.ToolSpec) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, len(specs))
	for i := range specs {
		spec := &specs[i]
		properties := make(map[string]*genai.Schema, len(spec.InputSchema.Properties))
		for name := range spec.InputSchema.Properties {
			prop := spec.InputSchema.Properties[name]
			properties[name] = toWireSchema(&prop)
		}
		out[i] = &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   spec.InputSchema.Required,
			},
		}
	}
	return out
}

func toWireSchema(prop *tools.Property) *genai.Schema {
	schema := &genai.Schema{Description: prop.Description}

	switch prop.Type {
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = toWireSchema(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if len(prop.Properties) > 0 {
			properties := make(map[string]*genai.Schema, len(prop.Properties))
			for name := range prop.Properties {
				child := prop.Properties[name]
				properties[name] = toWireSchema(&child)
			}
			schema.Properties = properties
		}
	default:
		schema.Type = genai.TypeString
	}

	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}
	return schema
}
