// Package ollama adapts a local Ollama server to the runtime's LLM client
// interface.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"agentrun/pkg/agent/llmerrors"
	"agentrun/pkg/dialog"
	"agentrun/pkg/tools"
)

const defaultHost = "http://localhost:11434"

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
	model  string
}

// New creates a client for the given server and model. An empty or invalid
// hostURL falls back to the local default.
func New(hostURL, model string) *Client {
	parsed, err := url.Parse(hostURL)
	if hostURL == "" || err != nil {
		parsed, _ = url.Parse(defaultHost)
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

// ModelName reports the configured model identifier.
func (c *Client) ModelName() string {
	return c.model
}

// Query sends the dialog and tool specs to the server and converts the reply.
func (c *Client) Query(ctx context.Context, msgs []dialog.Message, specs []tools.ToolSpec) (dialog.Message, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: toWireMessages(msgs),
		Stream:   &stream,
	}
	if len(specs) > 0 {
		req.Tools = toWireTools(specs)
	}

	var resp api.ChatResponse
	err := c.client.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return dialog.Message{}, llmerrors.New("ollama", llmerrors.Classify(err), "chat request failed", err)
	}

	var calls []dialog.ToolCall
	for i := range resp.Message.ToolCalls {
		tc := &resp.Message.ToolCalls[i]
		id := tc.ID
		if id == "" {
			// Local models rarely emit ids; synthesize stable ones.
			id = fmt.Sprintf("%s_call_%d", tc.Function.Name, i)
		}
		calls = append(calls, dialog.ToolCall{
			ID:   id,
			Name: tc.Function.Name,
			Args: tc.Function.Arguments.ToMap(),
		})
	}
	if resp.Message.Content == "" && len(calls) == 0 {
		return dialog.Message{}, llmerrors.New("ollama", llmerrors.ErrorTypeEmptyResponse, "empty response", nil)
	}
	return dialog.NewAssistantMessage(resp.Message.Content, calls, 0), nil
}

// toWireMessages maps dialog roles straight through: Ollama speaks the
// system/user/assistant/tool role set natively.
func toWireMessages(msgs []dialog.Message) []api.Message {
	wire := make([]api.Message, 0, len(msgs))
	for i := range msgs {
		msg := &msgs[i]
		m := api.Message{Role: string(msg.Role), Content: msg.Content}
		if msg.Role == dialog.RoleTool {
			m.ToolCallID = msg.ToolCallID
		}
		for _, call := range msg.ToolCalls {
			args := api.NewToolCallFunctionArguments()
			for k, v := range call.Args {
				args.Set(k, v)
			}
			m.ToolCalls = append(m.ToolCalls, api.ToolCall{
				ID: call.ID,
				Function: api.ToolCallFunction{
					Name:      call.Name,
					Arguments: args,
				},
			})
		}
		wire = append(wire, m)
	}
	return wire
}

func toWireTools(specs []tools.ToolSpec) api.Tools {
	out := make(api.Tools, len(specs))
	for i := range specs {
		spec := &specs[i]
		properties := api.NewToolPropertiesMap()
		for name := range spec.InputSchema.Properties {
			prop := spec.InputSchema.Properties[name]
			properties.Set(name, toWireProperty(&prop))
		}
		out[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       spec.InputSchema.Type,
					Properties: properties,
					Required:   spec.InputSchema.Required,
				},
			},
		}
	}
	return out
}

func toWireProperty(prop *tools.Property) api.ToolProperty {
	out := api.ToolProperty{
		Type:        api.PropertyType{prop.Type},
		Description: prop.Description,
	}
	if len(prop.Enum) > 0 {
		enum := make([]any, len(prop.Enum))
		for i, v := range prop.Enum {
			enum[i] = v
		}
		out.Enum = enum
	}
	if prop.Items != nil {
		out.Items = toWireProperty(prop.Items)
	}
	return out
}
