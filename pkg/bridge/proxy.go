package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentrun/pkg/tools"
)

// defaultCallTimeout bounds a remote tool call when the server config does
// not set one.
const defaultCallTimeout = 2 * time.Minute

// proxyTool forwards one remote tool through a live transport. It is
// registered locally as {server}_{tool}; the remote side only ever sees its
// own short name.
type proxyTool struct {
	server     string
	remoteName string
	spec       tools.ToolSpec
	transport  Transport
	timeout    time.Duration
}

func newProxyTool(server string, def remoteToolDef, transport Transport, timeout time.Duration) (*proxyTool, error) {
	var schema tools.InputSchema
	if len(def.InputSchema) > 0 {
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s has an unparseable schema: %w", def.Name, err)
		}
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &proxyTool{
		server:     server,
		remoteName: def.Name,
		spec: tools.ToolSpec{
			Name:        server + "_" + def.Name,
			Description: def.Description,
			InputSchema: schema,
		},
		transport: transport,
		timeout:   timeout,
	}, nil
}

// Spec returns the model-facing description of the remote tool.
func (p *proxyTool) Spec() tools.ToolSpec {
	return p.spec
}

// Exec forwards the call. Remote failures of every kind -- transport errors,
// RPC errors, isError results -- come back as failed Results so nothing
// propagates past the registry boundary.
func (p *proxyTool) Exec(ctx context.Context, args map[string]any) (tools.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.transport.Call(ctx, "tools/call", callParams{Name: p.remoteName, Arguments: args})
	if err != nil {
		return tools.Failf(tools.ErrCodeRemoteError, "remote tool %s failed: %v", p.spec.Name, err), nil
	}

	var result callResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return tools.Failf(tools.ErrCodeRemoteError, "remote tool %s returned an unparseable result: %v", p.spec.Name, err), nil
	}

	text := result.text()
	if result.IsError {
		if text == "" {
			text = "remote tool reported an error"
		}
		return tools.Fail(tools.ErrCodeRemoteError, text), nil
	}
	if text == "" {
		text = "(no output)"
	}

	res := tools.Ok(text)
	res.Info = map[string]any{"server": p.server, "remote_tool": p.remoteName}
	return res, nil
}
