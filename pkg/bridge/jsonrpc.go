// Package bridge connects remote tool servers to the local registry. Each
// server speaks JSON-RPC 2.0 over one of three transports (child-process
// pipe, HTTP, or event stream); its tools are wrapped as registry entries
// named {server}_{tool} and calls are forwarded over the live connection.
package bridge

import (
	"encoding/json"
	"fmt"
)

// protocolVersion is the remote-tool protocol revision sent on initialize.
const protocolVersion = "2024-11-05"

// Request is a JSON-RPC 2.0 request. IDs are strings (uuids) so concurrent
// callers on one connection can pair responses without coordination.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a failed response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// remoteToolDef is one entry of a tools/list result.
type remoteToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// toolsListResult is the result payload of tools/list.
type toolsListResult struct {
	Tools []remoteToolDef `json:"tools"`
}

// callParams is the params payload of tools/call.
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// callResult is the result payload of tools/call.
type callResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// contentBlock is one piece of tool output.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text concatenates the text blocks of a call result.
func (r callResult) text() string {
	out := ""
	for _, block := range r.Content {
		if block.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += block.Text
	}
	return out
}
