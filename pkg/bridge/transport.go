package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"

	"agentrun/pkg/logx"
)

// Transport carries JSON-RPC traffic to one remote tool server. Call is safe
// for concurrent use; responses may complete out of order because pairing is
// keyed by request id.
type Transport interface {
	// Call sends one request and blocks until its response, a transport
	// failure, or context cancellation.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Close tears down the connection. Pending calls fail.
	Close() error
}

// pending tracks in-flight calls keyed by request id.
type pending struct {
	mu    sync.Mutex
	calls map[string]chan *Response
	done  bool
}

func newPending() *pending {
	return &pending{calls: make(map[string]chan *Response)}
}

func (p *pending) add(id string) (chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil, fmt.Errorf("transport is closed")
	}
	ch := make(chan *Response, 1)
	p.calls[id] = ch
	return ch, nil
}

func (p *pending) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, id)
}

// deliver routes a response to its waiting caller. Responses nobody is
// waiting for (late arrivals after timeout, notifications) are dropped.
func (p *pending) deliver(resp *Response) {
	p.mu.Lock()
	ch, ok := p.calls[resp.ID]
	if ok {
		delete(p.calls, resp.ID)
	}
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// fail closes the pending set and unblocks every waiter with no response.
func (p *pending) fail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
	for id, ch := range p.calls {
		close(ch)
		delete(p.calls, id)
	}
}

// awaitResponse blocks on one pending slot.
func awaitResponse(ctx context.Context, p *pending, id string, ch chan *Response) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		p.remove(id)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed while waiting for response")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// PipeTransport runs the server as a child process and exchanges
// line-delimited JSON over its stdin/stdout.
type PipeTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending *pending
	writeMu sync.Mutex
	logger  *logx.Logger
}

// NewPipeTransport starts the child process and begins reading responses.
func NewPipeTransport(command string, args []string, env []string) (*PipeTransport, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tool server %s: %w", command, err)
	}

	t := &PipeTransport{
		cmd:     cmd,
		stdin:   stdin,
		pending: newPending(),
		logger:  logx.NewLogger("bridge"),
	}
	go t.readLoop(stdout)
	return t, nil
}

func (t *PipeTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.logger.Warn("discarding unparseable line from tool server: %v", err)
			continue
		}
		t.pending.deliver(&resp)
	}
	t.pending.fail()
}

// Call implements Transport.
func (t *PipeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch, err := t.pending.add(id)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		t.pending.remove(id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	_, err = t.stdin.Write(data)
	t.writeMu.Unlock()
	if err != nil {
		t.pending.remove(id)
		return nil, fmt.Errorf("failed to write to tool server: %w", err)
	}

	return awaitResponse(ctx, t.pending, id, ch)
}

// Close implements Transport.
func (t *PipeTransport) Close() error {
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	err := t.cmd.Wait()
	t.pending.fail()
	// The child was killed on purpose; its exit status is not an error.
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("tool server did not shut down cleanly: %w", err)
	}
	return nil
}

// HTTPTransport POSTs each request to a single endpoint and reads the
// response from the reply body. Stateless, so pairing is trivial.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// NewHTTPTransport creates a transport for the given endpoint URL.
func NewHTTPTransport(url string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{url: url, client: client}
}

// Call implements Transport.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool server request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool server returned HTTP %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Close implements Transport.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// SSETransport POSTs requests to an endpoint while responses arrive on a
// long-lived text/event-stream connection, paired by request id.
type SSETransport struct {
	postURL string
	client  *http.Client
	pending *pending
	stream  io.Closer
	logger  *logx.Logger
}

// NewSSETransport opens the event stream at streamURL and sends requests to
// postURL.
func NewSSETransport(ctx context.Context, postURL, streamURL string, client *http.Client) (*SSETransport, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("event stream returned HTTP %d", resp.StatusCode)
	}

	t := &SSETransport{
		postURL: postURL,
		client:  client,
		pending: newPending(),
		stream:  resp.Body,
		logger:  logx.NewLogger("bridge"),
	}
	go t.readLoop(resp.Body)
	return t, nil
}

func (t *SSETransport) readLoop(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			t.logger.Warn("discarding unparseable event: %v", err)
			continue
		}
		t.pending.deliver(&resp)
	}
	t.pending.fail()
}

// Call implements Transport.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch, err := t.pending.add(id)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		t.pending.remove(id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.postURL, bytes.NewReader(body))
	if err != nil {
		t.pending.remove(id)
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(req)
	if err != nil {
		t.pending.remove(id)
		return nil, fmt.Errorf("tool server request failed: %w", err)
	}
	_ = httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		t.pending.remove(id)
		return nil, fmt.Errorf("tool server returned HTTP %d", httpResp.StatusCode)
	}

	return awaitResponse(ctx, t.pending, id, ch)
}

// Close implements Transport.
func (t *SSETransport) Close() error {
	err := t.stream.Close()
	t.pending.fail()
	return err
}
