package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"agentrun/pkg/logx"
	"agentrun/pkg/tools"
)

// TransportKind selects how the bridge reaches a server.
type TransportKind string

const (
	TransportPipe TransportKind = "pipe"
	TransportHTTP TransportKind = "http"
	TransportSSE  TransportKind = "sse"
)

// ServerConfig describes one remote tool server.
type ServerConfig struct {
	// Name prefixes every tool the server contributes.
	Name string `yaml:"name"`
	// Transport is pipe, http, or sse.
	Transport TransportKind `yaml:"transport"`
	// Command and Args launch the child process for pipe transport.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`
	// URL is the endpoint for http transport and the POST endpoint for sse.
	URL string `yaml:"url,omitempty"`
	// StreamURL is the event-stream endpoint for sse transport.
	StreamURL string `yaml:"stream_url,omitempty"`
	// CallTimeout bounds one remote tool call.
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`
}

// server is one live connection plus the registry names it contributed.
type server struct {
	cfg       ServerConfig
	transport Transport
	toolNames []string
}

// Bridge owns the remote tool connections and keeps the registry in sync
// with them. Connections are long-lived and shared across agents; pairing by
// request id makes concurrent calls safe.
type Bridge struct {
	registry *tools.Registry
	mu       sync.Mutex
	servers  map[string]*server
	logger   *logx.Logger

	// dial is swappable for tests.
	dial func(ctx context.Context, cfg ServerConfig) (Transport, error)
}

// New creates a bridge feeding the given registry.
func New(registry *tools.Registry) *Bridge {
	return &Bridge{
		registry: registry,
		servers:  make(map[string]*server),
		logger:   logx.NewLogger("bridge"),
		dial:     dialTransport,
	}
}

func dialTransport(ctx context.Context, cfg ServerConfig) (Transport, error) {
	switch cfg.Transport {
	case TransportPipe:
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %s: pipe transport requires a command", cfg.Name)
		}
		return NewPipeTransport(cfg.Command, cfg.Args, cfg.Env)
	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %s: http transport requires a url", cfg.Name)
		}
		return NewHTTPTransport(cfg.URL, nil), nil
	case TransportSSE:
		if cfg.URL == "" || cfg.StreamURL == "" {
			return nil, fmt.Errorf("server %s: sse transport requires url and stream_url", cfg.Name)
		}
		return NewSSETransport(ctx, cfg.URL, cfg.StreamURL, nil)
	default:
		return nil, fmt.Errorf("server %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
}

// connect dials the server, runs the initialize handshake, enumerates its
// tools, and wraps each as a proxy.
func (b *Bridge) connect(ctx context.Context, cfg ServerConfig) (Transport, []tools.Tool, error) {
	transport, err := b.dial(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if _, err := transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "agentrun"},
	}); err != nil {
		_ = transport.Close()
		return nil, nil, fmt.Errorf("server %s: initialize failed: %w", cfg.Name, err)
	}

	raw, err := transport.Call(ctx, "tools/list", nil)
	if err != nil {
		_ = transport.Close()
		return nil, nil, fmt.Errorf("server %s: tools/list failed: %w", cfg.Name, err)
	}
	var listed toolsListResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		_ = transport.Close()
		return nil, nil, fmt.Errorf("server %s: unparseable tools/list result: %w", cfg.Name, err)
	}

	proxies := make([]tools.Tool, 0, len(listed.Tools))
	for _, def := range listed.Tools {
		proxy, err := newProxyTool(cfg.Name, def, transport, cfg.CallTimeout)
		if err != nil {
			_ = transport.Close()
			return nil, nil, fmt.Errorf("server %s: %w", cfg.Name, err)
		}
		proxies = append(proxies, proxy)
	}
	return transport, proxies, nil
}

// AddServer connects a server and registers its tools. Adding a server that
// is already connected is a no-op.
func (b *Bridge) AddServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("server name must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.servers[cfg.Name]; exists {
		return nil
	}

	transport, proxies, err := b.connect(ctx, cfg)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(proxies))
	for _, proxy := range proxies {
		if err := b.registry.Register(proxy); err != nil {
			// Roll back partial registration so a failed add leaves no trace.
			for _, n := range names {
				b.registry.Unregister(n)
			}
			_ = transport.Close()
			return fmt.Errorf("server %s: %w", cfg.Name, err)
		}
		names = append(names, proxy.Spec().Name)
	}

	b.servers[cfg.Name] = &server{cfg: cfg, transport: transport, toolNames: names}
	b.logger.Info("connected tool server %s (%d tools)", cfg.Name, len(names))
	return nil
}

// RemoveServer unregisters a server's tools and closes its connection.
// Removing an unknown server is a no-op.
func (b *Bridge) RemoveServer(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	srv, exists := b.servers[name]
	if !exists {
		return nil
	}
	for _, toolName := range srv.toolNames {
		b.registry.Unregister(toolName)
	}
	delete(b.servers, name)
	err := srv.transport.Close()
	b.logger.Info("disconnected tool server %s", name)
	return err
}

// ReloadServer reconnects a server and swaps its tool set atomically: the
// registry never shows a mix of stale and refreshed tools.
func (b *Bridge) ReloadServer(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	srv, exists := b.servers[name]
	if !exists {
		return fmt.Errorf("unknown tool server %q", name)
	}

	transport, proxies, err := b.connect(ctx, srv.cfg)
	if err != nil {
		return fmt.Errorf("reload of %s failed, keeping the old connection: %w", name, err)
	}

	if err := b.registry.Swap(srv.toolNames, proxies); err != nil {
		_ = transport.Close()
		return fmt.Errorf("reload of %s failed: %w", name, err)
	}

	names := make([]string, 0, len(proxies))
	for _, proxy := range proxies {
		names = append(names, proxy.Spec().Name)
	}
	_ = srv.transport.Close()
	b.servers[name] = &server{cfg: srv.cfg, transport: transport, toolNames: names}
	b.logger.Info("reloaded tool server %s (%d tools)", name, len(names))
	return nil
}

// Servers returns the names of the connected servers.
func (b *Bridge) Servers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.servers))
	for name := range b.servers {
		names = append(names, name)
	}
	return names
}

// Close disconnects every server.
func (b *Bridge) Close() error {
	b.mu.Lock()
	names := make([]string, 0, len(b.servers))
	for name := range b.servers {
		names = append(names, name)
	}
	b.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := b.RemoveServer(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
