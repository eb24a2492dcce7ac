// Package config loads and validates the runtime configuration. Config is
// value-based: Load returns a validated copy and callers never mutate shared
// state, so several runtimes can coexist in one process.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"agentrun/pkg/bridge"
	"agentrun/pkg/contextwin"
)

// AgentConfig tunes the turn engine and its LLM backend.
type AgentConfig struct {
	ID          string        `yaml:"id"`
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url,omitempty"`
	MaxTurns    int           `yaml:"max_turns"`
	MaxNudges   int           `yaml:"max_nudges"`
	EnableTools bool          `yaml:"enable_tools"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// ContextConfig tunes the context window manager.
type ContextConfig struct {
	MaxTokens     int    `yaml:"max_tokens"`
	ReserveTokens int    `yaml:"reserve_tokens"`
	Strategy      string `yaml:"strategy"`
	KeepSystem    bool   `yaml:"keep_system"`
	KeepTurns     int    `yaml:"keep_turns"`
}

// SandboxConfig selects and tunes the execution sandbox.
type SandboxConfig struct {
	// Kind is "local" or "container".
	Kind string `yaml:"kind"`
	// WorkDir is the workspace root (host side for containers).
	WorkDir string `yaml:"work_dir"`
	// Image, EnvID and the limits apply to container sandboxes only.
	Image           string   `yaml:"image,omitempty"`
	EnvID           string   `yaml:"env_id,omitempty"`
	NetworkDisabled bool     `yaml:"network_disabled,omitempty"`
	AutoRemove      bool     `yaml:"auto_remove,omitempty"`
	CPUs            string   `yaml:"cpus,omitempty"`
	Memory          string   `yaml:"memory,omitempty"`
	PIDs            int64    `yaml:"pids,omitempty"`
	Env             []string `yaml:"env,omitempty"`
}

// JobsConfig tunes the job lifecycle manager. The run_job tool is registered
// only when at least one command is configured.
type JobsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
	// Commands maps job names to the shell command the submitter launches.
	Commands map[string]string `yaml:"commands,omitempty"`
}

// Config is the root document.
type Config struct {
	Agent   AgentConfig           `yaml:"agent"`
	Context ContextConfig         `yaml:"context"`
	Sandbox SandboxConfig         `yaml:"sandbox"`
	Bridge  []bridge.ServerConfig `yaml:"bridge,omitempty"`
	Jobs    JobsConfig            `yaml:"jobs"`
	// RunDir receives one trajectory JSON document per task.
	RunDir string `yaml:"run_dir"`
	// DBPath, when set, archives trajectories to SQLite as well.
	DBPath string `yaml:"db_path,omitempty"`
	// MetricsAddr, when set, serves Prometheus metrics on that address.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// PrometheusURL, when set, points the stats command at the Prometheus
	// server that scrapes this runtime.
	PrometheusURL string `yaml:"prometheus_url,omitempty"`
}

// Default returns the configuration used when a field is left unset.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			ID:          "agent",
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			MaxTurns:    50,
			MaxNudges:   3,
			EnableTools: true,
			MaxRetries:  3,
			RetryDelay:  500 * time.Millisecond,
		},
		Context: ContextConfig{
			MaxTokens:     120000,
			ReserveTokens: 16000,
			Strategy:      string(contextwin.StrategyLatestHalf),
			KeepSystem:    true,
			KeepTurns:     2,
		},
		Sandbox: SandboxConfig{
			Kind:    "local",
			WorkDir: ".",
		},
		Jobs: JobsConfig{
			PollInterval: 30 * time.Second,
			MaxRetries:   2,
		},
		RunDir: "runs",
	}
}

// Load reads the YAML file at path, fills unset fields from Default, and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates a YAML document.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults backfills fields an explicit document zeroed out.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Agent.ID == "" {
		c.Agent.ID = def.Agent.ID
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = def.Agent.Provider
	}
	if c.Agent.Model == "" {
		c.Agent.Model = def.Agent.Model
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = def.Agent.MaxTurns
	}
	if c.Agent.MaxNudges <= 0 {
		c.Agent.MaxNudges = def.Agent.MaxNudges
	}
	if c.Agent.MaxRetries <= 0 {
		c.Agent.MaxRetries = def.Agent.MaxRetries
	}
	if c.Agent.RetryDelay <= 0 {
		c.Agent.RetryDelay = def.Agent.RetryDelay
	}
	if c.Context.MaxTokens <= 0 {
		c.Context.MaxTokens = def.Context.MaxTokens
	}
	if c.Context.Strategy == "" {
		c.Context.Strategy = def.Context.Strategy
	}
	if c.Context.KeepTurns <= 0 {
		c.Context.KeepTurns = def.Context.KeepTurns
	}
	if c.Sandbox.Kind == "" {
		c.Sandbox.Kind = def.Sandbox.Kind
	}
	if c.Sandbox.WorkDir == "" {
		c.Sandbox.WorkDir = def.Sandbox.WorkDir
	}
	if c.Jobs.PollInterval <= 0 {
		c.Jobs.PollInterval = def.Jobs.PollInterval
	}
	if c.Jobs.MaxRetries < 0 {
		c.Jobs.MaxRetries = def.Jobs.MaxRetries
	}
	if c.RunDir == "" {
		c.RunDir = def.RunDir
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Agent.Provider {
	case "anthropic", "openai", "google", "ollama":
	default:
		return fmt.Errorf("agent.provider must be anthropic, openai, google, or ollama, got %q", c.Agent.Provider)
	}

	switch contextwin.Strategy(c.Context.Strategy) {
	case contextwin.StrategyNone, contextwin.StrategyLatestHalf,
		contextwin.StrategySlidingWindow, contextwin.StrategySummary:
	default:
		return fmt.Errorf("context.strategy %q is not a known truncation strategy", c.Context.Strategy)
	}
	if c.Context.ReserveTokens < 0 || c.Context.ReserveTokens >= c.Context.MaxTokens {
		return fmt.Errorf("context.reserve_tokens %d out of range for max_tokens %d",
			c.Context.ReserveTokens, c.Context.MaxTokens)
	}

	switch c.Sandbox.Kind {
	case "local":
	case "container":
		if c.Sandbox.Image == "" {
			return fmt.Errorf("sandbox.image is required for container sandboxes")
		}
	default:
		return fmt.Errorf("sandbox.kind must be local or container, got %q", c.Sandbox.Kind)
	}

	seen := make(map[string]bool, len(c.Bridge))
	for i := range c.Bridge {
		srv := &c.Bridge[i]
		if srv.Name == "" {
			return fmt.Errorf("bridge[%d]: name is required", i)
		}
		if seen[srv.Name] {
			return fmt.Errorf("bridge[%d]: duplicate server name %q", i, srv.Name)
		}
		seen[srv.Name] = true
		switch srv.Transport {
		case bridge.TransportPipe:
			if srv.Command == "" {
				return fmt.Errorf("bridge server %s: command is required for pipe transport", srv.Name)
			}
		case bridge.TransportHTTP:
			if srv.URL == "" {
				return fmt.Errorf("bridge server %s: url is required for http transport", srv.Name)
			}
		case bridge.TransportSSE:
			if srv.URL == "" || srv.StreamURL == "" {
				return fmt.Errorf("bridge server %s: url and stream_url are required for sse transport", srv.Name)
			}
		default:
			return fmt.Errorf("bridge server %s: unknown transport %q", srv.Name, srv.Transport)
		}
	}
	return nil
}
