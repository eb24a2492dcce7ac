package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"agentrun/pkg/agent"
	"agentrun/pkg/bridge"
	"agentrun/pkg/config"
	"agentrun/pkg/contextwin"
	"agentrun/pkg/jobs"
	"agentrun/pkg/metrics"
	"agentrun/pkg/sandbox"
	"agentrun/pkg/tools"
	"agentrun/pkg/trajectory"
)

func runCmd() *cobra.Command {
	var (
		taskID string
		system string
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Execute one task to a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if taskID == "" {
				taskID = "task-" + uuid.NewString()[:8]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return executeTask(ctx, cfg, agent.Task{ID: taskID, SystemPrompt: system, Prompt: args[0]})
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "trajectory document name (default: generated)")
	cmd.Flags().StringVar(&system, "system", "", "system prompt override")
	return cmd
}

func executeTask(ctx context.Context, cfg config.Config, task agent.Task) error {
	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg)
	}

	session, err := buildSession(cfg.Sandbox)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewShellTool(session),
		tools.NewReadFileTool(session),
		tools.NewWriteFileTool(session),
		tools.NewFinishTool(),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}

	if len(cfg.Jobs.Commands) > 0 {
		manager, err := jobs.NewManager(
			jobs.NewShellSubmitter(session, cfg.Jobs.Commands),
			jobs.Config{PollInterval: cfg.Jobs.PollInterval, MaxRetries: cfg.Jobs.MaxRetries},
			recorder,
		)
		if err != nil {
			return err
		}
		if err := registry.Register(jobs.NewRunJobTool(manager)); err != nil {
			return err
		}
	}

	br := bridge.New(registry)
	defer func() { _ = br.Close() }()
	for _, srv := range cfg.Bridge {
		if err := br.AddServer(ctx, srv); err != nil {
			return fmt.Errorf("bridge server %s: %w", srv.Name, err)
		}
	}

	window, err := contextwin.NewManager(contextwin.Config{
		MaxTokens:     cfg.Context.MaxTokens,
		ReserveTokens: cfg.Context.ReserveTokens,
		Strategy:      contextwin.Strategy(cfg.Context.Strategy),
		KeepSystem:    cfg.Context.KeepSystem,
		KeepTurns:     cfg.Context.KeepTurns,
	})
	if err != nil {
		return err
	}

	llm, err := agent.NewLLMClient(agent.ProviderConfig{
		Provider: cfg.Agent.Provider,
		Model:    cfg.Agent.Model,
		BaseURL:  cfg.Agent.BaseURL,
		Retry: agent.RetryConfig{
			MaxRetries:    cfg.Agent.MaxRetries,
			InitialDelay:  cfg.Agent.RetryDelay,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        true,
		},
	})
	if err != nil {
		return err
	}

	writer, jsonWriter, closeStore, err := buildWriter(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := agent.NewEngine(agent.EngineConfig{
		AgentID:     cfg.Agent.ID,
		MaxTurns:    cfg.Agent.MaxTurns,
		MaxNudges:   cfg.Agent.MaxNudges,
		EnableTools: cfg.Agent.EnableTools,
	}, llm, registry, window, session, writer, recorder)
	if err != nil {
		return err
	}

	traj, runErr := engine.Run(ctx, task)
	printSummary(traj, jsonWriter)
	return runErr
}

func buildSession(cfg config.SandboxConfig) (sandbox.Session, error) {
	switch cfg.Kind {
	case "container":
		var limits *sandbox.ResourceLimits
		if cfg.CPUs != "" || cfg.Memory != "" || cfg.PIDs > 0 {
			limits = &sandbox.ResourceLimits{CPUs: cfg.CPUs, Memory: cfg.Memory, PIDs: cfg.PIDs}
		}
		return sandbox.NewContainerSession(sandbox.ContainerOptions{
			Image:           cfg.Image,
			EnvID:           cfg.EnvID,
			HostWorkDir:     cfg.WorkDir,
			Limits:          limits,
			NetworkDisabled: cfg.NetworkDisabled,
			AutoRemove:      cfg.AutoRemove,
			Env:             cfg.Env,
		}), nil
	default:
		return sandbox.NewLocalSession(cfg.WorkDir, cfg.Env)
	}
}

// buildWriter assembles the trajectory destinations: always the per-run JSON
// document, plus the SQLite archive when configured.
func buildWriter(cfg config.Config) (trajectory.Writer, *trajectory.JSONWriter, func(), error) {
	jsonWriter, err := trajectory.NewJSONWriter(cfg.RunDir)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.DBPath == "" {
		return jsonWriter, jsonWriter, func() {}, nil
	}
	store, err := trajectory.OpenStore(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	writer := trajectory.MultiWriter{jsonWriter, trajectory.NewStoreWriter(store)}
	return writer, jsonWriter, func() { _ = store.Close() }, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
	}
}

func printSummary(traj *trajectory.Trajectory, writer *trajectory.JSONWriter) {
	fmt.Printf("task %s: %s", traj.TaskID, traj.Status)
	if traj.Reason != "" {
		fmt.Printf(" (%s)", traj.Reason)
	}
	fmt.Printf(", %d turns\n", len(traj.Steps))
	for i := range traj.Steps {
		step := &traj.Steps[i]
		for _, outcome := range step.Outcomes {
			if outcome.Name == tools.ToolFinish && outcome.Success {
				fmt.Printf("summary: %s\n", finishSummaryFromStep(step))
			}
		}
	}
	fmt.Printf("trajectory: %s\n", writer.Path(traj.TaskID))
}

func finishSummaryFromStep(step *trajectory.StepRecord) string {
	for _, call := range step.Assistant.ToolCalls {
		if call.Name == tools.ToolFinish {
			return tools.FinishSummary(tools.Call{ID: call.ID, Name: call.Name, Args: call.Args})
		}
	}
	return ""
}
