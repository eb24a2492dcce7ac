package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentrun/pkg/config"
	"agentrun/pkg/trajectory"
)

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print a recorded trajectory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			writer, err := trajectory.NewJSONWriter(cfg.RunDir)
			if err != nil {
				return err
			}
			traj, err := writer.Load(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("task %s: %s", traj.TaskID, traj.Status)
			if traj.Reason != "" {
				fmt.Printf(" (%s)", traj.Reason)
			}
			fmt.Printf("\nstarted %s\n", traj.StartedAt.Format("2006-01-02 15:04:05"))
			if traj.EndedAt != nil {
				fmt.Printf("ended   %s\n", traj.EndedAt.Format("2006-01-02 15:04:05"))
			}
			for i := range traj.Steps {
				step := &traj.Steps[i]
				fmt.Printf("\n-- turn %d --\n", step.Turn)
				if step.Assistant.Content != "" {
					fmt.Println(step.Assistant.Content)
				}
				for _, outcome := range step.Outcomes {
					marker := "ok"
					if !outcome.Success {
						marker = "failed: " + outcome.ErrorCode
					}
					fmt.Printf("  [%s] %s (%s)\n", outcome.Name, firstLine(outcome.Observation), marker)
				}
			}
			return nil
		},
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
