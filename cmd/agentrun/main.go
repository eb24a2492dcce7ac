// Command agentrun executes natural-language tasks through a turn-based
// agent runtime: model queries, sandboxed tool execution, remote tool
// bridges, and persisted trajectories.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "agentrun",
		Short: "Turn-based agent runtime",
		Long:  "agentrun drives a model through bounded turns of tool execution inside a sandbox, recording every step as a trajectory document.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "agentrun.yaml", "path to the YAML configuration")

	root.AddCommand(runCmd())
	root.AddCommand(serversCmd())
	root.AddCommand(showCmd())
	root.AddCommand(statsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
