package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agentrun/pkg/bridge"
	"agentrun/pkg/config"
	"agentrun/pkg/tools"
)

func serversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "Connect to the configured bridge servers and list their tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if len(cfg.Bridge) == 0 {
				fmt.Println("no bridge servers configured")
				return nil
			}

			registry := tools.NewRegistry()
			br := bridge.New(registry)
			defer func() { _ = br.Close() }()

			for _, srv := range cfg.Bridge {
				if err := br.AddServer(cmd.Context(), srv); err != nil {
					fmt.Printf("%s (%s): connection failed: %v\n", srv.Name, srv.Transport, err)
					continue
				}
				fmt.Printf("%s (%s):\n", srv.Name, srv.Transport)
				for _, spec := range registry.Specs() {
					if strings.HasPrefix(spec.Name, srv.Name+"_") {
						fmt.Printf("  %s: %s\n", spec.Name, spec.Description)
					}
				}
			}
			return nil
		},
	}
}
