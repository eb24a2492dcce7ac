package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"agentrun/pkg/config"
	"agentrun/pkg/metrics"
)

func statsCmd() *cobra.Command {
	var prometheusURL string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregated runtime counters from Prometheus",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prometheusURL == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				prometheusURL = cfg.PrometheusURL
			}
			if prometheusURL == "" {
				return fmt.Errorf("no Prometheus server configured; set prometheus_url or pass --prometheus")
			}

			svc, err := metrics.NewQueryService(prometheusURL)
			if err != nil {
				return err
			}

			totals, err := svc.GetTotals(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("llm requests:  %d (%d failed)\n", totals.LLMRequests, totals.LLMFailures)
			fmt.Printf("tool calls:    %d (%d failed)\n", totals.ToolCalls, totals.ToolFailures)
			fmt.Printf("truncations:   %d\n", totals.Truncations)
			fmt.Printf("job retries:   %d\n", totals.JobRetries)

			breakdown, err := svc.ToolBreakdown(cmd.Context())
			if err != nil {
				return err
			}
			if len(breakdown) == 0 {
				return nil
			}
			names := make([]string, 0, len(breakdown))
			for name := range breakdown {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Println("per tool:")
			for _, name := range names {
				fmt.Printf("  %-16s %d\n", name, breakdown[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prometheusURL, "prometheus", "", "Prometheus server URL (overrides prometheus_url)")
	return cmd
}
