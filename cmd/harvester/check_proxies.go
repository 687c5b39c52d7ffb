package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"list_harvester/internal/config"
	"list_harvester/internal/transport"
)

var checkProxiesCmd = &cobra.Command{
	Use:   "check-proxies",
	Short: "Check that every configured transport is alive",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := setupLogger(cfg.LogLevel)

		transports, err := buildTransports(cfg)
		if err != nil {
			return err
		}
		checker := transport.NewChecker(cfg.Health.IPEchoURL, cfg.Health.Timeout)
		prober := transport.NewHealthProber(transports, checker, cfg.Health.Interval, cfg.Health.Concurrency, logger)

		results := prober.CheckAll(cmd.Context())
		down := printCheckResults(cmd.OutOrStdout(), transports, results)
		if down > 0 {
			return fmt.Errorf("%d of %d transports down", down, len(results))
		}
		return nil
	},
}

func printCheckResults(w io.Writer, pool *transport.Pool, results []transport.CheckResult) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tALIVE\tIP\tLATENCY\tERROR")

	down := 0
	for _, r := range results {
		target := r.Endpoint
		if ep, ok := pool.Get(r.Endpoint); ok {
			target = ep.Redacted()
		}
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		if !r.Alive {
			down++
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
			r.Endpoint, target, r.Alive, r.IP, r.Latency.Round(time.Millisecond), errText)
	}
	tw.Flush()
	return down
}
