package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"list_harvester/internal/config"
	"list_harvester/internal/domain"
	"list_harvester/internal/storage/database"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Summarize recorded rate limit events",
	Long: `Summarize recorded rate limit events.

Examples:
  harvester analyze
  harvester analyze --since 72h --json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		since, _ := cmd.Flags().GetDuration("since")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := setupLogger(cfg.LogLevel)

		conn, err := openDatabase(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		sum, err := database.NewEventStore(conn).Summarize(cmd.Context(), time.Now().Add(-since))
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		}
		printSummary(cmd.OutOrStdout(), since, sum)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().Duration("since", 24*time.Hour, "how far back to look")
	analyzeCmd.Flags().Bool("json", false, "print the summary as JSON")
}

func printSummary(w io.Writer, since time.Duration, sum domain.EventSummary) {
	fmt.Fprintf(w, "Rate limit events in the last %s: %d\n", since, sum.Total)
	if sum.Total == 0 {
		return
	}

	printCounts(w, "By kind", sum.ByKind)
	printCounts(w, "By identity", sum.ByIdentity)
	printCounts(w, "By transport", sum.ByTransport)
	fmt.Fprintf(w, "\nAverage consecutive failures: %.1f\n", sum.AvgFailures)

	if len(sum.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for _, r := range sum.Recommendations {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	fmt.Fprintf(w, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", k, counts[k])
	}
}
