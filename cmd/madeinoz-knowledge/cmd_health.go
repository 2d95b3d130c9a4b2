package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

func healthCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show maintenance status, memory counts and decay metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			rt, err := newRuntime(cmd.Context(), logger)
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			defer rt.Close()

			status := rt.health.Snapshot(cmd.Context())

			if outputJSON {
				out, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return fmt.Errorf("health: marshaling JSON: %w", err)
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Println("Maintenance:")
			if status.Maintenance.LastRunAt == nil {
				fmt.Println("  Last run:      never")
			} else {
				fmt.Printf("  Last run:      %s (%s, %.1fs)\n", status.Maintenance.LastRunAt.Format(time.RFC3339),
					status.Maintenance.LastRunStatus, status.Maintenance.LastDurationSeconds)
			}
			if status.Maintenance.LastSuccessAt != nil {
				fmt.Printf("  Last success:  %s\n", status.Maintenance.LastSuccessAt.Format(time.RFC3339))
			}

			fmt.Printf("\nMemories: %d", status.MemoryCounts.Total)
			if status.Stale {
				fmt.Print(" (stale: store unreachable)")
			}
			fmt.Println()
			for _, st := range models.ValidLifecycleStates {
				fmt.Printf("  %-13s %d\n", st, status.MemoryCounts.ByState[st])
			}

			fmt.Println("\nDecay metrics:")
			fmt.Printf("  Avg decay score: %.3f\n", status.DecayMetrics.AvgDecayScore)
			fmt.Printf("  Avg importance:  %.2f\n", status.DecayMetrics.AvgImportance)
			fmt.Printf("  Avg stability:   %.2f\n", status.DecayMetrics.AvgStability)
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show memory collection statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			st, err := newStore(ctx, logger)
			if err != nil {
				return fmt.Errorf("stats: connecting to store: %w", err)
			}
			defer func() { _ = st.Close() }()

			stats, err := st.Stats(ctx)
			if err != nil {
				return fmt.Errorf("stats: fetching statistics: %w", err)
			}

			fmt.Printf("Total memories: %d\n\n", stats.TotalMemories)

			fmt.Println("By lifecycle state:")
			for _, s := range models.ValidLifecycleStates {
				fmt.Printf("  %-13s %d\n", s, stats.ByState[s])
			}

			fmt.Printf("\nAvg decay score: %.3f\n", stats.AvgDecayScore)
			fmt.Printf("Avg importance:  %.2f\n", stats.AvgImportance)
			fmt.Printf("Avg stability:   %.2f\n", stats.AvgStability)
			return nil
		},
	}
}
