package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/maintenance"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run or inspect memory maintenance",
	}
	cmd.AddCommand(maintenanceRunCmd(), maintenanceHistoryCmd())
	return cmd
}

func maintenanceRunCmd() *cobra.Command {
	var (
		maxDuration time.Duration
		dryRun      bool
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Recalculate decay scores, apply lifecycle transitions and purge expired memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			rt, err := newRuntime(cmd.Context(), logger)
			if err != nil {
				return fmt.Errorf("maintenance: %w", err)
			}
			defer rt.Close()

			run, err := rt.scheduler.Run(cmd.Context(), maintenance.RunOptions{
				Trigger:     models.TriggerManual,
				MaxDuration: maxDuration,
				DryRun:      dryRun,
			})
			if errors.Is(err, maintenance.ErrAlreadyRunning) {
				return fmt.Errorf("maintenance: %w", err)
			}

			if outputJSON {
				out, jsonErr := json.MarshalIndent(run, "", "  ")
				if jsonErr != nil {
					return fmt.Errorf("maintenance: marshaling JSON: %w", jsonErr)
				}
				fmt.Println(string(out))
			} else if run != nil {
				printRun(run)
			}
			if err != nil {
				return fmt.Errorf("maintenance: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxDuration, "max-duration", 0, "time budget for this run (default: maintenance.max_duration)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview changes without applying")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	return cmd
}

func maintenanceHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded maintenance runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			rt, err := newRuntime(cmd.Context(), logger)
			if err != nil {
				return fmt.Errorf("maintenance history: %w", err)
			}
			defer rt.Close()

			if rt.runlog == nil {
				return fmt.Errorf("maintenance history: run log unavailable")
			}
			runs, err := rt.runlog.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("maintenance history: %w", err)
			}
			if len(runs) == 0 {
				fmt.Println("No maintenance runs recorded.")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%s  %-8s %-9s %6.1fs  processed=%d transitions=%d decay=%d purged=%d skipped=%d\n",
					r.StartedAt.Format(time.RFC3339), r.Status, r.Trigger, r.DurationSeconds,
					r.MemoriesProcessed, r.StateTransitions, r.DecayScoresUpdated, r.SoftDeletedPurged, r.RecordsSkipped)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs")
	return cmd
}

func printRun(run *models.MaintenanceRun) {
	fmt.Printf("Maintenance run %s\n", run.RunID)
	fmt.Printf("  Status:               %s\n", run.Status)
	fmt.Printf("  Duration:             %.2fs\n", run.DurationSeconds)
	fmt.Printf("  Memories processed:   %d\n", run.MemoriesProcessed)
	fmt.Printf("  State transitions:    %d\n", run.StateTransitions)
	fmt.Printf("  Decay scores updated: %d\n", run.DecayScoresUpdated)
	fmt.Printf("  Soft-deleted purged:  %d\n", run.SoftDeletedPurged)
	if run.RecordsSkipped > 0 {
		fmt.Printf("  Records skipped:      %d\n", run.RecordsSkipped)
	}
	if run.Error != "" {
		fmt.Printf("  Error:                %s\n", run.Error)
	}
	if run.DryRun {
		fmt.Println("  (dry run: no changes applied)")
	}
}
