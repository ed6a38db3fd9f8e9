package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/config"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// NewRunCmd creates the run command.
func NewRunCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one migration run",
		Long: `Fetches every reading newer than the stored watermarks from the configured
sources and uploads it to Garmin Connect. Exits non-zero when any record
failed to migrate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(opts, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run result as JSON")
	return cmd
}

func runMigration(opts *rootOptions, asJSON bool) error {
	// No overall deadline: a first run over years of history is legitimately
	// slow behind the provider rate limits. Ctrl-C cancels.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	if err := rt.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.store.Stop(stopCtx)
	}()

	if !asJSON {
		color.Cyan("Starting migration run...")
	}

	result, err := rt.engine.Run(ctx, types.TriggerCLI)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
	} else {
		printRunResult(result, config.Location(cfg))
	}

	if result.Status != types.RunSucceeded {
		_, _, _, failed := result.Totals()
		return fmt.Errorf("run %s finished %s with %d failed record(s)", result.RunID, result.Status, failed)
	}
	return nil
}

// printRunResult renders one run for a human, timestamps in loc.
func printRunResult(result types.RunResult, loc *time.Location) {
	bold := color.New(color.Bold)

	fmt.Println()
	_, _ = bold.Printf("Run %s (%s)\n", result.RunID, result.Trigger)
	fmt.Printf("  Status:   %s\n", colorStatus(result.Status))
	fmt.Printf("  Started:  %s\n", result.StartedAt.In(loc).Format(time.RFC3339))
	fmt.Printf("  Finished: %s\n", result.FinishedAt.In(loc).Format(time.RFC3339))

	if len(result.PerMetric) > 0 {
		fmt.Println()
		_, _ = bold.Println("  Lanes:")
		for _, source := range []types.Source{types.SourceFitbit, types.SourceOmron} {
			for _, metric := range types.SourceMetrics[source] {
				lane, ok := result.PerMetric[metric]
				if !ok {
					continue
				}
				mark := color.GreenString("✓")
				switch {
				case lane.State == types.LaneFailed:
					mark = color.RedString("✗")
				case lane.Failed > 0:
					mark = color.YellowString("!")
				}
				fmt.Printf("    %s %-7s %-10s fetched=%-4d uploaded=%-4d skipped=%-4d failed=%d\n",
					mark, lane.Source, lane.MetricType, lane.Fetched, lane.Uploaded, lane.SkippedDuplicate, lane.Failed)
				for _, sample := range lane.ErrorSamples {
					color.Red("        %s", sample)
				}
			}
		}
	}

	fetched, uploaded, skipped, failed := result.Totals()
	fmt.Println()
	fmt.Printf("  Fetched %d, uploaded %d, skipped %d duplicates, %d failed\n",
		fetched, uploaded, skipped, failed)
}

func colorStatus(status types.RunStatus) string {
	switch status {
	case types.RunSucceeded:
		return color.GreenString(string(status))
	case types.RunPartial:
		return color.YellowString(string(status))
	default:
		return color.RedString(string(status))
	}
}
