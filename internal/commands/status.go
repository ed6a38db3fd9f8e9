package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/config"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
)

// NewStatusCmd creates the status command. It reads the store directly, so it
// works without a running serve process.
func NewStatusCmd(opts *rootOptions) *cobra.Command {
	var runCount int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show watermarks and recent runs from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, runCount)
		},
	}

	cmd.Flags().IntVar(&runCount, "runs", 5, "How many recent runs to list")
	return cmd
}

func runStatus(opts *rootOptions, runCount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	newLogger(cfg)

	st, err := newStore(cfg)
	if err != nil {
		return err
	}
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}
	defer func() { _ = st.Stop(ctx) }()

	loc := config.Location(cfg)

	snap, err := store.Snapshot(ctx, st)
	if err != nil {
		return fmt.Errorf("reading watermarks: %w", err)
	}

	bold := color.New(color.Bold)
	_, _ = bold.Println("Watermarks:")
	for _, wm := range snap.Watermarks {
		last := color.YellowString("never")
		if wm.LastMigratedAt.After(time.Unix(0, 0)) {
			last = wm.LastMigratedAt.In(loc).Format(time.RFC3339)
		}
		fmt.Printf("  %-7s %-10s %s\n", wm.Source, wm.MetricType, last)
	}

	runs, err := st.RecentRuns(ctx, runCount)
	if err != nil {
		return fmt.Errorf("reading run log: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println()
		fmt.Println("No runs recorded yet.")
		return nil
	}

	printRunResult(runs[0], loc)

	if len(runs) > 1 {
		fmt.Println()
		_, _ = bold.Println("Earlier runs:")
		for _, r := range runs[1:] {
			_, uploaded, _, failed := r.Totals()
			fmt.Printf("  %s  %s  uploaded=%d failed=%d  %s\n",
				r.RunID, colorStatus(r.Status), uploaded, failed,
				r.FinishedAt.In(loc).Format(time.RFC3339))
		}
	}

	fmt.Println()
	return nil
}
