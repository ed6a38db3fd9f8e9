package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd assembles the metrics2garmin command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "metrics2garmin",
		Short: "Migrate body composition and blood pressure history into Garmin Connect",
		Long: `Metrics2Garmin copies weight, BMI and body fat readings from Fitbit and
blood-pressure readings from Omron Connect into Garmin Connect. Durable
watermarks per source and metric make every run incremental and idempotent,
so re-runs never duplicate data already uploaded.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to the YAML config file (default config.yaml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Override the log level (debug|info|warn|error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "Override the log format (text|json)")

	root.AddCommand(
		NewRunCmd(opts),
		NewServeCmd(opts),
		NewStatusCmd(opts),
		NewHealthcheckCmd(opts),
		NewInitCmd(opts),
	)
	return root
}
