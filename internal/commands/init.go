package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/config"
)

// NewInitCmd creates the init command.
func NewInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func runInit(opts *rootOptions, force bool) error {
	path := opts.configPath
	if path == "" {
		path = config.DefaultPath
	}

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}
	}

	// The file will hold credentials.
	if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.Green("✓ Wrote %s", path)
	fmt.Println()
	bold := color.New(color.Bold)
	_, _ = bold.Println("Next steps:")
	fmt.Printf("  1. Fill in the provider credentials in %s\n", path)
	fmt.Println("  2. metrics2garmin healthcheck")
	fmt.Println("  3. metrics2garmin run")
	return nil
}

const starterConfig = `# Metrics2Garmin configuration.
# Every value here can also come from the environment (FITBIT_CLIENT_ID,
# GARMIN_EMAIL, STATE_BACKEND, ...), and any credential may reference AWS
# Secrets Manager instead of a literal:
#   password: aws-secrets://metrics2garmin/garmin#password

# How often the scheduler starts a migration run.
syncInterval: 6h

# IANA zone for human-facing timestamps. Watermark comparisons always use UTC.
# timezone: Europe/London

# Directory where provider tokens are cached between runs.
# tokenDir: /app/data

fitbit:
  # OAuth application credentials from https://dev.fitbit.com.
  clientId: ""
  clientSecret: ""

omron:
  # Omron Connect account. The country code selects the serving region.
  email: ""
  password: ""
  countryCode: GB
  # Device slot when several users share the account.
  # userNumber: 1

garmin:
  email: ""
  password: ""

store:
  # file | sqlite | dynamodb
  backend: file
  # path: /app/data/metrics2garmin.json
  # dsn: /app/data/metrics2garmin.db
  # dynamodb:
  #   tableName: metrics2garmin
  #   region: eu-west-2

server:
  addr: ":5070"
  # Bearer token required by POST /api/v1/run. Empty leaves the trigger open.
  # authToken: ""

# Retry policy for transient fetch and upload failures.
# retry:
#   maxAttempts: 3
#   backoffSeconds: 2
#   backoffMultiplier: 2.0

# Outbound pacing per service, in requests per second. The defaults match
# the providers' documented limits; only lower them.
# rateLimits:
#   fitbit:
#     rate: 0.04
#     burst: 30
#   garmin:
#     rate: 5
#     burst: 5

# Plausibility bounds per metric. Readings outside the range are dropped.
# bounds:
#   WEIGHT:
#     min: 20
#     max: 400

# Where finished runs are reported. onSuccess: false notifies failures only.
# notify:
#   - type: console
#   - type: file
#     path: /app/data/runs.jsonl
#   - type: webhook
#     url: https://example.net/hooks/metrics2garmin
#     secret: ""
#     onSuccess: false
#   - type: sns
#     topicArn: arn:aws:sns:eu-west-2:123456789012:metrics2garmin-runs

log:
  level: info
  format: text

# How many finished runs the store keeps.
# runLogLimit: 20

# How long a crashed process may hold the run lock before takeover.
# runLockTtl: 2h
`
