// Package config handles loading and validation of the YAML configuration,
// environment overrides and AWS Secrets Manager references.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// DefaultPath is the config file used when --config is not given. The file
// is optional: every setting can come from the environment.
const DefaultPath = "config.yaml"

// DefaultSyncInterval between scheduled runs.
const DefaultSyncInterval = 6 * time.Hour

// Default returns the built-in configuration.
func Default() *types.Config {
	return &types.Config{
		SyncInterval: "6h",
		TokenDir:     "/app/data",
		Omron:        types.OmronConfig{UserNumber: 1},
		Store:        types.StoreConfig{Backend: "file"},
		Server:       &types.ServerConfig{Addr: ":5070"},
		Log:          types.LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the config file at path (DefaultPath when empty), applies
// environment overrides, resolves secret references and validates. A
// missing DefaultPath is not an error; a missing explicit path is.
func Load(ctx context.Context, path string) (*types.Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// Env-only operation.
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	applyEnv(cfg)

	if err := resolveSecrets(ctx, cfg, newAWSSecretFetcher()); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *types.Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("SYNC_INTERVAL_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			cfg.SyncInterval = fmt.Sprintf("%dh", hours)
		}
	}
	set(&cfg.Garmin.Email, "GARMIN_EMAIL")
	set(&cfg.Garmin.Password, "GARMIN_PASSWORD")
	set(&cfg.Fitbit.ClientID, "FITBIT_CLIENT_ID")
	set(&cfg.Fitbit.ClientSecret, "FITBIT_CLIENT_SECRET")
	set(&cfg.Omron.Email, "OMRON_EMAIL")
	set(&cfg.Omron.Password, "OMRON_PASSWORD")
	set(&cfg.Omron.CountryCode, "OMRON_COUNTRY_CODE")
	if v := os.Getenv("OMRON_USER_NUMBER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Omron.UserNumber = n
		}
	}
	set(&cfg.Timezone, "TZ")
	set(&cfg.TokenDir, "TOKEN_DIR")
	set(&cfg.Store.Backend, "STATE_BACKEND")
	set(&cfg.Store.Path, "STATE_PATH")
	set(&cfg.Store.DSN, "STATE_DSN")
	if v := os.Getenv("STATE_TABLE"); v != "" {
		if cfg.Store.DynamoDB == nil {
			cfg.Store.DynamoDB = &types.DynamoDBConfig{}
		}
		cfg.Store.DynamoDB.TableName = v
	}
	if v := os.Getenv("STATUS_ADDR"); v != "" {
		if cfg.Server == nil {
			cfg.Server = &types.ServerConfig{}
		}
		cfg.Server.Addr = v
	}
	set(&cfg.Log.Level, "LOG_LEVEL")
	set(&cfg.Log.Format, "LOG_FORMAT")
}

func validate(cfg *types.Config) error {
	if _, err := time.ParseDuration(cfg.SyncInterval); err != nil {
		return fmt.Errorf("syncInterval %q is not a duration", cfg.SyncInterval)
	}
	if cfg.RunLockTTL != "" {
		if _, err := time.ParseDuration(cfg.RunLockTTL); err != nil {
			return fmt.Errorf("runLockTtl %q is not a duration", cfg.RunLockTTL)
		}
	}

	switch cfg.Store.Backend {
	case "", "file", "sqlite":
	case "dynamodb":
		if cfg.Store.DynamoDB == nil || cfg.Store.DynamoDB.TableName == "" {
			return fmt.Errorf("store.dynamodb.tableName is required when backend is dynamodb")
		}
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", cfg.Log.Format)
	}

	for svc, rl := range cfg.RateLimits {
		if rl.Rate <= 0 || rl.Burst <= 0 {
			return fmt.Errorf("rate limit for %s must have positive rate and burst", svc)
		}
	}
	for metric, b := range cfg.Bounds {
		if _, ok := types.MetricSource(metric); !ok {
			return fmt.Errorf("bounds for unknown metric type %q", metric)
		}
		if b.Min >= b.Max {
			return fmt.Errorf("bounds for %s: min must be below max", metric)
		}
	}

	for _, n := range cfg.Notify {
		switch n.Type {
		case types.NotifyConsole:
		case types.NotifyFile:
			if n.Path == "" {
				return fmt.Errorf("file notifier requires a path")
			}
		case types.NotifyWebhook:
			if n.URL == "" {
				return fmt.Errorf("webhook notifier requires a url")
			}
		case types.NotifySNS:
			if n.TopicARN == "" {
				return fmt.Errorf("sns notifier requires a topic ARN")
			}
		default:
			return fmt.Errorf("unknown notifier type %q", n.Type)
		}
	}
	return nil
}

// SyncInterval returns the parsed run interval.
func SyncInterval(cfg *types.Config) time.Duration {
	d, err := time.ParseDuration(cfg.SyncInterval)
	if err != nil || d <= 0 {
		return DefaultSyncInterval
	}
	return d
}

// RunLockTTL returns the parsed run lock TTL.
func RunLockTTL(cfg *types.Config) time.Duration {
	d, err := time.ParseDuration(cfg.RunLockTTL)
	if err != nil || d <= 0 {
		return store.DefaultRunLockTTL
	}
	return d
}

// Location returns the display timezone, falling back to UTC. Watermark
// comparisons never use it.
func Location(cfg *types.Config) *time.Location {
	if cfg.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
