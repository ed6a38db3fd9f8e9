// Package commands implements the CLI subcommands for the metrics2garmin binary.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/config"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/engine"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/notify"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/ratelimit"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/report"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/service/fitbit"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/service/garmin"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/service/omron"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	ddbstore "github.com/LawrenceBeran/Metrics2Garmin/internal/store/dynamodb"
	filestore "github.com/LawrenceBeran/Metrics2Garmin/internal/store/file"
	sqlitestore "github.com/LawrenceBeran/Metrics2Garmin/internal/store/sqlite"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/transform"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// rootOptions carries the global flag values shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// loadConfig loads the configuration and applies the global CLI overrides.
func loadConfig(ctx context.Context, opts *rootOptions) (*types.Config, error) {
	cfg, err := config.Load(ctx, opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	return cfg, nil
}

// newLogger builds the process logger from the log configuration and installs
// it as the slog default. It writes to stderr so that JSON command output on
// stdout stays machine-readable.
func newLogger(cfg *types.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	hopts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, hopts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// newStore creates the configured watermark store backend.
func newStore(cfg *types.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "file":
		return filestore.New(filestore.Config{Path: cfg.Store.Path, RunLogLimit: cfg.RunLogLimit}), nil
	case "sqlite":
		return sqlitestore.New(sqlitestore.Config{DSN: cfg.Store.DSN, RunLogLimit: cfg.RunLogLimit}), nil
	case "dynamodb":
		if cfg.Store.DynamoDB == nil {
			return nil, fmt.Errorf("dynamodb config is required when backend is dynamodb")
		}
		return ddbstore.New(cfg.Store.DynamoDB, cfg.RunLogLimit)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}
}

// buildSources creates a client for every source whose credentials are
// configured. Sources without credentials are left out rather than failing,
// so a Fitbit-only or Omron-only deployment works unchanged.
func buildSources(cfg *types.Config) map[types.Source]service.Source {
	sources := make(map[types.Source]service.Source)
	if cfg.Fitbit.ClientID != "" && cfg.Fitbit.ClientSecret != "" {
		sources[types.SourceFitbit] = fitbit.New(fitbit.Config{
			ClientID:     cfg.Fitbit.ClientID,
			ClientSecret: cfg.Fitbit.ClientSecret,
			TokenDir:     cfg.TokenDir,
		})
	}
	if cfg.Omron.Email != "" && cfg.Omron.Password != "" {
		sources[types.SourceOmron] = omron.New(omron.Config{
			EmailAddress: cfg.Omron.Email,
			Password:     cfg.Omron.Password,
			Country:      cfg.Omron.CountryCode,
			UserNumber:   cfg.Omron.UserNumber,
			TokenDir:     cfg.TokenDir,
		})
	}
	return sources
}

// buildSink creates the Garmin client, or nil when credentials are absent.
func buildSink(cfg *types.Config) service.Sink {
	if cfg.Garmin.Email == "" || cfg.Garmin.Password == "" {
		return nil
	}
	return garmin.New(garmin.Config{
		Email:    cfg.Garmin.Email,
		Password: cfg.Garmin.Password,
		TokenDir: cfg.TokenDir,
	})
}

// runtime bundles the wired migration components the run and serve commands
// share. The store is created but not started.
type runtime struct {
	store    store.Store
	engine   *engine.Engine
	reporter *report.Reporter
	guards   ratelimit.Set
	sources  map[types.Source]service.Source
	sink     service.Sink
}

// buildRuntime wires the engine, reporter and rate limiter set from the
// config. At least one source and the Garmin sink must have credentials.
func buildRuntime(cfg *types.Config, logger *slog.Logger) (*runtime, error) {
	st, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	sources := buildSources(cfg)
	if len(sources) == 0 {
		return nil, fmt.Errorf("no source credentials configured: set fitbit and/or omron credentials")
	}
	sink := buildSink(cfg)
	if sink == nil {
		return nil, fmt.Errorf("garmin credentials are required")
	}

	dispatcher, err := notify.NewDispatcher(cfg.Notify, logger.With("component", "notify"))
	if err != nil {
		return nil, fmt.Errorf("creating notify dispatcher: %w", err)
	}
	reporter := report.New(st, dispatcher, logger.With("component", "report"))

	var retry types.RetryPolicy
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	guards := ratelimit.NewSet(cfg.RateLimits)
	eng := engine.New(engine.Options{
		Store:      st,
		Sources:    sources,
		Sink:       sink,
		Guards:     guards,
		Normalizer: transform.New(cfg.Bounds),
		Retry:      retry,
		LockTTL:    config.RunLockTTL(cfg),
		Logger:     logger.With("component", "engine"),
		ResultFn:   reporter.Record,
	})

	return &runtime{
		store:    st,
		engine:   eng,
		reporter: reporter,
		guards:   guards,
		sources:  sources,
		sink:     sink,
	}, nil
}
