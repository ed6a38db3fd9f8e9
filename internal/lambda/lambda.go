// Package lambda wires the migration engine for AWS Lambda, where an
// EventBridge schedule replaces the long-running watcher.
package lambda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

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
	"github.com/LawrenceBeran/Metrics2Garmin/internal/transform"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// RunEvent is the Lambda input. A scheduled invocation sends an empty
// event; a manual invoke may name its trigger.
type RunEvent struct {
	Trigger string `json:"trigger,omitempty"`
}

// RunOutput is the invocation record: enough to read an outcome from the
// console without chasing logs.
type RunOutput struct {
	RunID       string          `json:"runId,omitempty"`
	Status      types.RunStatus `json:"status,omitempty"`
	Fetched     int             `json:"fetched"`
	Uploaded    int             `json:"uploaded"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	Duration    string          `json:"duration,omitempty"`
	Busy        bool            `json:"busy,omitempty"`
	HolderRunID string          `json:"holderRunId,omitempty"`
}

// Runner executes one migration run. Satisfied by engine.Engine.
type Runner interface {
	Run(ctx context.Context, trigger types.RunTrigger) (types.RunResult, error)
}

// Deps holds the shared dependencies built once per cold start.
type Deps struct {
	Store    store.Store
	Engine   *engine.Engine
	Reporter *report.Reporter
	Logger   *slog.Logger
}

// Init builds the migration runtime from the environment. The store must be
// DynamoDB: watermarks on the ephemeral Lambda filesystem would reset on
// every cold start and re-upload the whole history.
// Reads: STATE_TABLE (required), STATE_REGION, SNS_TOPIC_ARN, CONFIG_PATH,
// plus the credential variables the config package already understands.
func Init(ctx context.Context) (*Deps, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(ctx, os.Getenv("CONFIG_PATH"))
	if err != nil {
		return nil, err
	}

	cfg.Store.Backend = "dynamodb"
	if cfg.Store.DynamoDB == nil {
		cfg.Store.DynamoDB = &types.DynamoDBConfig{}
	}
	if cfg.Store.DynamoDB.TableName == "" {
		return nil, fmt.Errorf("STATE_TABLE environment variable required")
	}
	if region := os.Getenv("STATE_REGION"); region != "" {
		cfg.Store.DynamoDB.Region = region
	}

	// /tmp is the only writable filesystem in Lambda.
	if os.Getenv("TOKEN_DIR") == "" {
		cfg.TokenDir = "/tmp/metrics2garmin"
	}

	st, err := ddbstore.New(cfg.Store.DynamoDB, cfg.RunLogLimit)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

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
	if len(sources) == 0 {
		return nil, fmt.Errorf("no source credentials configured: set fitbit and/or omron credentials")
	}
	if cfg.Garmin.Email == "" || cfg.Garmin.Password == "" {
		return nil, fmt.Errorf("garmin credentials are required")
	}
	sink := garmin.New(garmin.Config{
		Email:    cfg.Garmin.Email,
		Password: cfg.Garmin.Password,
		TokenDir: cfg.TokenDir,
	})

	if arn := os.Getenv("SNS_TOPIC_ARN"); arn != "" {
		cfg.Notify = append(cfg.Notify, types.NotifyConfig{Type: types.NotifySNS, TopicARN: arn})
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
	eng := engine.New(engine.Options{
		Store:      st,
		Sources:    sources,
		Sink:       sink,
		Guards:     ratelimit.NewSet(cfg.RateLimits),
		Normalizer: transform.New(cfg.Bounds),
		Retry:      retry,
		LockTTL:    config.RunLockTTL(cfg),
		Logger:     logger.With("component", "engine"),
		ResultFn:   reporter.Record,
	})

	return &Deps{
		Store:    st,
		Engine:   eng,
		Reporter: reporter,
		Logger:   logger,
	}, nil
}

// Handle executes one migration run for an invocation. A held run lock is a
// skip, not a failure: an error here would make the schedule retry straight
// into the same lock.
func Handle(ctx context.Context, runner Runner, evt RunEvent) (RunOutput, error) {
	trigger := types.TriggerScheduled
	if evt.Trigger != "" {
		trigger = types.RunTrigger(evt.Trigger)
	}

	result, err := runner.Run(ctx, trigger)
	if err != nil {
		var busy *types.RunAlreadyInProgressError
		if errors.As(err, &busy) {
			return RunOutput{Busy: true, HolderRunID: busy.HolderRunID}, nil
		}
		return RunOutput{}, err
	}

	fetched, uploaded, skipped, failed := result.Totals()
	return RunOutput{
		RunID:    result.RunID,
		Status:   result.Status,
		Fetched:  fetched,
		Uploaded: uploaded,
		Skipped:  skipped,
		Failed:   failed,
		Duration: result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond).String(),
	}, nil
}
