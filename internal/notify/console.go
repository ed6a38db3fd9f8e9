package notify

import (
	"context"
	"log/slog"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// Console reports finished runs through the process logger.
type Console struct {
	logger *slog.Logger
}

// NewConsole creates a console notifier.
func NewConsole(logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{logger: logger}
}

// Name returns the notifier identifier.
func (c *Console) Name() string { return "console" }

// Notify logs the run summary, at warn level when anything failed.
func (c *Console) Notify(_ context.Context, result types.RunResult) error {
	fetched, uploaded, skipped, failed := result.Totals()
	attrs := []any{
		"runId", result.RunID,
		"trigger", string(result.Trigger),
		"status", string(result.Status),
		"fetched", fetched,
		"uploaded", uploaded,
		"skipped", skipped,
		"failed", failed,
	}
	if result.Status == types.RunSucceeded {
		c.logger.Info("migration run report", attrs...)
	} else {
		c.logger.Warn("migration run report", attrs...)
	}
	return nil
}
