// Package notify delivers finished-run reports to configured destinations.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// Notifier is a run report destination.
type Notifier interface {
	Notify(ctx context.Context, result types.RunResult) error
	Name() string
}

// Dispatcher fans a finished run out to every configured notifier. Targets
// receive runs with failures; OnSuccess targets receive every run.
type Dispatcher struct {
	targets []target
	logger  *slog.Logger
}

type target struct {
	notifier  Notifier
	onSuccess bool
}

// NewDispatcher builds a dispatcher from notification configs.
func NewDispatcher(configs []types.NotifyConfig, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger}
	for _, cfg := range configs {
		n, err := newNotifier(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("creating %s notifier: %w", cfg.Type, err)
		}
		d.targets = append(d.targets, target{notifier: n, onSuccess: cfg.OnSuccess})
	}
	return d, nil
}

// Dispatch delivers the result to every matching notifier. Delivery
// failures are logged and swallowed; a run never fails on its report.
func (d *Dispatcher) Dispatch(ctx context.Context, result types.RunResult) {
	for _, t := range d.targets {
		if result.Status == types.RunSucceeded && !t.onSuccess {
			continue
		}
		if err := t.notifier.Notify(ctx, result); err != nil {
			d.logger.Warn("run notification failed",
				"notifier", t.notifier.Name(), "runId", result.RunID, "error", err)
		}
	}
}

func newNotifier(cfg types.NotifyConfig, logger *slog.Logger) (Notifier, error) {
	switch cfg.Type {
	case types.NotifyConsole:
		return NewConsole(logger), nil
	case types.NotifyFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file notifier needs a path")
		}
		return NewFile(cfg.Path)
	case types.NotifyWebhook:
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook notifier needs a url")
		}
		return NewWebhook(cfg.URL, cfg.Secret), nil
	case types.NotifySNS:
		if cfg.TopicARN == "" {
			return nil, fmt.Errorf("sns notifier needs a topic ARN")
		}
		return NewSNS(cfg.TopicARN)
	default:
		return nil, fmt.Errorf("unknown notify type %q", cfg.Type)
	}
}
