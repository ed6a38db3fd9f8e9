package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/config"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/health"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/server"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/watcher"
)

// NewServeCmd creates the serve command.
func NewServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the migration scheduler and the status HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
}

func runServe(opts *rootOptions) error {
	ctx := context.Background()

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

	// Scheduler
	w := watcher.New(watcher.Options{
		Runner:     rt.engine,
		Interval:   config.SyncInterval(cfg),
		RunOnStart: true,
		Logger:     logger.With("component", "watcher"),
	})

	// Health probes for /readyz?deep=1
	checker := health.NewRunner(0, health.Checks(rt.store, rt.sources, rt.sink)...)

	// Server
	addr := ":5070"
	var authToken string
	var maxBody int64
	if cfg.Server != nil {
		if cfg.Server.Addr != "" {
			addr = cfg.Server.Addr
		}
		authToken = cfg.Server.AuthToken
		maxBody = cfg.Server.MaxRequestBody
	}
	srv := server.New(server.Options{
		Addr:      addr,
		Store:     rt.store,
		Reporter:  rt.reporter,
		Guards:    rt.guards,
		Health:    checker,
		TriggerFn: w.TriggerRun,
		AuthToken: authToken,
		MaxBody:   maxBody,
		Logger:    logger.With("component", "server"),
	})

	w.Start(ctx)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		color.Yellow("\nReceived %s, shutting down...", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// The server goes first so no trigger arrives while the scheduler drains.
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		w.Stop(shutdownCtx)
		_ = rt.store.Stop(shutdownCtx)
		color.Green("Stopped gracefully")
		return nil
	}
}
