package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scalytics/pmdaemon/internal/config"
	"github.com/scalytics/pmdaemon/internal/gateway"
	"github.com/scalytics/pmdaemon/internal/orchestrator"
	"github.com/scalytics/pmdaemon/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon: ingest, plan, gate and execute on schedule",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	printHeader(cmd.OutOrStdout(), "🚀 pmdaemon")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	setupLogging(cfg.Log)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}

	lock := scheduler.NewFileLock(cfg.Paths.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another pmdaemon (pid %d) holds %s", lock.Holder(), cfg.Paths.LockPath)
	}
	defer lock.Unlock()

	o, err := orchestrator.Open(cfg)
	if err != nil {
		return err
	}
	defer o.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	if cfg.Server.Enabled {
		gw := gateway.New(cfg, o)
		go func() { errCh <- gw.Run(ctx) }()
	}
	go func() { errCh <- o.Run(ctx) }()

	// The first failure ends the daemon; a clean shutdown waits for both loops.
	pending := 1
	if cfg.Server.Enabled {
		pending = 2
	}
	var errs []error
	for ; pending > 0; pending-- {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
			stop()
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("pmdaemon stopped", "error", err)
		return err
	}
	slog.Info("pmdaemon stopped")
	return nil
}
