package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scalytics/pmdaemon/internal/config"
	"github.com/scalytics/pmdaemon/internal/orchestrator"
	"github.com/scalytics/pmdaemon/internal/scheduler"
)

var catchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Run report jobs whose slot passed today without a marker",
	RunE:  runCatchUp,
}

func init() {
	catchupCmd.Flags().Bool("execute", false, "Run one execution cycle afterwards")
}

func runCatchUp(cmd *cobra.Command, args []string) error {
	execute, _ := cmd.Flags().GetBool("execute")
	w := cmd.OutOrStdout()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	lock := scheduler.NewFileLock(cfg.Paths.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("pmdaemon (pid %d) is running and catches up on its own", lock.Holder())
	}
	defer lock.Unlock()

	o, err := orchestrator.Open(cfg)
	if err != nil {
		return err
	}
	defer o.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ran := o.CatchUp(ctx)
	if len(ran) == 0 {
		fmt.Fprintln(w, "Nothing to catch up.")
	}
	for _, name := range ran {
		fmt.Fprintf(w, "%s %s\n", mark(true), name)
	}
	if !execute {
		return nil
	}
	sum, err := o.Execute(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Executed %d of %d claimed actions (%d failed)\n", sum.Executed, sum.Claimed, sum.Failed)
	return nil
}
