package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/config"
	"github.com/scalytics/pmdaemon/internal/orchestrator"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pmdaemon %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts and the scheduled-jobs ledger",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output machine-readable JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	w := cmd.OutOrStdout()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	op, err := openOperator(cfg)
	if err != nil {
		return err
	}
	defer op.Close()

	st, err := op.Status()
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	printHeader(w, "📊 pmdaemon Status")
	fmt.Fprintf(w, "Version:  %s\n", version)
	path, _ := config.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "Config:   %s Found (%s)\n", mark(true), path)
	} else {
		fmt.Fprintf(w, "Config:   %s Not found (defaults and env only)\n", mark(false))
	}
	fmt.Fprintf(w, "Execution: %s\n", map[bool]string{true: "paused", false: "active"}[st.Paused])
	fmt.Fprintf(w, "Processed events: %d\n", st.Processed)
	printQueue(w, st)
	if len(st.Jobs) > 0 {
		fmt.Fprintln(w, "Jobs:")
		for _, j := range st.Jobs {
			fmt.Fprintf(w, "  %-16s %-16s runs=%d last=%s\n",
				j.JobName, j.LastStatus, j.RunCount, j.LastRunAt.Local().Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}

func printQueue(w io.Writer, st orchestrator.Status) {
	statuses := make([]string, 0, len(st.Queue))
	for s := range st.Queue {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fmt.Fprintln(w, "Queue:")
	if len(statuses) == 0 {
		fmt.Fprintln(w, "  empty")
	}
	for _, s := range statuses {
		fmt.Fprintf(w, "  %-16s %d\n", s, st.Queue[action.Status(s)])
	}
}
