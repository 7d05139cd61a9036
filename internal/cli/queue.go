package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/config"
)

var (
	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Review actions waiting for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	queueListCmd = &cobra.Command{
		Use:   "list",
		Short: "List PENDING actions",
		RunE:  runQueueList,
	}

	queueApproveCmd = &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a PENDING action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecision(cmd, args[0], true)
		},
	}

	queueRejectCmd = &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a PENDING action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecision(cmd, args[0], false)
		},
	}
)

func init() {
	queueListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueApproveCmd)
	queueCmd.AddCommand(queueRejectCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	op, err := openOperator(cfg)
	if err != nil {
		return err
	}
	defer op.Close()

	pending, err := op.Pending()
	if err != nil {
		return err
	}
	return printPending(cmd.OutOrStdout(), pending, asJSON)
}

func printPending(w io.Writer, pending []action.Action, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(pending)
	}
	if len(pending) == 0 {
		_, err := fmt.Fprintln(w, "No actions awaiting approval.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tCONF\tCREATED\tRATIONALE")
	for _, a := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\n",
			a.ID, a.Kind, a.Confidence, a.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(a.Rationale, 60))
	}
	return tw.Flush()
}

func runDecision(cmd *cobra.Command, id string, approved bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	op, err := openOperator(cfg)
	if err != nil {
		return err
	}
	defer op.Close()

	a, err := op.Respond(id, approved)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) -> %s\n", mark(approved), a.ID, a.Kind, a.Status)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
