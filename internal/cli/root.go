package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/scalytics/pmdaemon/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"                     _\n" +
		"  _ __  _ __ ___   __| | __ _  ___ _ __ ___   ___  _ __\n" +
		" | '_ \\| '_ ` _ \\ / _` |/ _` |/ _ \\ '_ ` _ \\ / _ \\| '_ \\\n" +
		" | |_) | | | | | | (_| | (_| |  __/ | | | | | (_) | | | |\n" +
		" | .__/|_| |_| |_|\\__,_|\\__,_|\\___|_| |_| |_|\\___/|_| |_|\n" +
		" |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "pmdaemon",
	Short: "pmdaemon - propose-then-act project manager daemon",
	Long:  color.CyanString(logo) + "\nWatches team channels, plans actions and executes them behind an approval gate.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(catchupCmd)
	rootCmd.AddCommand(doctorCmd)
}
