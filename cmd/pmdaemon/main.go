// Package main is the entry point for the pmdaemon CLI.
package main

import (
	"os"

	"github.com/scalytics/pmdaemon/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
