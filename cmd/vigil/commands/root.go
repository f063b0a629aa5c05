// Package commands implements the vigil CLI commands using cobra.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Priority task runner and hook engine for developer tooling",
	Long: `Vigil runs background maintenance tasks and lifecycle hooks declared in
a manifest (vigil.manifest.yaml by default).

Tasks run in isolated processes with timeouts and retries, ordered by
dependency and priority. Hooks run in priority tiers; a failing critical or
high tier stops the tiers below it.

Exit codes: 0 all work succeeded, 1 something failed or timed out,
2 a configuration or dependency error prevented execution.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", exitErr.err)
		}
		os.Exit(exitErr.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(exitFailure)
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
}
