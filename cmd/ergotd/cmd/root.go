// Package cmd provides the command-line interface for ergotd.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ergotd",
	Short: "ergotd runs a standalone ergot network node.",
	Long: `ergotd loads a NodeConfig TOML file, attaches the configured ` +
		`links, and runs a PNA network node until interrupted.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
