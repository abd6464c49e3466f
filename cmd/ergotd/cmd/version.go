package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags; it defaults to "dev" for a
// plain `go build`/`go run`.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print ergotd's version.",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
