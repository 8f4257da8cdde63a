package cmd

import (
	"fmt"

	"github.com/dogeorg/botdeploy/pkg/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Get botctl version information",
	Run: func(cmd *cobra.Command, args []string) {
		version := version.GetVersion()

		fmt.Printf("botctl Release: %s\n", version.Release)
		fmt.Printf("Go: %s\n", version.Go)
		fmt.Printf("Git: %s\n", version.Git.Commit)
		if !version.Git.Time.IsZero() {
			fmt.Printf("Committed: %s\n", version.Git.Time.Format("2006-01-02 15:04:05 MST"))
		}
		fmt.Printf("Dirty: %t\n", version.Git.Dirty)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
