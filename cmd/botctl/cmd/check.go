package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/system"
	"github.com/dogeorg/botdeploy/pkg/vcs"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Fetch and report whether an update is available",
	Long: `Fetch the remote branch and compare it with the deployed head without
stopping the service or touching the code. With --exit-code the command
exits 2 when an update is available.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)
		exitCode, _ := cmd.Flags().GetBool("exit-code")
		inst := botdeploy.NewInstallation(cfg)

		checker := system.NewUpdateChecker(vcs.Opener(vcs.OptionsFromConfig(cfg)), log)
		info, err := checker.CheckForUpdates(context.Background(), inst)
		exitOnError(log, err, "Update check failed")

		if !info.UpdateAvailable {
			fmt.Printf("Up to date at %s (%s)\n", shortHash(info.LocalHead), info.Branch)
			return
		}
		fmt.Printf("Update available on %s: %s -> %s\n", info.Branch, shortHash(info.LocalHead), shortHash(info.RemoteHead))
		if exitCode {
			os.Exit(2)
		}
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().Bool("exit-code", false, "Exit 2 when an update is available")
	checkCmd.Flags().String("branch", "", "Remote branch to follow (default main)")
	checkCmd.Flags().Duration("fetch-timeout", 0, "Bound on the remote fetch (default 2m)")
}
