package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/history"
	"github.com/dogeorg/botdeploy/pkg/pip"
	"github.com/dogeorg/botdeploy/pkg/service"
	"github.com/dogeorg/botdeploy/pkg/system"
	"github.com/dogeorg/botdeploy/pkg/vcs"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update the bot to the remote branch, rolling back on failure",
	Long: `Snapshot the installation, stop the service, fetch and fast-forward the
code, regenerate the platform manifest and reinstall dependencies. A
dependency failure restores the code tree from the snapshot. The service is
always started again and health checked.

Exit status is 0 when the bot was updated or already up to date and is
running, 1 otherwise.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runUpdate(cmd))
	},
}

// runUpdate returns the exit code so deferred cleanup runs before exit.
func runUpdate(cmd *cobra.Command) int {
	cfg, log := setup(cmd)
	inst := botdeploy.NewInstallation(cfg)
	ctx := context.Background()

	svc, err := service.New(ctx, cfg.SystemdBackend)
	if err != nil {
		log.WithError(err).Error("Failed to connect to the service manager")
		return 1
	}
	defer svc.Close()

	var recorder system.AttemptRecorder
	if store, err := history.Open(cfg.HistoryDB); err != nil {
		log.Warnf("History disabled: %v", err)
	} else {
		defer store.Close()
		recorder = store
	}

	opener := vcs.Opener(vcs.OptionsFromConfig(cfg))
	snapshots := system.NewSnapshotManager(cfg.BackupRoot, opener)
	updater := system.NewUpdater(system.NewGuard(), snapshots, svc, opener, pip.Factory, recorder, log)
	out := updater.Run(ctx, inst)

	printOutcome(out)
	return out.ExitCode
}

func printOutcome(out botdeploy.Outcome) {
	a := out.Attempt
	fmt.Printf("\nResult:   %s\n", a.Result)
	if a.LocalHead != "" || a.RemoteHead != "" {
		fmt.Printf("Heads:    %s -> %s\n", shortHash(a.LocalHead), shortHash(a.RemoteHead))
	}
	if a.Snapshot != nil {
		fmt.Printf("Snapshot: %s\n", a.Snapshot.Path)
	}
	fmt.Printf("Took:     %s\n", a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond))
	if a.Err != nil {
		fmt.Printf("Error:    %v\n", a.Err)
	}
	for _, d := range out.Diagnostics {
		fmt.Printf("  - %s\n", d)
	}
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	if h == "" {
		return "-"
	}
	return h
}

func init() {
	rootCmd.AddCommand(updateCmd)

	updateCmd.Flags().Duration("grace", 0, "How long the service must stay active after start (default 5s)")
	updateCmd.Flags().Duration("fetch-timeout", 0, "Bound on the remote fetch (default 2m)")
	updateCmd.Flags().Duration("install-timeout", 0, "Bound on the dependency install (default 15m)")
	updateCmd.Flags().String("branch", "", "Remote branch to follow (default main)")
}
