package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/system"
	"github.com/dogeorg/botdeploy/pkg/utils"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect and prune pre-update snapshots",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, oldest first",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)
		sm := system.NewSnapshotManager(cfg.BackupRoot, nil)

		refs, err := sm.ListSnapshots()
		exitOnError(log, err, "Failed to list snapshots")

		if len(refs) == 0 {
			fmt.Printf("No snapshots in %s\n", cfg.BackupRoot)
			return
		}

		fmt.Printf("%-20s %-20s %-10s %-10s %s\n", "ID", "CREATED", "HEAD", "SIZE", "ITEMS")
		fmt.Printf("%-20s %-20s %-10s %-10s %s\n", strings.Repeat("-", 20), strings.Repeat("-", 20), strings.Repeat("-", 10), strings.Repeat("-", 10), strings.Repeat("-", 5))
		for _, ref := range refs {
			var size int64
			names := []string{}
			for _, item := range ref.Items {
				size += item.Size
				names = append(names, item.Name)
			}
			fmt.Printf("%-20s %-20s %-10s %-10s %s\n",
				ref.ID,
				ref.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				shortHash(ref.Head),
				utils.PrettyPrintDiskSize(size),
				strings.Join(names, ","),
			)
		}
	},
}

var snapshotsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old snapshots",
	Long: `Keep the newest --keep snapshots and delete the rest that are older
than --older-than. With --older-than 0 everything beyond --keep goes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)
		keep, _ := cmd.Flags().GetInt("keep")
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		inst := botdeploy.NewInstallation(cfg)
		lock, err := system.AcquireLock(inst)
		exitOnError(log, err, "Cannot prune while another botctl operation is running")
		defer lock.Release()

		sm := system.NewSnapshotManager(cfg.BackupRoot, nil)
		removed, err := sm.PruneSnapshots(keep, olderThan)
		for _, id := range removed {
			fmt.Printf("removed %s\n", id)
		}
		exitOnError(log, err, "Failed to prune snapshots")
		if len(removed) == 0 {
			fmt.Println("Nothing to prune")
		}
	},
}

var snapshotsExportCmd = &cobra.Command{
	Use:   "export <id> <file.tar.gz>",
	Short: "Write a snapshot to a gzipped tarball",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)
		sm := system.NewSnapshotManager(cfg.BackupRoot, nil)

		ref, err := sm.GetSnapshot(args[0])
		exitOnError(log, err, "Unknown snapshot")
		exitOnError(log, sm.ExportSnapshot(*ref, args[1]), "Failed to export snapshot")
		fmt.Printf("exported %s to %s\n", ref.ID, args[1])
	},
}

var snapshotsImportCmd = &cobra.Command{
	Use:   "import <file.tar.gz>",
	Short: "Add an exported snapshot back to the backup root",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)

		inst := botdeploy.NewInstallation(cfg)
		lock, err := system.AcquireLock(inst)
		exitOnError(log, err, "Cannot import while another botctl operation is running")
		defer lock.Release()

		sm := system.NewSnapshotManager(cfg.BackupRoot, nil)
		ref, err := sm.ImportSnapshot(args[0])
		exitOnError(log, err, "Failed to import snapshot")
		fmt.Printf("imported %s into %s\n", ref.ID, ref.Path)
	},
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(snapshotsExportCmd)
	snapshotsCmd.AddCommand(snapshotsImportCmd)
	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsPruneCmd)

	snapshotsPruneCmd.Flags().Int("keep", 5, "Number of newest snapshots to always keep")
	snapshotsPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "Only delete snapshots older than this")
}
