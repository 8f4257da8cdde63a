package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/history"
	"github.com/dogeorg/botdeploy/pkg/service"
	"github.com/dogeorg/botdeploy/pkg/system"
	"github.com/dogeorg/botdeploy/pkg/utils"
	"github.com/dogeorg/botdeploy/pkg/vcs"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service, code and snapshot status",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)
		inst := botdeploy.NewInstallation(cfg)
		ctx := context.Background()

		fmt.Printf("Service:  %s\n", inst.Unit())
		svc, err := service.New(ctx, cfg.SystemdBackend)
		exitOnError(log, err, "Failed to connect to the service manager")
		defer svc.Close()

		st, err := svc.Status(ctx, inst.Unit())
		if err != nil {
			fmt.Printf("State:    unknown (%v)\n", err)
		} else {
			fmt.Printf("State:    %s (%s)\n", st.ActiveState, st.SubState)
			if st.MainPID != 0 {
				printProcess(ctx, st.MainPID)
			}
		}

		fmt.Printf("Root:     %s\n", inst.Root())
		if repo, err := vcs.Open(inst.CodeDir(), vcs.OptionsFromConfig(cfg)); err != nil {
			fmt.Printf("Head:     unavailable (%v)\n", err)
		} else if head, err := repo.Head(ctx); err == nil {
			fmt.Printf("Head:     %s (%s)\n", shortHash(head), cfg.Branch)
		}

		snapshots := system.NewSnapshotManager(cfg.BackupRoot, nil)
		if latest, err := snapshots.Latest(); err != nil {
			fmt.Printf("Snapshot: unavailable (%v)\n", err)
		} else if latest == nil {
			fmt.Printf("Snapshot: none\n")
		} else {
			fmt.Printf("Snapshot: %s (%s ago)\n", latest.Path, time.Since(latest.CreatedAt).Round(time.Second))
		}

		if store, err := history.Open(cfg.HistoryDB); err == nil {
			defer store.Close()
			if last, err := store.Last(ctx, cfg.ServiceName); err == nil && last != nil {
				fmt.Printf("Last:     %s at %s (exit %d)\n", last.Result, last.StartedAt.Format(time.RFC3339), last.ExitCode)
			}
		}
	},
}

func printProcess(ctx context.Context, pid uint32) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		fmt.Printf("PID:      %d\n", pid)
		return
	}
	fmt.Printf("PID:      %d\n", pid)
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		fmt.Printf("Memory:   %s\n", utils.PrettyPrintDiskSize(int64(mem.RSS)))
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		fmt.Printf("CPU:      %.1f%%\n", cpu)
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		fmt.Printf("Uptime:   %s\n", time.Since(time.UnixMilli(created)).Round(time.Second))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
