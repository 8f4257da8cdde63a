package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dogeorg/botdeploy/pkg/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded update attempts, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := history.Open(cfg.HistoryDB)
		exitOnError(log, err, "Failed to open history")
		defer store.Close()

		entries, err := store.List(context.Background(), cfg.ServiceName, limit)
		exitOnError(log, err, "Failed to read history")

		if len(entries) == 0 {
			fmt.Println("No update attempts recorded")
			return
		}

		fmt.Printf("%-20s %-20s %-8s %-4s %-23s %-16s %s\n", "STARTED", "RESULT", "TOOK", "EXIT", "HEADS", "SNAPSHOT", "ERROR")
		fmt.Printf("%s\n", strings.Repeat("-", 110))
		for _, e := range entries {
			errText := e.Error
			if i := strings.IndexByte(errText, '\n'); i >= 0 {
				errText = errText[:i] + " ..."
			}
			fmt.Printf("%-20s %-20s %-8s %-4d %-23s %-16s %s\n",
				e.StartedAt.Local().Format("2006-01-02 15:04:05"),
				e.Result,
				e.Duration().Round(time.Second),
				e.ExitCode,
				shortHash(e.LocalHead)+" -> "+shortHash(e.RemoteHead),
				e.SnapshotID,
				errText,
			)
		}
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntP("limit", "n", 20, "Number of attempts to show (0 for all)")
}
