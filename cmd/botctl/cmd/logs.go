package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/system"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the bot's log file",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)
		lines, _ := cmd.Flags().GetInt("lines")
		follow, _ := cmd.Flags().GetBool("follow")
		stderr, _ := cmd.Flags().GetBool("errors")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tailer := system.NewLogTailer(botdeploy.NewInstallation(cfg))
		ch, err := tailer.GetChan(ctx, stderr, lines, follow)
		exitOnError(log, err, "Failed to read logs")

		for line := range ch {
			fmt.Println(line)
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntP("lines", "n", 50, "Number of trailing lines to print (0 for all)")
	logsCmd.Flags().BoolP("follow", "f", false, "Keep printing new lines")
	logsCmd.Flags().Bool("errors", false, "Read the stderr log instead of stdout")
}
