package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

var rootCmd = &cobra.Command{
	Use:   "botctl",
	Short: "Install, update and roll back a bot service",
	Long: `botctl manages one bot installation: a git checkout under <root>/bot,
a virtual environment under <root>/venv and a systemd unit. Updates are
snapshotted first and dependency failures are rolled back.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringP("service", "s", "bot", "Service name (systemd unit and installation identity)")
	f.StringP("config", "c", "", "Config file (default /etc/botdeploy/<service>.yaml)")
	f.String("root", "", "Installation root (default /opt/<service>)")
	f.String("backup-root", "", "Snapshot directory (default /var/backups/<service>)")
	f.String("owner", "", "User the service runs as (default: the sudo-invoking user)")
	f.String("systemd-backend", "", "dbus or systemctl")
	f.String("log-file", "", "Rotated log file")
	f.String("history-db", "", "Update history database")
	f.BoolP("verbose", "v", false, "Debug logging")
	f.Bool("json-logs", false, "Log as JSON")
}

// loadConfig layers flags on top of LoadConfig. Only flags the user set
// override the file and environment.
func loadConfig(cmd *cobra.Command) (botdeploy.Config, error) {
	flags := cmd.Flags()
	service, _ := flags.GetString("service")
	path, _ := flags.GetString("config")

	cfg, err := botdeploy.LoadConfig(service, path)
	if err != nil {
		return cfg, err
	}
	if flags.Changed("service") {
		cfg.ServiceName = service
	}

	strFlags := map[string]*string{
		"root":            &cfg.Root,
		"backup-root":     &cfg.BackupRoot,
		"owner":           &cfg.Owner,
		"systemd-backend": &cfg.SystemdBackend,
		"log-file":        &cfg.LogFile,
		"history-db":      &cfg.HistoryDB,
		"remote":          &cfg.RemoteURL,
		"branch":          &cfg.Branch,
	}
	for name, dest := range strFlags {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dest, _ = flags.GetString(name)
		}
	}

	durFlags := map[string]*time.Duration{
		"grace":           &cfg.HealthGrace,
		"fetch-timeout":   &cfg.FetchTimeout,
		"install-timeout": &cfg.InstallTimeout,
	}
	for name, dest := range durFlags {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dest, _ = flags.GetDuration(name)
		}
	}

	if flags.Changed("verbose") {
		cfg.Verbose, _ = flags.GetBool("verbose")
	}
	if flags.Changed("json-logs") {
		cfg.JSONLogs, _ = flags.GetBool("json-logs")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setup loads config and the logger, or exits.
func setup(cmd *cobra.Command) (botdeploy.Config, *logrus.Logger) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg, botdeploy.NewLogger(cfg)
}

func exitOnError(log *logrus.Logger, err error, msg string) {
	if err == nil {
		return
	}
	log.WithError(err).Error(msg)
	os.Exit(1)
}
