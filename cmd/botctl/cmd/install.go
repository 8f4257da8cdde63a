package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/install"
	"github.com/dogeorg/botdeploy/pkg/pip"
	"github.com/dogeorg/botdeploy/pkg/service"
	"github.com/dogeorg/botdeploy/pkg/system"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Provision a new bot installation",
	Long: `Install OS packages, generate and register a deploy key, clone the
repository, create the virtual environment, install dependencies and set
up the systemd unit and logrotate policy. Safe to re-run.

With GITHUB_TOKEN set the deploy key is registered through the GitHub API,
otherwise it is printed and botctl waits for confirmation.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup(cmd)
		inst := botdeploy.NewInstallation(cfg)
		ctx := context.Background()

		svc, err := service.New(ctx, cfg.SystemdBackend)
		exitOnError(log, err, "Failed to connect to the service manager")
		defer svc.Close()

		yes, _ := cmd.Flags().GetBool("yes")
		skipApt, _ := cmd.Flags().GetBool("skip-apt")
		group, _ := cmd.Flags().GetString("group")
		constraint, _ := cmd.Flags().GetString("python-constraint")
		configPath, _ := cmd.Flags().GetString("config")
		if configPath == "" {
			configPath = botdeploy.DefaultConfigPath(cfg.ServiceName)
		}

		installer := install.NewInstaller(system.NewGuard(), svc, pip.Factory, log, install.Options{
			AssumeYes:        yes,
			SkipApt:          skipApt,
			GitHubToken:      os.Getenv("GITHUB_TOKEN"),
			PythonConstraint: constraint,
			ConfigPath:       configPath,
			Group:            group,
		})

		if err := installer.Install(ctx, inst); err != nil {
			log.WithError(err).Error("Install failed")
			fmt.Printf("\nInstall failed: %v\nRe-run botctl install once the problem is fixed.\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n%s installed in %s and running as %s\n", cfg.ServiceName, inst.Root(), inst.Owner.Name)
	},
}

func init() {
	rootCmd.AddCommand(installCmd)

	installCmd.Flags().String("remote", "", "Repository to deploy (ssh URL)")
	installCmd.Flags().String("branch", "", "Branch to deploy (default main)")
	installCmd.Flags().String("group", "", "Group for the unit and log files (default: the owner's name)")
	installCmd.Flags().String("python-constraint", install.DefaultPythonConstraint, "Required python version")
	installCmd.Flags().Duration("grace", 0, "How long the service must stay active after start (default 5s)")
	installCmd.Flags().Duration("install-timeout", 0, "Bound on the dependency install (default 15m)")
	installCmd.Flags().BoolP("yes", "y", false, "Do not wait for deploy key confirmation")
	installCmd.Flags().Bool("skip-apt", false, "Do not install OS packages")
}
