package install

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/service"
	"github.com/dogeorg/botdeploy/pkg/system"
	"github.com/dogeorg/botdeploy/pkg/utils"
	"github.com/dogeorg/botdeploy/pkg/vcs"
)

// Options tweak an install run.
type Options struct {
	AssumeYes        bool
	SkipApt          bool
	GitHubToken      string
	PythonConstraint string
	ConfigPath       string
	Group            string
}

// Installer provisions a fresh Installation end to end. Unlike update it
// is not transactional; every step is idempotent so a failed install is
// fixed by running it again.
type Installer struct {
	Guard    system.Guard
	Service  service.Manager
	Packages botdeploy.PackageInstallerFactory
	Log      *logrus.Logger
	Opts     Options

	Run    Runner
	Stdin  io.Reader
	Stdout io.Writer
	GitHub *GitHubClient
}

func NewInstaller(guard system.Guard, svc service.Manager, packages botdeploy.PackageInstallerFactory, log *logrus.Logger, opts Options) *Installer {
	in := &Installer{
		Guard:    guard,
		Service:  svc,
		Packages: packages,
		Log:      log,
		Opts:     opts,
		Run:      exec.CommandContext,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
	}
	if opts.GitHubToken != "" {
		in.GitHub = NewGitHubClient(opts.GitHubToken)
	}
	if in.Opts.PythonConstraint == "" {
		in.Opts.PythonConstraint = DefaultPythonConstraint
	}
	return in
}

func (t *Installer) Install(ctx context.Context, inst *botdeploy.Installation) error {
	alog := botdeploy.NewActionLogger(uuid.NewString(), inst.Config.ServiceName, t.Log)

	log := alog.Step("preflight")
	if t.Guard.Geteuid() != 0 {
		return botdeploy.PreconditionError("privileges", botdeploy.ErrNotPrivileged)
	}
	if inst.Config.RemoteURL == "" {
		return botdeploy.PreconditionError("config", fmt.Errorf("a remote repository URL is required"))
	}
	owner, err := t.Guard.ResolveOwner(inst)
	if err != nil {
		return botdeploy.PreconditionError("owner", err)
	}
	if owner.UID == 0 {
		return botdeploy.PreconditionError("owner", fmt.Errorf("the service must not run as root"))
	}
	inst.Owner = owner
	log.Logf("Installing %s into %s for %s", inst.Config.ServiceName, inst.Root(), owner.Name)

	if !t.Opts.SkipApt {
		if err := InstallAptPackages(ctx, t.Run, AptPackages, alog.Step("packages")); err != nil {
			return err
		}
	}

	log = alog.Step("python")
	v, err := CheckPython(ctx, t.Run, inst.Config.Python, t.Opts.PythonConstraint)
	if err != nil {
		return err
	}
	log.Logf("Using python %s", v)

	if err := t.deployKey(ctx, inst, alog.Step("deploy-key")); err != nil {
		return err
	}

	if err := t.checkout(ctx, inst, alog.Step("clone")); err != nil {
		return err
	}

	log = alog.Step("venv")
	if utils.IsDir(inst.VenvDir()) {
		log.Logf("Virtual environment %s exists", inst.VenvDir())
	} else if err := CreateVenv(ctx, t.Run, inst, log); err != nil {
		return err
	}

	log = alog.Step("dependencies")
	if err := system.RegenerateManifest(inst.CanonicalManifestPath(), inst.PlatformManifestPath()); err != nil {
		return botdeploy.DependencyInstallError("manifest", err)
	}
	pkgs := t.Packages(inst, log)
	installCtx, cancel := context.WithTimeout(ctx, inst.Config.InstallTimeout)
	defer cancel()
	if err := pkgs.UpgradeSelf(installCtx); err != nil {
		return botdeploy.DependencyInstallError("upgrade-installer", err)
	}
	if err := pkgs.Install(installCtx, inst.PlatformManifestPath()); err != nil {
		return botdeploy.DependencyInstallError("install", err)
	}

	log = alog.Step("layout")
	if err := system.EnsureRuntimeDirs(inst); err != nil {
		return err
	}
	if err := utils.ChownTree(inst.CodeDir(), owner.UID, owner.GID); err != nil {
		return fmt.Errorf("failed to chown %s: %w", inst.CodeDir(), err)
	}
	log.Logf("%s owned by %s", inst.CodeDir(), owner.Name)

	if err := t.writeServiceFiles(ctx, inst, alog.Step("systemd")); err != nil {
		return err
	}

	if path := t.Opts.ConfigPath; path != "" {
		if err := botdeploy.SaveConfig(inst.Config, path); err != nil {
			return err
		}
		alog.Step("config").Logf("Wrote %s", path)
	}

	return t.start(ctx, inst, alog.Step("start"))
}

func (t *Installer) deployKey(ctx context.Context, inst *botdeploy.Installation, log botdeploy.SubLogger) error {
	sshDir := filepath.Join(inst.Owner.Home, ".ssh")
	if inst.Config.DeployKey == "" {
		inst.Config.DeployKey = filepath.Join(sshDir, inst.Config.ServiceName+"_deploy_ed25519")
	}
	if inst.Config.KnownHosts == "" {
		inst.Config.KnownHosts = filepath.Join(sshDir, "known_hosts")
	}

	host, err := RemoteHost(inst.Config.RemoteURL)
	if err != nil {
		return err
	}

	pub, created, err := EnsureDeployKey(inst.Config.DeployKey, fmt.Sprintf("%s@%s", inst.Config.ServiceName, hostname()), inst.Owner)
	if err != nil {
		return err
	}
	if created {
		log.Logf("Generated deploy key %s", inst.Config.DeployKey)
	} else {
		log.Logf("Using existing deploy key %s", inst.Config.DeployKey)
	}

	log.Progress(30).Logf("Scanning host key of %s", host)
	key, err := ScanHostKey(host, 15*time.Second)
	if err != nil {
		return err
	}
	added, err := AddKnownHost(inst.Config.KnownHosts, host, key)
	if err != nil {
		return err
	}
	if added {
		_ = os.Lchown(inst.Config.KnownHosts, inst.Owner.UID, inst.Owner.GID)
		log.Logf("Added %s to %s", host, inst.Config.KnownHosts)
	}

	log.Progress(60).Log("Registering deploy key")
	if t.GitHub != nil {
		owner, repo, err := ParseGitHubURL(inst.Config.RemoteURL)
		if err != nil {
			return err
		}
		k, err := t.GitHub.AddDeployKey(ctx, owner, repo, fmt.Sprintf("%s (%s)", inst.Config.ServiceName, hostname()), pub)
		if err != nil {
			return err
		}
		log.Progress(100).Logf("Deploy key %d registered on %s/%s", k.ID, owner, repo)
		return nil
	}

	fmt.Fprintf(t.Stdout, "\nAdd this read-only deploy key to the repository:\n\n%s\n\n", pub)
	if t.Opts.AssumeYes {
		return nil
	}
	fmt.Fprint(t.Stdout, "Press Enter once the key is registered...")
	if _, err := bufio.NewReader(t.Stdin).ReadString('\n'); err != nil && err != io.EOF {
		return fmt.Errorf("failed to read confirmation: %w", err)
	}
	return nil
}

func (t *Installer) checkout(ctx context.Context, inst *botdeploy.Installation, log botdeploy.SubLogger) error {
	if err := os.MkdirAll(inst.Root(), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", inst.Root(), err)
	}
	if err := os.Lchown(inst.Root(), inst.Owner.UID, inst.Owner.GID); err != nil {
		return fmt.Errorf("failed to chown %s: %w", inst.Root(), err)
	}

	if utils.IsDir(filepath.Join(inst.CodeDir(), ".git")) {
		log.Logf("%s is already a checkout, leaving it", inst.CodeDir())
		return nil
	}

	log.Progress(10).Logf("Cloning %s (%s)", inst.Config.RemoteURL, inst.Config.Branch)
	progress := botdeploy.NewLineWriter(func(s string) { log.Log(s) })
	_, err := vcs.Clone(ctx, inst.Config.RemoteURL, inst.CodeDir(), vcs.OptionsFromConfig(inst.Config), progress)
	progress.Flush()
	if err != nil {
		return err
	}
	log.Progress(100).Log("Clone complete")
	return nil
}

func (t *Installer) writeServiceFiles(ctx context.Context, inst *botdeploy.Installation, log botdeploy.SubLogger) error {
	unit, err := RenderUnit(inst, t.Opts.Group)
	if err != nil {
		return err
	}
	changed, err := writeGenerated(UnitPath(inst), unit)
	if err != nil {
		return err
	}
	if changed {
		log.Logf("Wrote %s", UnitPath(inst))
	}

	rotate, err := RenderLogrotate(inst, t.Opts.Group)
	if err != nil {
		return err
	}
	if _, err := writeGenerated(LogrotatePath(inst), rotate); err != nil {
		return err
	}
	log.Logf("Wrote %s", LogrotatePath(inst))

	if err := t.Service.DaemonReload(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if err := t.Service.Enable(ctx, inst.Unit()); err != nil {
		return err
	}
	log.Progress(100).Logf("%s enabled", inst.Unit())
	return nil
}

func (t *Installer) start(ctx context.Context, inst *botdeploy.Installation, log botdeploy.SubLogger) error {
	unit := inst.Unit()
	if err := t.Service.ReloadOrRestart(ctx, unit); err != nil {
		return botdeploy.PostActionHealthError(unit, err)
	}
	healthy, err := service.WaitHealthy(ctx, t.Service, unit, inst.Config.HealthGrace)
	if err != nil || !healthy {
		if lines, lerr := service.RecentLogs(ctx, unit); lerr == nil {
			for _, l := range lines {
				log.Err(l)
			}
		}
		return botdeploy.PostActionHealthError(unit, err)
	}
	log.Progress(100).Logf("%s is active", unit)
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
