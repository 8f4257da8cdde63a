package pip

import (
	"context"
	"fmt"
	"os/exec"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

// Pip installs into the Installation's virtual environment as the owning
// user, so nothing in the venv ends up owned by root.
type Pip struct {
	python string
	owner  botdeploy.Owner
	log    botdeploy.SubLogger
	// command builds the process; swapped in tests.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func New(inst *botdeploy.Installation, log botdeploy.SubLogger) *Pip {
	return &Pip{
		python:  inst.PythonPath(),
		owner:   inst.Owner,
		log:     log,
		command: exec.CommandContext,
	}
}

// Factory is New as a botdeploy.PackageInstallerFactory.
func Factory(inst *botdeploy.Installation, log botdeploy.SubLogger) botdeploy.PackageInstaller {
	return New(inst, log)
}

// args prefixes a sudo hop when the owner is an unprivileged user.
func (t *Pip) args(pipArgs ...string) (string, []string) {
	args := append([]string{t.python, "-m", "pip", "--disable-pip-version-check", "--no-input"}, pipArgs...)
	if t.owner.Name == "" || t.owner.UID == 0 {
		return args[0], args[1:]
	}
	return "sudo", append([]string{"-u", t.owner.Name, "-H"}, args...)
}

func (t *Pip) run(ctx context.Context, pipArgs ...string) error {
	name, args := t.args(pipArgs...)
	cmd := t.command(ctx, name, args...)
	if err := t.log.RunCmd(cmd); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("pip %v: %w", pipArgs, ctx.Err())
		}
		return fmt.Errorf("pip %v: %w", pipArgs, err)
	}
	return nil
}

func (t *Pip) UpgradeSelf(ctx context.Context) error {
	return t.run(ctx, "install", "--upgrade", "pip")
}

func (t *Pip) Install(ctx context.Context, manifestPath string) error {
	return t.run(ctx, "install", "-r", manifestPath)
}
