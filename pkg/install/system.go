package install

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

// AptPackages are the OS packages a bot host needs.
var AptPackages = []string{"git", "python3", "python3-venv", "python3-pip", "sqlite3", "logrotate", "openssh-client"}

const DefaultPythonConstraint = ">= 3.9"

// Runner builds commands. Swapped in tests.
type Runner func(ctx context.Context, name string, args ...string) *exec.Cmd

func aptEnv(cmd *exec.Cmd) *exec.Cmd {
	cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	return cmd
}

// InstallAptPackages refreshes the package index and installs pkgs.
func InstallAptPackages(ctx context.Context, run Runner, pkgs []string, log botdeploy.SubLogger) error {
	log.Progress(10).Log("Updating package index")
	if err := log.RunCmd(aptEnv(run(ctx, "apt-get", "update"))); err != nil {
		return fmt.Errorf("apt-get update: %w", err)
	}

	log.Progress(40).Logf("Installing %s", strings.Join(pkgs, " "))
	args := append([]string{"install", "-y", "--no-install-recommends"}, pkgs...)
	if err := log.RunCmd(aptEnv(run(ctx, "apt-get", args...))); err != nil {
		return fmt.Errorf("apt-get install: %w", err)
	}
	log.Progress(100).Log("OS packages installed")
	return nil
}

var pythonVersion = regexp.MustCompile(`Python\s+(\d+\.\d+(?:\.\d+)?)`)

// ParsePythonVersion reads the output of python --version.
func ParsePythonVersion(out string) (*semver.Version, error) {
	m := pythonVersion.FindStringSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("unrecognised python version output %q", strings.TrimSpace(out))
	}
	return semver.NewVersion(m[1])
}

// CheckPython verifies the interpreter satisfies constraint.
func CheckPython(ctx context.Context, run Runner, python string, constraint string) (*semver.Version, error) {
	out, err := run(ctx, python, "--version").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s --version: %w", python, err)
	}
	v, err := ParsePythonVersion(string(out))
	if err != nil {
		return nil, err
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid python constraint %q: %w", constraint, err)
	}
	if !c.Check(v) {
		return v, fmt.Errorf("python %s does not satisfy %s", v, constraint)
	}
	return v, nil
}

// asOwner prefixes a sudo hop to run as the service user.
func asOwner(owner botdeploy.Owner, name string, args ...string) (string, []string) {
	if owner.Name == "" || owner.UID == 0 {
		return name, args
	}
	return "sudo", append([]string{"-u", owner.Name, "-H", name}, args...)
}

// CreateVenv creates the virtual environment as the owner.
func CreateVenv(ctx context.Context, run Runner, inst *botdeploy.Installation, log botdeploy.SubLogger) error {
	name, args := asOwner(inst.Owner, inst.Config.Python, "-m", "venv", inst.VenvDir())
	if err := log.RunCmd(run(ctx, name, args...)); err != nil {
		return fmt.Errorf("failed to create virtual environment %s: %w", inst.VenvDir(), err)
	}
	return nil
}
