package pip

import (
	"context"
	"os/exec"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

func newTestPip(owner botdeploy.Owner) (*Pip, *test.Hook) {
	cfg := botdeploy.DefaultConfig("helpbot")
	inst := botdeploy.NewInstallation(cfg)
	inst.Owner = owner

	log, hook := test.NewNullLogger()
	return New(inst, botdeploy.NewActionLogger("a", "helpbot", log).Step("dependencies")), hook
}

func TestArgsRunAsOwner(t *testing.T) {
	p, _ := newTestPip(botdeploy.Owner{Name: "bot", UID: 1001, GID: 1001})

	name, args := p.args("install", "-r", "/opt/helpbot/bot/requirements-linux.txt")

	assert.Equal(t, "sudo", name)
	assert.Equal(t, []string{
		"-u", "bot", "-H",
		"/opt/helpbot/venv/bin/python", "-m", "pip", "--disable-pip-version-check", "--no-input",
		"install", "-r", "/opt/helpbot/bot/requirements-linux.txt",
	}, args)
}

func TestArgsWithoutOwner(t *testing.T) {
	p, _ := newTestPip(botdeploy.Owner{})

	name, args := p.args("install", "--upgrade", "pip")

	assert.Equal(t, "/opt/helpbot/venv/bin/python", name)
	assert.Equal(t, []string{"-m", "pip", "--disable-pip-version-check", "--no-input", "install", "--upgrade", "pip"}, args)
}

// recordCommand replaces the python invocation with echo so the arguments
// come back through the step log.
func recordCommand(calls *[][]string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		*calls = append(*calls, append([]string{name}, args...))
		return exec.CommandContext(ctx, "echo", args...)
	}
}

func TestInstallStreamsOutput(t *testing.T) {
	p, hook := newTestPip(botdeploy.Owner{})
	var calls [][]string
	p.command = recordCommand(&calls)

	require.NoError(t, p.UpgradeSelf(context.Background()))
	require.NoError(t, p.Install(context.Background(), "/tmp/req.txt"))

	require.Len(t, calls, 2)
	assert.Equal(t, "install", calls[0][5])
	assert.Equal(t, []string{"install", "-r", "/tmp/req.txt"}, calls[1][5:])

	last := hook.LastEntry()
	assert.Equal(t, "-m pip --disable-pip-version-check --no-input install -r /tmp/req.txt", last.Message)
	assert.Equal(t, "dependencies", last.Data["step"])
}

func TestInstallFailure(t *testing.T) {
	p, _ := newTestPip(botdeploy.Owner{})
	p.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo 'ERROR: No matching distribution' >&2; exit 1")
	}

	err := p.Install(context.Background(), "/tmp/req.txt")

	var exitErr *exec.ExitError
	assert.ErrorAs(t, err, &exitErr)
	assert.ErrorContains(t, err, "pip [install -r /tmp/req.txt]")
}

func TestInstallCancelled(t *testing.T) {
	p, _ := newTestPip(botdeploy.Owner{})
	p.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sleep", "5")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Install(ctx, "/tmp/req.txt")

	assert.ErrorIs(t, err, context.Canceled)
}

func TestFactoryReturnsPip(t *testing.T) {
	inst := botdeploy.NewInstallation(botdeploy.DefaultConfig("helpbot"))
	log, _ := test.NewNullLogger()

	installer := Factory(inst, botdeploy.NewActionLogger("a", "helpbot", log).Step("dependencies"))

	_, ok := installer.(*Pip)
	assert.True(t, ok)
}
