package system

import (
	"context"
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

// newTestInstallation lays out a small but complete Installation under a
// temp dir: code, secrets, credentials, data store, logs and a venv.
func newTestInstallation(t *testing.T) *botdeploy.Installation {
	t.Helper()
	base := t.TempDir()

	u, err := user.Current()
	require.NoError(t, err)

	cfg := botdeploy.DefaultConfig("helpbot")
	cfg.Root = filepath.Join(base, "opt", "helpbot")
	cfg.BackupRoot = filepath.Join(base, "backups")
	cfg.Owner = u.Username
	cfg.HealthGrace = 0

	inst := botdeploy.NewInstallation(cfg)
	owner, err := toOwner(u)
	require.NoError(t, err)
	inst.Owner = owner

	mustWriteFile(t, inst.Path("main.py"), "print('hello')\n")
	mustWriteFile(t, inst.Path("handlers/admin.py"), "ADMINS = []\n")
	mustWriteFile(t, inst.CanonicalManifestPath(), "aiogram==3.4.1\r\npywin32==306\nSQLAlchemy==2.0.25  \n")
	mustWriteFile(t, inst.SecretsPath(), "BOT_TOKEN=123:abc\n")
	mustWriteFile(t, inst.CredentialsPath(), `{"type":"service_account"}`)
	mustWriteFile(t, inst.DataStorePath(), "SQLite format 3\x00")
	mustWriteFile(t, filepath.Join(inst.LogsPath(), "helpbot.log"), "started\n")
	require.NoError(t, os.MkdirAll(filepath.Join(inst.VenvDir(), "bin"), 0755))

	return inst
}

func testGuard() Guard {
	return Guard{
		Geteuid:    func() int { return 0 },
		Getenv:     func(string) string { return "" },
		LookupUser: user.Lookup,
		LookupUID:  user.LookupId,
	}
}

func testSubLogger() (botdeploy.SubLogger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return botdeploy.NewActionLogger("test", "helpbot", log).Step("test"), hook
}

func mustWriteFile(t *testing.T, path string, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}

func mustReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

// treeContents maps every regular file and symlink under root to its
// content (or link target) and mode.
func treeContents(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			out[rel] = "link:" + target
		case info.Mode().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			out[rel] = info.Mode().String() + ":" + string(data)
		case info.IsDir() && rel != ".":
			out[rel+"/"] = info.Mode().String()
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

// ============================================================================
// Fakes
// ============================================================================

// fakeService records the calls made against the supervisor.
type fakeService struct {
	calls     []string
	active    bool
	stopErr   error
	startErr  error
	crashes   bool
	statusErr error
}

func (f *fakeService) Stop(ctx context.Context, unit string) error {
	f.calls = append(f.calls, "stop")
	if f.stopErr != nil {
		return f.stopErr
	}
	f.active = false
	return nil
}

func (f *fakeService) Start(ctx context.Context, unit string) error {
	f.calls = append(f.calls, "start")
	if f.startErr != nil {
		return f.startErr
	}
	f.active = !f.crashes
	return nil
}

func (f *fakeService) IsActive(ctx context.Context, unit string) (bool, error) {
	f.calls = append(f.calls, "is-active")
	return f.active, f.statusErr
}

func (f *fakeService) Status(ctx context.Context, unit string) (botdeploy.UnitStatus, error) {
	state := "inactive"
	if f.active {
		state = "active"
	}
	return botdeploy.UnitStatus{Unit: unit, ActiveState: state}, f.statusErr
}

func (f *fakeService) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// fakeVCS stands in for git. apply runs against the real code directory so
// tests can model what a checkout does to the tree.
type fakeVCS struct {
	codeDir  string
	head     string
	remote   string
	upToDate bool
	fetchErr error
	applyErr error
	apply    func(codeDir string) error
	calls    []string
}

func (f *fakeVCS) Fetch(ctx context.Context) error {
	f.calls = append(f.calls, "fetch")
	return f.fetchErr
}

func (f *fakeVCS) UpToDate(ctx context.Context) (bool, error) {
	f.calls = append(f.calls, "up-to-date")
	return f.upToDate, nil
}

func (f *fakeVCS) Apply(ctx context.Context) error {
	f.calls = append(f.calls, "apply")
	if f.apply != nil {
		if err := f.apply(f.codeDir); err != nil {
			return err
		}
	}
	if f.applyErr != nil {
		return f.applyErr
	}
	f.head = f.remote
	return nil
}

func (f *fakeVCS) Head(ctx context.Context) (string, error) {
	return f.head, nil
}

func (f *fakeVCS) RemoteHead(ctx context.Context) (string, error) {
	return f.remote, nil
}

func (f *fakeVCS) Status(ctx context.Context) (string, error) {
	return "## main\n M main.py\n", nil
}

func (f *fakeVCS) Diff(ctx context.Context) (string, error) {
	return "--- a/main.py\n+++ b/main.py\n", nil
}

func (f *fakeVCS) opener() botdeploy.VCSOpener {
	return func(codeDir string) (botdeploy.VCS, error) {
		f.codeDir = codeDir
		return f, nil
	}
}

func unavailableVCS(codeDir string) (botdeploy.VCS, error) {
	return nil, errors.New("not a git repository")
}

// fakePackages records installs.
type fakePackages struct {
	upgradeErr error
	installErr error
	manifests  []string
	upgraded   int
	// factoryHook runs when the updater asks for the installer.
	factoryHook func()
}

func (f *fakePackages) UpgradeSelf(ctx context.Context) error {
	f.upgraded++
	return f.upgradeErr
}

func (f *fakePackages) Install(ctx context.Context, manifestPath string) error {
	f.manifests = append(f.manifests, manifestPath)
	return f.installErr
}

func (f *fakePackages) factory() botdeploy.PackageInstallerFactory {
	return func(inst *botdeploy.Installation, log botdeploy.SubLogger) botdeploy.PackageInstaller {
		if f.factoryHook != nil {
			f.factoryHook()
		}
		return f
	}
}

// fakeRecorder keeps recorded outcomes.
type fakeRecorder struct {
	outcomes []botdeploy.Outcome
	err      error
}

func (f *fakeRecorder) RecordAttempt(ctx context.Context, out botdeploy.Outcome) error {
	f.outcomes = append(f.outcomes, out)
	return f.err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsLine(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.Contains(h, needle) {
			return true
		}
	}
	return false
}
