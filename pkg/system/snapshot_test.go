package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestCreateSnapshotCapturesEverything(t *testing.T) {
	inst := newTestInstallation(t)
	vcs := &fakeVCS{head: "abc123"}
	sm := NewSnapshotManager(inst.Config.BackupRoot, vcs.opener())
	sm.now = fixedClock(time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC))
	log, _ := testSubLogger()

	ref, err := sm.CreateSnapshot(context.Background(), inst, log)
	require.NoError(t, err)

	assert.Equal(t, "20260504-103000", ref.ID)
	assert.Equal(t, filepath.Join(inst.Config.BackupRoot, ref.ID), ref.Path)
	assert.Equal(t, "abc123", ref.Head)
	assert.Equal(t, "helpbot", ref.Service)

	for _, name := range []string{botdeploy.ItemSecrets, botdeploy.ItemCredentials, botdeploy.ItemDataStore, botdeploy.ItemLogs, botdeploy.ItemCode} {
		assert.True(t, ref.Has(name), "missing %s", name)
	}

	assert.Equal(t, "BOT_TOKEN=123:abc\n", mustReadFile(t, filepath.Join(ref.StatePath(), ".env")))
	assert.Equal(t, `{"type":"service_account"}`, mustReadFile(t, filepath.Join(ref.StatePath(), "credentials", "credentials.json")))
	assert.Equal(t, "started\n", mustReadFile(t, filepath.Join(ref.StatePath(), "logs", "helpbot.log")))
	assert.Equal(t, treeContents(t, inst.CodeDir()), treeContents(t, ref.CodePath()))

	assert.Equal(t, "## main\n M main.py\n", mustReadFile(t, ref.StatusPath()))
	assert.Contains(t, mustReadFile(t, ref.DiffPath()), "+++ b/main.py")
	assert.FileExists(t, filepath.Join(ref.Path, botdeploy.SnapshotManifestFile))
}

func TestCreateSnapshotRecordsChecksums(t *testing.T) {
	inst := newTestInstallation(t)
	sm := NewSnapshotManager(inst.Config.BackupRoot, nil)
	log, _ := testSubLogger()

	ref, err := sm.CreateSnapshot(context.Background(), inst, log)
	require.NoError(t, err)

	for _, item := range ref.Items {
		if item.IsDir {
			assert.Empty(t, item.Sha256, item.Name)
			continue
		}
		assert.Len(t, item.Sha256, 64, item.Name)
	}
}

func TestCreateSnapshotSkipsMissingOptionalItems(t *testing.T) {
	inst := newTestInstallation(t)
	require.NoError(t, os.Remove(inst.CredentialsPath()))
	require.NoError(t, os.Remove(inst.DataStorePath()))
	require.NoError(t, os.RemoveAll(inst.LogsPath()))

	sm := NewSnapshotManager(inst.Config.BackupRoot, nil)
	log, hook := testSubLogger()

	ref, err := sm.CreateSnapshot(context.Background(), inst, log)
	require.NoError(t, err)

	assert.True(t, ref.Has(botdeploy.ItemSecrets))
	assert.True(t, ref.Has(botdeploy.ItemCode))
	assert.False(t, ref.Has(botdeploy.ItemCredentials))
	assert.False(t, ref.Has(botdeploy.ItemDataStore))
	assert.False(t, ref.Has(botdeploy.ItemLogs))

	skipped := 0
	for _, e := range hook.AllEntries() {
		if len(e.Message) > 3 && e.Message[:3] == "No " {
			skipped++
		}
	}
	assert.Equal(t, 3, skipped)
}

func TestCreateSnapshotWithoutVCSWritesPlaceholders(t *testing.T) {
	inst := newTestInstallation(t)
	sm := NewSnapshotManager(inst.Config.BackupRoot, unavailableVCS)
	log, _ := testSubLogger()

	ref, err := sm.CreateSnapshot(context.Background(), inst, log)
	require.NoError(t, err)

	assert.Empty(t, ref.Head)
	assert.Contains(t, mustReadFile(t, ref.StatusPath()), "version control unavailable: not a git repository")
	assert.Contains(t, mustReadFile(t, ref.DiffPath()), "version control unavailable")
}

func TestCreateSnapshotFailsWithoutCodeTree(t *testing.T) {
	inst := newTestInstallation(t)
	require.NoError(t, os.RemoveAll(inst.CodeDir()))
	sm := NewSnapshotManager(inst.Config.BackupRoot, nil)
	log, _ := testSubLogger()

	_, err := sm.CreateSnapshot(context.Background(), inst, log)

	require.Error(t, err)
	assert.True(t, botdeploy.IsKind(err, botdeploy.KindSnapshot))

	// no half-written snapshot is left behind
	entries, err := os.ReadDir(inst.Config.BackupRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateSnapshotSameSecondGetsSuffix(t *testing.T) {
	inst := newTestInstallation(t)
	sm := NewSnapshotManager(inst.Config.BackupRoot, nil)
	sm.now = fixedClock(time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC))
	log, _ := testSubLogger()

	first, err := sm.CreateSnapshot(context.Background(), inst, log)
	require.NoError(t, err)
	second, err := sm.CreateSnapshot(context.Background(), inst, log)
	require.NoError(t, err)

	assert.Equal(t, "20260504-103000", first.ID)
	assert.Equal(t, "20260504-103000-1", second.ID)
}

func TestGetSnapshotRejectsEscapingIDs(t *testing.T) {
	sm := NewSnapshotManager(t.TempDir(), nil)

	_, err := sm.GetSnapshot("../etc")
	assert.ErrorContains(t, err, "invalid snapshot id")

	_, err = sm.GetSnapshot("a/b")
	assert.ErrorContains(t, err, "invalid snapshot id")
}

func TestListSnapshotsIgnoresIncomplete(t *testing.T) {
	inst := newTestInstallation(t)
	sm := NewSnapshotManager(inst.Config.BackupRoot, nil)
	log, _ := testSubLogger()

	_, err := sm.CreateSnapshot(context.Background(), inst, log)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(inst.Config.BackupRoot, "20200101-000000", "code"), 0700))

	refs, err := sm.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestListSnapshotsMissingRoot(t *testing.T) {
	sm := NewSnapshotManager(filepath.Join(t.TempDir(), "nope"), nil)

	refs, err := sm.ListSnapshots()

	require.NoError(t, err)
	assert.Empty(t, refs)

	latest, err := sm.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func createSnapshotsAt(t *testing.T, sm *SnapshotManager, inst *botdeploy.Installation, times ...time.Time) []botdeploy.SnapshotRef {
	t.Helper()
	log, _ := testSubLogger()
	refs := []botdeploy.SnapshotRef{}
	for _, at := range times {
		sm.now = fixedClock(at)
		ref, err := sm.CreateSnapshot(context.Background(), inst, log)
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	return refs
}

func TestListSnapshotsOldestFirstAndLatest(t *testing.T) {
	inst := newTestInstallation(t)
	sm := NewSnapshotManager(inst.Config.BackupRoot, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	created := createSnapshotsAt(t, sm, inst, base.Add(2*time.Hour), base, base.Add(time.Hour))

	refs, err := sm.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, created[1].ID, refs[0].ID)
	assert.Equal(t, created[2].ID, refs[1].ID)
	assert.Equal(t, created[0].ID, refs[2].ID)

	latest, err := sm.Latest()
	require.NoError(t, err)
	assert.Equal(t, created[0].ID, latest.ID)
}

func TestPruneSnapshotsKeepsNewest(t *testing.T) {
	inst := newTestInstallation(t)
	sm := NewSnapshotManager(inst.Config.BackupRoot, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	created := createSnapshotsAt(t, sm, inst, base, base.Add(24*time.Hour), base.Add(48*time.Hour), base.Add(72*time.Hour))

	sm.now = fixedClock(base.Add(100 * 24 * time.Hour))
	removed, err := sm.PruneSnapshots(2, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{created[0].ID, created[1].ID}, removed)

	refs, err := sm.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, created[2].ID, refs[0].ID)
	assert.NoDirExists(t, created[0].Path)
}

func TestPruneSnapshotsSparesRecent(t *testing.T) {
	inst := newTestInstallation(t)
	sm := NewSnapshotManager(inst.Config.BackupRoot, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	created := createSnapshotsAt(t, sm, inst, base, base.Add(20*24*time.Hour), base.Add(22*24*time.Hour))

	sm.now = fixedClock(base.Add(25 * 24 * time.Hour))
	removed, err := sm.PruneSnapshots(1, 14*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{created[0].ID}, removed)
}

func TestPruneSnapshotsRejectsNegativeKeep(t *testing.T) {
	sm := NewSnapshotManager(t.TempDir(), nil)

	_, err := sm.PruneSnapshots(-1, 0)

	assert.Error(t, err)
}
