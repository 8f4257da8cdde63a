package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func entryAt(id string, service string, started time.Time, result botdeploy.Result) Entry {
	return Entry{
		ID:         id,
		Service:    service,
		StartedAt:  started,
		FinishedAt: started.Add(42 * time.Second),
		Result:     result,
	}
}

func TestStoreRecordAttempt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	out := botdeploy.Outcome{
		ExitCode: 1,
		Attempt: botdeploy.UpdateAttempt{
			ID:         "a1",
			Service:    "helpbot",
			StartedAt:  started,
			FinishedAt: started.Add(90 * time.Second),
			LocalHead:  "aaaa",
			RemoteHead: "bbbb",
			RolledBack: true,
			Result:     botdeploy.ResultRolledBack,
			Err:        errors.New("dependency_install: install: exit status 1"),
			Snapshot:   &botdeploy.SnapshotRef{ID: "20260601-090000", Path: "/var/backups/helpbot/20260601-090000"},
		},
	}
	require.NoError(t, store.RecordAttempt(ctx, out))

	last, err := store.Last(ctx, "helpbot")
	require.NoError(t, err)
	require.NotNil(t, last)

	assert.Equal(t, "a1", last.ID)
	assert.Equal(t, botdeploy.ResultRolledBack, last.Result)
	assert.Equal(t, 1, last.ExitCode)
	assert.Equal(t, "aaaa", last.LocalHead)
	assert.Equal(t, "bbbb", last.RemoteHead)
	assert.Equal(t, "20260601-090000", last.SnapshotID)
	assert.Equal(t, "/var/backups/helpbot/20260601-090000", last.SnapshotPath)
	assert.True(t, last.RolledBack)
	assert.Equal(t, "dependency_install: install: exit status 1", last.Error)
	assert.True(t, started.Equal(last.StartedAt))
	assert.Equal(t, 90*time.Second, last.Duration())
}

func TestStoreListNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, entryAt("first", "helpbot", base, botdeploy.ResultUpdated)))
	require.NoError(t, store.Insert(ctx, entryAt("third", "helpbot", base.Add(2*time.Hour), botdeploy.ResultNoop)))
	require.NoError(t, store.Insert(ctx, entryAt("second", "helpbot", base.Add(time.Hour), botdeploy.ResultFetchFailed)))
	require.NoError(t, store.Insert(ctx, entryAt("other", "otherbot", base.Add(3*time.Hour), botdeploy.ResultUpdated)))

	entries, err := store.List(ctx, "helpbot", 0)
	require.NoError(t, err)

	ids := []string{}
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"third", "second", "first"}, ids)

	limited, err := store.List(ctx, "helpbot", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStoreEmpty(t *testing.T) {
	store := openTestStore(t)

	entries, err := store.List(context.Background(), "helpbot", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	last, err := store.Last(context.Background(), "helpbot")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestStoreDuplicateID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	e := entryAt("dup", "helpbot", time.Now(), botdeploy.ResultNoop)

	require.NoError(t, store.Insert(ctx, e))
	assert.Error(t, store.Insert(ctx, e))
}

func TestStorePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, entryAt("kept", "helpbot", time.Now(), botdeploy.ResultUpdated)))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	last, err := store.Last(ctx, "helpbot")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "kept", last.ID)
}

func TestStoreInMemory(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Insert(context.Background(), entryAt("m", "helpbot", time.Now(), botdeploy.ResultNoop)))
}

func TestEntryFromOutcomeWithoutSnapshot(t *testing.T) {
	e := EntryFromOutcome(botdeploy.Outcome{
		ExitCode: 1,
		Attempt:  botdeploy.UpdateAttempt{ID: "x", Result: botdeploy.ResultPreconditionFailed},
	})

	assert.Empty(t, e.SnapshotID)
	assert.Empty(t, e.Error)
	assert.Equal(t, botdeploy.ResultPreconditionFailed, e.Result)
}
