package system

import (
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

func TestAcquireLockIsExclusive(t *testing.T) {
	inst := newTestInstallation(t)

	first, err := AcquireLock(inst)
	require.NoError(t, err)

	_, err = AcquireLock(inst)
	assert.ErrorIs(t, err, botdeploy.ErrLocked)

	require.NoError(t, first.Release())

	again, err := AcquireLock(inst)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquireLockWritesPid(t *testing.T) {
	inst := newTestInstallation(t)

	lock, err := AcquireLock(inst)
	require.NoError(t, err)
	defer lock.Release()

	data, err := os.ReadFile(inst.LockPath())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))
}

func TestReleaseIsIdempotent(t *testing.T) {
	inst := newTestInstallation(t)

	lock, err := AcquireLock(inst)
	require.NoError(t, err)

	assert.NoError(t, lock.Release())
	assert.NoError(t, lock.Release())

	var nilLock *InstallLock
	assert.NoError(t, nilLock.Release())
}
