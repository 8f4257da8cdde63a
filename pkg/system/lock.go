package system

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"golang.org/x/sys/unix"
)

// InstallLock is an advisory flock scoped to one Installation. A second
// botctl against the same root fails fast instead of interleaving.
type InstallLock struct {
	path string
	f    *os.File
}

func AcquireLock(inst *botdeploy.Installation) (*InstallLock, error) {
	path := inst.LockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, botdeploy.PreconditionError("lock", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, botdeploy.PreconditionError("lock", fmt.Errorf("failed to open lock file: %w", err))
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, botdeploy.PreconditionError("lock", botdeploy.ErrLocked)
		}
		return nil, botdeploy.PreconditionError("lock", fmt.Errorf("flock %s: %w", path, err))
	}

	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	return &InstallLock{path: path, f: f}, nil
}

// Release drops the lock. The file itself stays; removing it would race a
// waiting process that already opened it.
func (t *InstallLock) Release() error {
	if t == nil || t.f == nil {
		return nil
	}
	err := unix.Flock(int(t.f.Fd()), unix.LOCK_UN)
	if cerr := t.f.Close(); err == nil {
		err = cerr
	}
	t.f = nil
	return err
}
