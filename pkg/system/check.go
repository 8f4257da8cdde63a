package system

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

// UpdateInfo is the result of a dry update check.
type UpdateInfo struct {
	Branch          string
	LocalHead       string
	RemoteHead      string
	UpdateAvailable bool
	LastChecked     time.Time
}

// UpdateChecker fetches the remote branch and compares it with the local
// head. The working tree and the service are never touched.
type UpdateChecker struct {
	OpenVCS botdeploy.VCSOpener
	Log     *logrus.Logger
	now     func() time.Time
}

func NewUpdateChecker(vcs botdeploy.VCSOpener, log *logrus.Logger) UpdateChecker {
	return UpdateChecker{
		OpenVCS: vcs,
		Log:     log,
		now:     time.Now,
	}
}

// CheckForUpdates holds the installation lock for the fetch, since it
// writes to the repository's remote-tracking refs.
func (t UpdateChecker) CheckForUpdates(ctx context.Context, inst *botdeploy.Installation) (UpdateInfo, error) {
	now := t.now
	if now == nil {
		now = time.Now
	}
	info := UpdateInfo{Branch: inst.Config.Branch, LastChecked: now()}

	lock, err := AcquireLock(inst)
	if err != nil {
		return info, err
	}
	defer lock.Release()

	if t.OpenVCS == nil {
		return info, botdeploy.FetchError(fmt.Errorf("no version control backend"))
	}
	repo, err := t.OpenVCS(inst.CodeDir())
	if err != nil {
		return info, botdeploy.FetchError(fmt.Errorf("failed to open repository: %w", err))
	}
	info.LocalHead, _ = repo.Head(ctx)

	t.Log.WithFields(logrus.Fields{"service": inst.Config.ServiceName, "branch": inst.Config.Branch}).Debug("Fetching remote")
	fetchCtx, cancel := context.WithTimeout(ctx, inst.Config.FetchTimeout)
	err = repo.Fetch(fetchCtx)
	cancel()
	if err != nil {
		return info, botdeploy.FetchError(err)
	}
	info.RemoteHead, _ = repo.RemoteHead(ctx)

	upToDate, err := repo.UpToDate(ctx)
	if err != nil {
		return info, botdeploy.FetchError(fmt.Errorf("failed to compare with remote: %w", err))
	}
	info.UpdateAvailable = !upToDate
	return info, nil
}
