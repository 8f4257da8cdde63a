package version

import (
	"runtime"
	"time"

	"github.com/carlmjohnson/versioninfo"
)

type VersionInfoGit struct {
	Commit string    `json:"commit"`
	Dirty  bool      `json:"dirty"`
	Time   time.Time `json:"time"`
}

type VersionInfo struct {
	Release string         `json:"release"`
	Go      string         `json:"go"`
	Git     VersionInfoGit `json:"git"`
}

// Release is stamped at build time with -ldflags "-X .../version.Release=v1.2.3".
var Release = ""

func GetVersion() *VersionInfo {
	release := Release
	if release == "" {
		release = versioninfo.Version
	}

	return &VersionInfo{
		Release: release,
		Go:      runtime.Version(),
		Git: VersionInfoGit{
			Commit: versioninfo.Revision,
			Dirty:  versioninfo.DirtyBuild,
			Time:   versioninfo.LastCommit,
		},
	}
}
