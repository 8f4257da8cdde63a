package botdeploy

import (
	"path/filepath"
)

const (
	CodeDirName = "bot"
	VenvDirName = "venv"
	LockName    = ".botctl.lock"
)

// Owner is the non-privileged identity the service runs as.
type Owner struct {
	Name string
	UID  int
	GID  int
	Home string
}

// Installation is the handle every component works against. Nothing in
// botdeploy reads the process working directory.
type Installation struct {
	Config Config
	Owner  Owner
}

func NewInstallation(cfg Config) *Installation {
	return &Installation{Config: cfg}
}

func (t *Installation) Root() string {
	return t.Config.Root
}

func (t *Installation) CodeDir() string {
	return filepath.Join(t.Config.Root, CodeDirName)
}

func (t *Installation) VenvDir() string {
	return filepath.Join(t.Config.Root, VenvDirName)
}

func (t *Installation) LockPath() string {
	return filepath.Join(t.Config.Root, LockName)
}

// SnapshotRoot is the per-service directory that holds snapshots.
func (t *Installation) SnapshotRoot() string {
	return t.Config.BackupRoot
}

// Path resolves a path relative to the code directory.
func (t *Installation) Path(rel string) string {
	return filepath.Join(t.CodeDir(), rel)
}

func (t *Installation) SecretsPath() string {
	return t.Path(t.Config.SecretsFile)
}

func (t *Installation) CredentialsPath() string {
	return t.Path(t.Config.CredentialsFile)
}

func (t *Installation) DataStorePath() string {
	return t.Path(t.Config.DataStore)
}

func (t *Installation) LogsPath() string {
	return t.Path(t.Config.LogsDir)
}

func (t *Installation) CanonicalManifestPath() string {
	return t.Path(t.Config.CanonicalManifest)
}

func (t *Installation) PlatformManifestPath() string {
	return t.Path(t.Config.PlatformManifest)
}

func (t *Installation) PythonPath() string {
	return filepath.Join(t.VenvDir(), "bin", "python")
}

func (t *Installation) Unit() string {
	return t.Config.UnitName()
}

// StateItem is one piece of mutable operational state the snapshot keeps.
type StateItem struct {
	Name  string
	Rel   string
	IsDir bool
}

// StateItems lists the optional items captured before the code tree, in
// capture order.
func (t *Installation) StateItems() []StateItem {
	return []StateItem{
		{Name: ItemSecrets, Rel: t.Config.SecretsFile},
		{Name: ItemCredentials, Rel: t.Config.CredentialsFile},
		{Name: ItemDataStore, Rel: t.Config.DataStore},
		{Name: ItemLogs, Rel: t.Config.LogsDir, IsDir: true},
	}
}
