/*
botdeploy internal architecture:

 botctl update drives one Update Attempt against one Installation. The
 attempt is strictly sequential, and each step hands a typed error back to
 the orchestrator, which picks the terminal branch.

   ┌─────────┐   ┌──────────┐   ┌──────┐   ┌─────────────────────────────┐
   │  Guard  ├──►│ Snapshot ├──►│ stop ├──►│ fetch → diff → apply →      │
   │ + lock  │   │ Manager  │   │      │   │ manifest → deps → reconcile │
   └─────────┘   └──────────┘   └──────┘   └──────┬───────────────┬──────┘
                                                  │ ok            │ deps failed
                                                  ▼               ▼
                                              ┌───────┐     ┌──────────┐
                                              │ start │◄────┤ Rollback │
                                              │+health│     └──────────┘
                                              └───────┘

 The collaborators (systemd, git, pip) sit behind the narrow interfaces
 below so the orchestration can be exercised against fakes.

*/

package botdeploy

import (
	"context"
	"path/filepath"
	"time"
)

// ServiceController drives the externally supervised service unit.
type ServiceController interface {
	Stop(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	IsActive(ctx context.Context, unit string) (bool, error)
	Status(ctx context.Context, unit string) (UnitStatus, error)
}

// UnitStatus is what the supervisor reports about a unit.
type UnitStatus struct {
	Unit        string
	ActiveState string
	SubState    string
	MainPID     uint32
}

// VCS is the version-control surface of the code tree. None of the
// operations besides Apply modify the working tree.
type VCS interface {
	Fetch(ctx context.Context) error
	// UpToDate reports whether the local head and the fetched remote
	// target have identical trees.
	UpToDate(ctx context.Context) (bool, error)
	Apply(ctx context.Context) error
	Head(ctx context.Context) (string, error)
	RemoteHead(ctx context.Context) (string, error)
	Status(ctx context.Context) (string, error)
	Diff(ctx context.Context) (string, error)
}

// VCSOpener opens the VCS for a code directory. Snapshots and the
// executor both go through it so tests can swap the backend.
type VCSOpener func(codeDir string) (VCS, error)

// PackageInstaller installs the bot's dependencies into its runtime
// environment.
type PackageInstaller interface {
	UpgradeSelf(ctx context.Context) error
	Install(ctx context.Context, manifestPath string) error
}

// PackageInstallerFactory builds an installer once the owner is resolved.
// Output of the installer goes to log.
type PackageInstallerFactory func(inst *Installation, log SubLogger) PackageInstaller

// SnapshotItem is one captured entry of a snapshot.
type SnapshotItem struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	IsDir  bool   `json:"isDir"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256,omitempty"`
}

// SnapshotRef identifies a completed snapshot on disk.
type SnapshotRef struct {
	Version   int            `json:"version"`
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	Service   string         `json:"service"`
	CodeDir   string         `json:"codeDir"`
	Head      string         `json:"head,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Items     []SnapshotItem `json:"items"`
}

// CodePath is the full-fidelity copy of the code tree.
func (t SnapshotRef) CodePath() string {
	return filepath.Join(t.Path, SnapshotCodeDir)
}

// StatePath holds the best-effort copies of mutable operational state.
func (t SnapshotRef) StatePath() string {
	return filepath.Join(t.Path, SnapshotStateDir)
}

func (t SnapshotRef) StatusPath() string {
	return filepath.Join(t.Path, SnapshotStatusFile)
}

func (t SnapshotRef) DiffPath() string {
	return filepath.Join(t.Path, SnapshotDiffFile)
}

// Has reports whether the named item was captured.
func (t SnapshotRef) Has(name string) bool {
	for _, item := range t.Items {
		if item.Name == name {
			return true
		}
	}
	return false
}

const (
	SnapshotCodeDir      = "code"
	SnapshotStateDir     = "state"
	SnapshotStatusFile   = "git-status.txt"
	SnapshotDiffFile     = "git-diff.txt"
	SnapshotManifestFile = "snapshot.json"
)

// Snapshot item names.
const (
	ItemSecrets     = "secrets"
	ItemCredentials = "credentials"
	ItemDataStore   = "datastore"
	ItemLogs        = "logs"
	ItemCode        = "code"
)

// Result is the terminal branch of an update attempt.
type Result string

const (
	ResultUpdated            Result = "updated"
	ResultNoop               Result = "noop"
	ResultPreconditionFailed Result = "precondition_failed"
	ResultSnapshotFailed     Result = "snapshot_failed"
	ResultFetchFailed        Result = "fetch_failed"
	ResultApplyFailed        Result = "apply_failed"
	ResultRolledBack         Result = "rolled_back"
	ResultRollbackFailed     Result = "rollback_failed"
	ResultUnhealthy          Result = "unhealthy"
)

// UpdateAttempt is the per-invocation record of what happened.
type UpdateAttempt struct {
	ID            string
	Service       string
	StartedAt     time.Time
	FinishedAt    time.Time
	Snapshot      *SnapshotRef
	LocalHead     string
	RemoteHead    string
	Fetched       bool
	UpToDate      bool
	Applied       bool
	DepsInstalled bool
	RolledBack    bool
	Result        Result
	Err           error
}

// Outcome is returned by the orchestrator to the CLI.
type Outcome struct {
	Attempt     UpdateAttempt
	ExitCode    int
	Diagnostics []string
}

func (t Outcome) Err() error {
	return t.Attempt.Err
}
