package system

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/utils"
)

const (
	snapshotVersion    = 1
	snapshotTimeFormat = "20060102-150405"
	vcsPlaceholder     = "version control unavailable: %v\n"
)

// SnapshotManager writes and reads the timestamped pre-update backups that
// live under the backup root. Snapshots are never modified after
// CreateSnapshot returns; only PruneSnapshots deletes them.
type SnapshotManager struct {
	root string
	vcs  botdeploy.VCSOpener
	now  func() time.Time
}

func NewSnapshotManager(backupRoot string, vcs botdeploy.VCSOpener) *SnapshotManager {
	return &SnapshotManager{
		root: backupRoot,
		vcs:  vcs,
		now:  time.Now,
	}
}

func (sm *SnapshotManager) Root() string {
	return sm.root
}

// CreateSnapshot captures inst into a new snapshot directory. The optional
// state items are best-effort; the code tree copy is not. Once this returns
// without error the snapshot alone is enough to put the code tree back.
func (sm *SnapshotManager) CreateSnapshot(ctx context.Context, inst *botdeploy.Installation, log botdeploy.SubLogger) (botdeploy.SnapshotRef, error) {
	if err := os.MkdirAll(sm.root, 0700); err != nil {
		return botdeploy.SnapshotRef{}, botdeploy.SnapshotError("backup-root", err)
	}

	created := sm.now()
	id, path, err := sm.allocate(created)
	if err != nil {
		return botdeploy.SnapshotRef{}, botdeploy.SnapshotError("allocate", err)
	}

	ref := botdeploy.SnapshotRef{
		Version:   snapshotVersion,
		ID:        id,
		Path:      path,
		Service:   inst.Config.ServiceName,
		CodeDir:   inst.CodeDir(),
		CreatedAt: created.UTC(),
	}

	log.Progress(5).Logf("Creating snapshot %s", path)

	for _, item := range inst.StateItems() {
		captured, err := captureStateItem(inst, ref, item)
		if err != nil {
			log.Errf("Could not back up %s (%s): %v", item.Name, item.Rel, err)
			continue
		}
		if captured == nil {
			log.Logf("No %s at %s, skipping", item.Name, inst.Path(item.Rel))
			continue
		}
		ref.Items = append(ref.Items, *captured)
	}

	log.Progress(20).Logf("Copying code tree %s", inst.CodeDir())
	if err := utils.CopyTree(inst.CodeDir(), ref.CodePath()); err != nil {
		os.RemoveAll(path)
		return botdeploy.SnapshotRef{}, botdeploy.SnapshotError("code-tree", err)
	}
	size, _ := utils.DirSize(ref.CodePath())
	ref.Items = append(ref.Items, botdeploy.SnapshotItem{
		Name:  botdeploy.ItemCode,
		Path:  botdeploy.SnapshotCodeDir,
		IsDir: true,
		Size:  size,
	})

	log.Progress(70).Log("Capturing version control status")
	ref.Head = sm.captureVCS(ctx, inst, ref, log)

	if err := writeSnapshotManifest(ref); err != nil {
		os.RemoveAll(path)
		return botdeploy.SnapshotRef{}, botdeploy.SnapshotError("manifest", err)
	}

	log.Progress(100).Logf("Snapshot %s complete (%d items)", ref.ID, len(ref.Items))
	return ref, nil
}

// allocate reserves a fresh directory named after the timestamp. Two
// snapshots in the same second get a numeric suffix.
func (sm *SnapshotManager) allocate(at time.Time) (string, string, error) {
	base := at.Format(snapshotTimeFormat)
	for i := 0; i < 100; i++ {
		id := base
		if i > 0 {
			id = fmt.Sprintf("%s-%d", base, i)
		}
		path := filepath.Join(sm.root, id)
		err := os.Mkdir(path, 0700)
		if err == nil {
			return id, path, nil
		}
		if !os.IsExist(err) {
			return "", "", err
		}
	}
	return "", "", fmt.Errorf("no free snapshot name for %s", base)
}

func captureStateItem(inst *botdeploy.Installation, ref botdeploy.SnapshotRef, item botdeploy.StateItem) (*botdeploy.SnapshotItem, error) {
	src := inst.Path(item.Rel)
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(ref.StatePath(), item.Rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return nil, err
	}

	if info.IsDir() {
		if err := utils.CopyTree(src, dest); err != nil {
			return nil, err
		}
		size, _ := utils.DirSize(dest)
		return &botdeploy.SnapshotItem{
			Name:  item.Name,
			Path:  filepath.Join(botdeploy.SnapshotStateDir, item.Rel),
			IsDir: true,
			Size:  size,
		}, nil
	}

	if err := utils.CopyFile(src, dest, info); err != nil {
		return nil, err
	}
	hash, err := utils.FileSha256(dest)
	if err != nil {
		return nil, err
	}
	return &botdeploy.SnapshotItem{
		Name:   item.Name,
		Path:   filepath.Join(botdeploy.SnapshotStateDir, item.Rel),
		Size:   info.Size(),
		Sha256: hash,
	}, nil
}

// captureVCS writes status and diff text next to the code copy. Any failure
// here is written into the files instead of failing the snapshot.
func (sm *SnapshotManager) captureVCS(ctx context.Context, inst *botdeploy.Installation, ref botdeploy.SnapshotRef, log botdeploy.SubLogger) string {
	status := ""
	diff := ""
	head := ""

	var repo botdeploy.VCS
	var err error
	if sm.vcs == nil {
		err = fmt.Errorf("no version control backend")
	} else {
		repo, err = sm.vcs(inst.CodeDir())
	}

	if err != nil {
		log.Logf("Version control unavailable: %v", err)
		status = fmt.Sprintf(vcsPlaceholder, err)
		diff = status
	} else {
		if head, err = repo.Head(ctx); err != nil {
			head = ""
		}
		if status, err = repo.Status(ctx); err != nil {
			status = fmt.Sprintf(vcsPlaceholder, err)
		}
		if diff, err = repo.Diff(ctx); err != nil {
			diff = fmt.Sprintf(vcsPlaceholder, err)
		}
	}

	if err := os.WriteFile(ref.StatusPath(), []byte(status), 0600); err != nil {
		log.Errf("Failed to write %s: %v", ref.StatusPath(), err)
	}
	if err := os.WriteFile(ref.DiffPath(), []byte(diff), 0600); err != nil {
		log.Errf("Failed to write %s: %v", ref.DiffPath(), err)
	}
	return head
}

func writeSnapshotManifest(ref botdeploy.SnapshotRef) error {
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	filePath := filepath.Join(ref.Path, botdeploy.SnapshotManifestFile)
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}
	return nil
}

// GetSnapshot reads one snapshot's metadata. A directory without
// snapshot.json is an incomplete snapshot and is reported as an error.
func (sm *SnapshotManager) GetSnapshot(id string) (*botdeploy.SnapshotRef, error) {
	path := filepath.Join(sm.root, id)
	if filepath.Dir(path) != filepath.Clean(sm.root) {
		return nil, fmt.Errorf("invalid snapshot id %q", id)
	}

	data, err := os.ReadFile(filepath.Join(path, botdeploy.SnapshotManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", id, err)
	}

	var ref botdeploy.SnapshotRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", id, err)
	}
	ref.Path = path
	return &ref, nil
}

// ListSnapshots returns complete snapshots, oldest first.
func (sm *SnapshotManager) ListSnapshots() ([]botdeploy.SnapshotRef, error) {
	entries, err := os.ReadDir(sm.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []botdeploy.SnapshotRef{}, nil
		}
		return nil, fmt.Errorf("failed to read snapshots directory: %w", err)
	}

	refs := []botdeploy.SnapshotRef{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ref, err := sm.GetSnapshot(entry.Name())
		if err != nil {
			continue
		}
		refs = append(refs, *ref)
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
			return refs[i].ID < refs[j].ID
		}
		return refs[i].CreatedAt.Before(refs[j].CreatedAt)
	})
	return refs, nil
}

// Latest returns the newest complete snapshot, or nil if there is none.
func (sm *SnapshotManager) Latest() (*botdeploy.SnapshotRef, error) {
	refs, err := sm.ListSnapshots()
	if err != nil || len(refs) == 0 {
		return nil, err
	}
	return &refs[len(refs)-1], nil
}

// PruneSnapshots is the retention policy: the newest keep snapshots always
// survive, and of the rest only those younger than maxAge do. A zero maxAge
// removes everything beyond keep.
func (sm *SnapshotManager) PruneSnapshots(keep int, maxAge time.Duration) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative")
	}

	refs, err := sm.ListSnapshots()
	if err != nil {
		return nil, err
	}

	cutoff := sm.now().Add(-maxAge)
	removed := []string{}
	for i, ref := range refs {
		if i >= len(refs)-keep {
			break
		}
		if maxAge > 0 && ref.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(ref.Path); err != nil {
			return removed, fmt.Errorf("failed to remove snapshot %s: %w", ref.ID, err)
		}
		removed = append(removed, ref.ID)
	}
	return removed, nil
}
