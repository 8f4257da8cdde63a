package system

import (
	"fmt"
	"os"
	"path/filepath"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/utils"
)

// ReconcileState restores operational files that the update removed from
// the code tree (usually untracked files dropped by the checkout) from the
// snapshot. Files still present are never touched. Returns the restored
// item names.
func ReconcileState(inst *botdeploy.Installation, ref botdeploy.SnapshotRef, log botdeploy.SubLogger) ([]string, error) {
	restored := []string{}

	for _, item := range inst.StateItems() {
		if item.IsDir {
			// logs are recreated by EnsureRuntimeDirs
			continue
		}

		dest := inst.Path(item.Rel)
		if utils.Exists(dest) {
			continue
		}
		if !ref.Has(item.Name) {
			continue
		}

		src := filepath.Join(ref.StatePath(), item.Rel)
		log.Logf("%s missing after update, restoring from snapshot %s", item.Rel, ref.ID)

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return restored, fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
		}
		if err := utils.CopyFile(src, dest, nil); err != nil {
			return restored, fmt.Errorf("failed to restore %s: %w", item.Rel, err)
		}
		if err := chownUpTo(inst, dest); err != nil {
			return restored, err
		}
		restored = append(restored, item.Name)
	}
	return restored, nil
}

// EnsureRuntimeDirs creates the directories the bot expects at runtime.
func EnsureRuntimeDirs(inst *botdeploy.Installation) error {
	for _, rel := range inst.Config.RuntimeDirs {
		dir := inst.Path(rel)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := chownUpTo(inst, dir); err != nil {
			return err
		}
	}
	return nil
}

// chownUpTo hands path and any parents below the code directory to the
// runtime user.
func chownUpTo(inst *botdeploy.Installation, path string) error {
	codeDir := filepath.Clean(inst.CodeDir())
	for p := filepath.Clean(path); p != codeDir && p != "/" && p != "."; p = filepath.Dir(p) {
		if err := os.Lchown(p, inst.Owner.UID, inst.Owner.GID); err != nil {
			return fmt.Errorf("failed to chown %s to %s: %w", p, inst.Owner.Name, err)
		}
	}
	return nil
}
