package system

import (
	"fmt"
	"os"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/utils"
)

// RestoreCodeTree puts the snapshot's code tree back in place of the
// current one. The copy is staged next to the code directory and swapped in
// with renames, so the code directory is either the old tree or the
// restored one. Ownership ends up with the runtime user.
func RestoreCodeTree(inst *botdeploy.Installation, ref botdeploy.SnapshotRef, log botdeploy.SubLogger) error {
	if !utils.IsDir(ref.CodePath()) {
		return botdeploy.ErrSnapshotMissing
	}

	codeDir := inst.CodeDir()
	staging := fmt.Sprintf("%s.rollback-%s", codeDir, ref.ID)
	failed := fmt.Sprintf("%s.failed-%s", codeDir, ref.ID)

	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to clear staging dir: %w", err)
	}

	log.Progress(20).Logf("Copying %s to %s", ref.CodePath(), staging)
	if err := utils.CopyTree(ref.CodePath(), staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to stage code tree: %w", err)
	}

	if err := utils.ChownTree(staging, inst.Owner.UID, inst.Owner.GID); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to chown staged tree to %s: %w", inst.Owner.Name, err)
	}

	log.Progress(60).Log("Swapping code tree")
	if err := os.RemoveAll(failed); err != nil {
		return fmt.Errorf("failed to clear %s: %w", failed, err)
	}
	if err := os.Rename(codeDir, failed); err != nil && !os.IsNotExist(err) {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to move %s aside: %w", codeDir, err)
	}
	if err := os.Rename(staging, codeDir); err != nil {
		// put the partially updated tree back rather than leaving nothing
		_ = os.Rename(failed, codeDir)
		return fmt.Errorf("failed to move restored tree into place: %w", err)
	}

	if err := os.RemoveAll(failed); err != nil {
		log.Errf("Restored, but could not remove %s: %v", failed, err)
	}

	log.Progress(100).Logf("Code tree restored from snapshot %s", ref.ID)
	return nil
}
