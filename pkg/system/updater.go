package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
	"github.com/dogeorg/botdeploy/pkg/service"
	"github.com/dogeorg/botdeploy/pkg/utils"
)

/*
Updater drives one update attempt against an Installation:

	guard → lock → snapshot → stop → fetch → compare → apply → manifest →
	dependencies → reconcile → start → health

Only the dependency step rolls code back. Every branch past the stop ends
in exactly one start attempt and one health check.
*/

// AttemptRecorder journals finished attempts. Recording is best-effort.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, outcome botdeploy.Outcome) error
}

// HealthProbe decides whether the unit came up.
type HealthProbe func(ctx context.Context, ctrl botdeploy.ServiceController, unit string, grace time.Duration) (bool, error)

// LogTail returns recent supervisor log lines for a unit.
type LogTail func(ctx context.Context, unit string) ([]string, error)

type Updater struct {
	Guard     Guard
	Snapshots *SnapshotManager
	Service   botdeploy.ServiceController
	OpenVCS   botdeploy.VCSOpener
	// Packages is resolved after the guard, once the owner is known.
	Packages botdeploy.PackageInstallerFactory
	History  AttemptRecorder
	Log      *logrus.Logger

	NewID  func() string
	Health HealthProbe
	Tail   LogTail
	now    func() time.Time
	chown  func(inst *botdeploy.Installation, path string) error
}

func NewUpdater(guard Guard, snapshots *SnapshotManager, svc botdeploy.ServiceController, vcs botdeploy.VCSOpener, packages botdeploy.PackageInstallerFactory, history AttemptRecorder, log *logrus.Logger) Updater {
	return Updater{
		Guard:     guard,
		Snapshots: snapshots,
		Service:   svc,
		OpenVCS:   vcs,
		Packages:  packages,
		History:   history,
		Log:       log,
		NewID:     uuid.NewString,
		Health:    service.WaitHealthy,
		Tail:      service.RecentLogs,
		now:       time.Now,
		chown:     chownUpTo,
	}
}

// Run performs a full update attempt. It never panics on collaborator
// failure; everything is folded into the returned Outcome.
func (t Updater) Run(ctx context.Context, inst *botdeploy.Installation) botdeploy.Outcome {
	now := t.now
	if now == nil {
		now = time.Now
	}
	newID := t.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	attempt := botdeploy.UpdateAttempt{
		ID:        newID(),
		Service:   inst.Config.ServiceName,
		StartedAt: now(),
	}
	alog := botdeploy.NewActionLogger(attempt.ID, attempt.Service, t.Log)

	out := t.run(ctx, inst, &attempt, alog)
	attempt.FinishedAt = now()
	out.Attempt = attempt

	log := alog.Step("finish")
	if out.ExitCode == 0 {
		log.Progress(100).Logf("Update finished: %s", attempt.Result)
	} else {
		log.Progress(100).Errf("Update finished: %s: %v", attempt.Result, attempt.Err)
	}

	if t.History != nil {
		if err := t.History.RecordAttempt(ctx, out); err != nil {
			log.Errf("Could not record attempt in history: %v", err)
		}
	}
	return out
}

func (t Updater) run(ctx context.Context, inst *botdeploy.Installation, attempt *botdeploy.UpdateAttempt, alog botdeploy.ActionLogger) botdeploy.Outcome {
	out := botdeploy.Outcome{ExitCode: 1}
	unit := inst.Unit()

	log := alog.Step("guard")
	if err := t.Guard.Check(inst); err != nil {
		log.Errf("Precondition failed: %v", err)
		attempt.Result = botdeploy.ResultPreconditionFailed
		attempt.Err = err
		return out
	}
	log.Logf("Installation %s owned by %s", inst.Root(), inst.Owner.Name)

	lock, err := AcquireLock(inst)
	if err != nil {
		log.Errf("Precondition failed: %v", err)
		attempt.Result = botdeploy.ResultPreconditionFailed
		attempt.Err = err
		return out
	}
	defer lock.Release()

	log = alog.Step("snapshot")
	ref, err := t.Snapshots.CreateSnapshot(ctx, inst, log)
	if err != nil {
		// the service has not been touched yet
		log.Errf("Snapshot failed, aborting before stopping %s: %v", unit, err)
		attempt.Result = botdeploy.ResultSnapshotFailed
		attempt.Err = err
		return out
	}
	attempt.Snapshot = &ref
	out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("snapshot: %s", ref.Path))

	log = alog.Step("stop")
	log.Logf("Stopping %s", unit)
	if err := t.Service.Stop(ctx, unit); err != nil {
		// it may simply not be running; the terminal start still happens
		log.Errf("Warning: failed to stop %s: %v", unit, err)
	}

	execErr := t.execute(ctx, inst, ref, attempt, alog)

	switch botdeploy.KindOf(execErr) {
	case "":
		if execErr != nil {
			attempt.Result = botdeploy.ResultApplyFailed
			attempt.Err = execErr
			break
		}
		attempt.Result = botdeploy.ResultUpdated
		if attempt.UpToDate {
			attempt.Result = botdeploy.ResultNoop
		}

	case botdeploy.KindFetch:
		alog.Step("fetch").Errf("Fetch failed, resuming %s on the current code: %v", unit, execErr)
		attempt.Result = botdeploy.ResultFetchFailed
		attempt.Err = execErr

	case botdeploy.KindApply:
		alog.Step("apply").Errf("Update could not be applied, resuming %s without rolling back: %v", unit, execErr)
		attempt.Result = botdeploy.ResultApplyFailed
		attempt.Err = execErr
		out.Diagnostics = append(out.Diagnostics,
			fmt.Sprintf("pre-update status: %s", ref.StatusPath()),
			fmt.Sprintf("pre-update diff: %s", ref.DiffPath()),
		)

	case botdeploy.KindDependencyInstall:
		log = alog.Step("rollback")
		log.Errf("Dependency install failed, rolling back to snapshot %s: %v", ref.ID, execErr)
		if err := RestoreCodeTree(inst, ref, log); err != nil {
			log.Errf("Rollback failed: %v", err)
			attempt.Result = botdeploy.ResultRollbackFailed
			attempt.Err = errors.Join(execErr, fmt.Errorf("rollback: %w", err))
			out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("restore manually from %s", ref.CodePath()))
			break
		}
		attempt.RolledBack = true
		attempt.Result = botdeploy.ResultRolledBack
		attempt.Err = execErr

	default:
		attempt.Result = botdeploy.ResultApplyFailed
		attempt.Err = execErr
	}

	healthErr := t.startAndCheck(ctx, inst, alog)
	if healthErr != nil {
		if attempt.Err == nil {
			attempt.Result = botdeploy.ResultUnhealthy
			attempt.Err = healthErr
		} else {
			attempt.Err = errors.Join(attempt.Err, healthErr)
		}
		out.Diagnostics = append(out.Diagnostics,
			fmt.Sprintf("inspect logs: journalctl -u %s -n 100 --no-pager", unit),
			fmt.Sprintf("service state: systemctl status %s", unit),
		)
		return out
	}

	if attempt.Err == nil {
		out.ExitCode = 0
	}
	return out
}

// execute runs the gated update steps. The error it returns is always a
// StepError whose kind selects the terminal branch.
func (t Updater) execute(ctx context.Context, inst *botdeploy.Installation, ref botdeploy.SnapshotRef, attempt *botdeploy.UpdateAttempt, alog botdeploy.ActionLogger) error {
	log := alog.Step("fetch")

	if t.OpenVCS == nil {
		return botdeploy.FetchError(fmt.Errorf("no version control backend"))
	}
	repo, err := t.OpenVCS(inst.CodeDir())
	if err != nil {
		return botdeploy.FetchError(fmt.Errorf("failed to open repository: %w", err))
	}
	attempt.LocalHead, _ = repo.Head(ctx)

	log.Progress(10).Logf("Fetching %s", inst.Config.Branch)
	fetchCtx, cancel := context.WithTimeout(ctx, inst.Config.FetchTimeout)
	err = repo.Fetch(fetchCtx)
	cancel()
	if err != nil {
		return botdeploy.FetchError(err)
	}
	attempt.Fetched = true
	attempt.RemoteHead, _ = repo.RemoteHead(ctx)

	upToDate, err := repo.UpToDate(ctx)
	if err != nil {
		return botdeploy.FetchError(fmt.Errorf("failed to compare with remote: %w", err))
	}
	if upToDate {
		attempt.UpToDate = true
		log.Progress(100).Logf("Already up to date at %s", short(attempt.LocalHead))
		return nil
	}
	log.Progress(100).Logf("Update available: %s -> %s", short(attempt.LocalHead), short(attempt.RemoteHead))

	log = alog.Step("apply")
	if err := repo.Apply(ctx); err != nil {
		return botdeploy.ApplyError(err)
	}
	attempt.Applied = true
	if err := utils.ChownTree(inst.CodeDir(), inst.Owner.UID, inst.Owner.GID); err != nil {
		log.Errf("Failed to hand %s back to %s: %v", inst.CodeDir(), inst.Owner.Name, err)
	}
	log.Progress(100).Logf("Applied %s", short(attempt.RemoteHead))

	log = alog.Step("manifest")
	if err := RegenerateManifest(inst.CanonicalManifestPath(), inst.PlatformManifestPath()); err != nil {
		// a missing canonical manifest shows up in the install step
		log.Errf("Failed to regenerate %s: %v", inst.Config.PlatformManifest, err)
	} else {
		chown := t.chown
		if chown == nil {
			chown = chownUpTo
		}
		if err := chown(inst, inst.PlatformManifestPath()); err != nil {
			log.Errf("Failed to hand %s back to %s: %v", inst.Config.PlatformManifest, inst.Owner.Name, err)
		}
		log.Logf("Regenerated %s", inst.Config.PlatformManifest)
	}

	log = alog.Step("dependencies")
	if t.Packages == nil {
		return botdeploy.DependencyInstallError("installer", fmt.Errorf("no package installer"))
	}
	pkgs := t.Packages(inst, log)
	installCtx, cancel := context.WithTimeout(ctx, inst.Config.InstallTimeout)
	defer cancel()

	log.Progress(10).Log("Upgrading package installer")
	if err := pkgs.UpgradeSelf(installCtx); err != nil {
		return botdeploy.DependencyInstallError("upgrade-installer", err)
	}
	log.Progress(40).Logf("Installing from %s", inst.Config.PlatformManifest)
	if err := pkgs.Install(installCtx, inst.PlatformManifestPath()); err != nil {
		return botdeploy.DependencyInstallError("install", err)
	}
	attempt.DepsInstalled = true
	log.Progress(100).Log("Dependencies installed")

	log = alog.Step("reconcile")
	restored, err := ReconcileState(inst, ref, log)
	if err != nil {
		return botdeploy.NewStepError(botdeploy.KindApply, "reconcile", err)
	}
	if len(restored) > 0 {
		log.Logf("Restored from snapshot: %v", restored)
	}
	if err := EnsureRuntimeDirs(inst); err != nil {
		return botdeploy.NewStepError(botdeploy.KindApply, "runtime-dirs", err)
	}
	return nil
}

// startAndCheck is the single terminal start of every post-stop branch.
func (t Updater) startAndCheck(ctx context.Context, inst *botdeploy.Installation, alog botdeploy.ActionLogger) error {
	unit := inst.Unit()
	log := alog.Step("start")

	log.Progress(10).Logf("Starting %s", unit)
	if err := t.Service.Start(ctx, unit); err != nil {
		log.Errf("Failed to start %s: %v", unit, err)
		t.tail(ctx, unit, log)
		return botdeploy.PostActionHealthError(unit, err)
	}

	probe := t.Health
	if probe == nil {
		probe = service.WaitHealthy
	}
	log.Progress(50).Logf("Waiting %s for %s to settle", inst.Config.HealthGrace, unit)
	healthy, err := probe(ctx, t.Service, unit, inst.Config.HealthGrace)
	if err != nil || !healthy {
		log.Errf("%s is not active after %s", unit, inst.Config.HealthGrace)
		t.tail(ctx, unit, log)
		return botdeploy.PostActionHealthError(unit, err)
	}

	log.Progress(100).Logf("%s is active", unit)
	return nil
}

func (t Updater) tail(ctx context.Context, unit string, log botdeploy.SubLogger) {
	if t.Tail == nil {
		return
	}
	lines, err := t.Tail(ctx, unit)
	if err != nil {
		log.Errf("Could not read logs for %s: %v", unit, err)
		return
	}
	for _, line := range lines {
		log.Err(line)
	}
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	if hash == "" {
		return "(unknown)"
	}
	return hash
}
