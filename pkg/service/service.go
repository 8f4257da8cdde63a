package service

import (
	"context"
	"fmt"
	"time"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

// Manager is the full supervisor surface. The update path only needs
// botdeploy.ServiceController; install also reloads and enables.
type Manager interface {
	botdeploy.ServiceController
	DaemonReload(ctx context.Context) error
	Enable(ctx context.Context, unit string) error
	ReloadOrRestart(ctx context.Context, unit string) error
	Close()
}

// New returns the manager for the configured backend. A D-Bus connection
// failure falls back to systemctl.
func New(ctx context.Context, backend string) (Manager, error) {
	switch backend {
	case botdeploy.SystemdBackendSystemctl:
		return NewSystemctl(), nil
	case botdeploy.SystemdBackendDBus, "":
		m, err := NewSystemd(ctx)
		if err != nil {
			return NewSystemctl(), nil
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown systemd backend %q", backend)
	}
}

// WaitHealthy is the post-start liveness probe: wait out grace, then ask
// whether the unit is still active. It catches immediate crash loops and
// nothing subtler.
func WaitHealthy(ctx context.Context, ctrl botdeploy.ServiceController, unit string, grace time.Duration) (bool, error) {
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	return ctrl.IsActive(ctx, unit)
}
