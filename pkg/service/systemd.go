package service

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

// Systemd talks to systemd over D-Bus.
type Systemd struct {
	conn *dbus.Conn
}

func NewSystemd(ctx context.Context) (*Systemd, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Systemd{conn: conn}, nil
}

func (t *Systemd) Close() {
	t.conn.Close()
}

// wait blocks until systemd reports the queued job's result.
func wait(ctx context.Context, op string, unit string, ch chan string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s %s: job %s", op, unit, result)
		}
		return nil
	}
}

func (t *Systemd) Start(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := t.conn.StartUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("start %s: %w", unit, err)
	}
	return wait(ctx, "start", unit, ch)
}

func (t *Systemd) Stop(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := t.conn.StopUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("stop %s: %w", unit, err)
	}
	return wait(ctx, "stop", unit, ch)
}

func (t *Systemd) ReloadOrRestart(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := t.conn.ReloadOrRestartUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("reload-or-restart %s: %w", unit, err)
	}
	return wait(ctx, "reload-or-restart", unit, ch)
}

func (t *Systemd) IsActive(ctx context.Context, unit string) (bool, error) {
	prop, err := t.conn.GetUnitPropertyContext(ctx, unit, "ActiveState")
	if err != nil {
		return false, fmt.Errorf("query %s: %w", unit, err)
	}
	state, _ := prop.Value.Value().(string)
	return state == "active", nil
}

func (t *Systemd) Status(ctx context.Context, unit string) (botdeploy.UnitStatus, error) {
	status := botdeploy.UnitStatus{Unit: unit}

	props, err := t.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return status, fmt.Errorf("query %s: %w", unit, err)
	}
	status.ActiveState, _ = props["ActiveState"].(string)
	status.SubState, _ = props["SubState"].(string)

	if prop, err := t.conn.GetUnitTypePropertyContext(ctx, unit, "Service", "MainPID"); err == nil {
		status.MainPID, _ = prop.Value.Value().(uint32)
	}
	return status, nil
}

func (t *Systemd) DaemonReload(ctx context.Context) error {
	return t.conn.ReloadContext(ctx)
}

func (t *Systemd) Enable(ctx context.Context, unit string) error {
	if _, _, err := t.conn.EnableUnitFilesContext(ctx, []string{unit}, false, true); err != nil {
		return fmt.Errorf("enable %s: %w", unit, err)
	}
	return nil
}
