package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

// Systemctl shells out to systemctl. Used where the system bus is not
// reachable (containers, minimal images).
type Systemctl struct {
	Bin string
}

func NewSystemctl() *Systemctl {
	return &Systemctl{Bin: "systemctl"}
}

func (t *Systemctl) Close() {}

func (t *Systemctl) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.Bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return out, nil
}

func (t *Systemctl) Start(ctx context.Context, unit string) error {
	_, err := t.run(ctx, "start", unit)
	return err
}

func (t *Systemctl) Stop(ctx context.Context, unit string) error {
	_, err := t.run(ctx, "stop", unit)
	return err
}

func (t *Systemctl) ReloadOrRestart(ctx context.Context, unit string) error {
	_, err := t.run(ctx, "reload-or-restart", unit)
	return err
}

// IsActive treats a non-zero is-active exit as "not active" rather than an
// error; systemctl exits 3 for inactive units.
func (t *Systemctl) IsActive(ctx context.Context, unit string) (bool, error) {
	out, err := t.run(ctx, "is-active", unit)
	state := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && state != "" {
			return false, nil
		}
		return false, err
	}
	return state == "active", nil
}

func (t *Systemctl) Status(ctx context.Context, unit string) (botdeploy.UnitStatus, error) {
	status := botdeploy.UnitStatus{Unit: unit}
	out, err := t.run(ctx, "show", unit, "--property=ActiveState,SubState,MainPID")
	if err != nil {
		return status, err
	}

	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			status.ActiveState = value
		case "SubState":
			status.SubState = value
		case "MainPID":
			if pid, err := strconv.ParseUint(value, 10, 32); err == nil {
				status.MainPID = uint32(pid)
			}
		}
	}
	return status, nil
}

func (t *Systemctl) DaemonReload(ctx context.Context) error {
	_, err := t.run(ctx, "daemon-reload")
	return err
}

func (t *Systemctl) Enable(ctx context.Context, unit string) error {
	_, err := t.run(ctx, "enable", unit)
	return err
}
