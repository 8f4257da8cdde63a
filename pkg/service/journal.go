package service

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const recentLogLines = 20

// RecentLogs returns the last lines the journal holds for unit.
func RecentLogs(ctx context.Context, unit string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "journalctl", "-u", unit, "-n", fmt.Sprint(recentLogLines), "--no-pager", "--output=short-iso")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("journalctl -u %s: %w", unit, err)
	}
	return splitLines(string(out)), nil
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}
