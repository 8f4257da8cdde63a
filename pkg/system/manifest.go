package system

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Distributions that only install on Windows.
var windowsOnlyPackages = map[string]bool{
	"pywin32":        true,
	"pypiwin32":      true,
	"pywinpty":       true,
	"windows-curses": true,
	"wmi":            true,
	"comtypes":       true,
	"winshell":       true,
}

var (
	requirementName = regexp.MustCompile(`^\s*([A-Za-z0-9][A-Za-z0-9._-]*)`)
	distSeparators  = regexp.MustCompile(`[-_.]+`)
	windowsMarker   = regexp.MustCompile(`(?i)(sys_platform\s*==\s*["']win32["']|platform_system\s*==\s*["']windows["']|os_name\s*==\s*["']nt["'])`)
)

// PlatformManifest derives the Linux requirements file from the canonical
// one. The output depends only on the input bytes.
func PlatformManifest(canonicalName string, canonical []byte) []byte {
	var out bytes.Buffer
	fmt.Fprintf(&out, "# Generated from %s by botctl. Do not edit; changes are overwritten on update.\n", canonicalName)

	text := strings.ReplaceAll(string(canonical), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return out.Bytes()
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if dropForLinux(line) {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func dropForLinux(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "-") {
		return false
	}

	if m := requirementName.FindStringSubmatch(trimmed); m != nil {
		if windowsOnlyPackages[normalizeDistName(m[1])] {
			return true
		}
	}

	if idx := strings.Index(trimmed, ";"); idx >= 0 {
		marker := trimmed[idx+1:]
		if c := strings.Index(marker, "#"); c >= 0 {
			marker = marker[:c]
		}
		// only drop when the marker is a plain windows restriction
		if windowsMarker.MatchString(marker) && !strings.Contains(strings.ToLower(marker), " or ") {
			return true
		}
	}
	return false
}

// normalizeDistName follows PEP 503: runs of -, _ and . are equivalent.
func normalizeDistName(name string) string {
	name = strings.ToLower(name)
	return distSeparators.ReplaceAllString(name, "-")
}

// RegenerateManifest rewrites dest from canonical. It always overwrites.
func RegenerateManifest(canonical string, dest string) error {
	data, err := os.ReadFile(canonical)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", canonical, err)
	}

	out := PlatformManifest(filepath.Base(canonical), data)

	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", dest, err)
	}
	return nil
}
