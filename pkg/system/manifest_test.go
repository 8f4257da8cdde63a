package system

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestHeader = "# Generated from requirements.txt by botctl. Do not edit; changes are overwritten on update.\n"

func TestPlatformManifest(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
		{
			name:     "keeps portable requirements",
			input:    "aiogram==3.4.1\nSQLAlchemy>=2.0\n",
			expected: "aiogram==3.4.1\nSQLAlchemy>=2.0\n",
		},
		{
			name:     "drops windows only distributions",
			input:    "aiogram==3.4.1\npywin32==306\nPyWin32>=300\nwindows_curses\npypiwin32\n",
			expected: "aiogram==3.4.1\n",
		},
		{
			name:     "drops windows markers",
			input:    "colorama; sys_platform == \"win32\"\nuvloop; platform_system != \"Windows\"\nwmi ; os_name=='nt'\n",
			expected: "uvloop; platform_system != \"Windows\"\n",
		},
		{
			name:     "keeps mixed markers",
			input:    "pywinpty-lookalike\nfoo; sys_platform == 'win32' or sys_platform == 'linux'\n",
			expected: "pywinpty-lookalike\nfoo; sys_platform == 'win32' or sys_platform == 'linux'\n",
		},
		{
			name:     "normalizes line endings and trailing space",
			input:    "aiogram==3.4.1  \r\nrequests\t\r\n",
			expected: "aiogram==3.4.1\nrequests\n",
		},
		{
			name:     "keeps comments blanks and options",
			input:    "# core\n\n-r base.txt\n--extra-index-url https://example.org\naiogram\n",
			expected: "# core\n\n-r base.txt\n--extra-index-url https://example.org\naiogram\n",
		},
		{
			name:     "missing final newline",
			input:    "aiogram",
			expected: "aiogram\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := PlatformManifest("requirements.txt", []byte(tt.input))
			assert.Equal(t, manifestHeader+tt.expected, string(out))
		})
	}
}

func TestPlatformManifestIsDeterministic(t *testing.T) {
	input := []byte("aiogram==3.4.1\r\npywin32==306\ngspread\n")

	first := PlatformManifest("requirements.txt", input)
	second := PlatformManifest("requirements.txt", input)

	assert.Equal(t, first, second)
}

func TestNormalizeDistName(t *testing.T) {
	assert.Equal(t, "windows-curses", normalizeDistName("Windows_Curses"))
	assert.Equal(t, "a-b-c", normalizeDistName("a.b__c"))
}

func TestRegenerateManifestOverwrites(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "requirements.txt")
	dest := filepath.Join(dir, "requirements-linux.txt")
	mustWriteFile(t, canonical, "aiogram\npywin32\n")
	mustWriteFile(t, dest, "stale hand edits\n")

	require.NoError(t, RegenerateManifest(canonical, dest))

	assert.Equal(t, manifestHeader+"aiogram\n", mustReadFile(t, dest))
	assert.NoFileExists(t, dest+".tmp")
}

func TestRegenerateManifestMissingCanonical(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "requirements-linux.txt")

	err := RegenerateManifest(filepath.Join(dir, "requirements.txt"), dest)

	require.Error(t, err)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}
