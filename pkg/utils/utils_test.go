package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrettyPrintDiskSize(t *testing.T) {
	assert.Equal(t, "512 B", PrettyPrintDiskSize(512))
	assert.Equal(t, "1.50 KB", PrettyPrintDiskSize(1536))
	assert.Equal(t, "2.00 MB", PrettyPrintDiskSize(2*1024*1024))
	assert.Equal(t, "1.00 GB", PrettyPrintDiskSize(1024*1024*1024))
}

func TestCopyTreeKeepsModesLinksAndTimes(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "run.sh"), []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.py"), []byte("print(1)\n"), 0640))
	require.NoError(t, os.Symlink("main.py", filepath.Join(src, "entry.py")))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "locked"), 0500))
	old := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "main.py"), old, old))

	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, CopyTree(src, dst))

	info, err := os.Stat(filepath.Join(dst, "bin", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dst, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(old))

	target, err := os.Readlink(filepath.Join(dst, "entry.py"))
	require.NoError(t, err)
	assert.Equal(t, "main.py", target)

	info, err = os.Stat(filepath.Join(dst, "locked"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0500), info.Mode().Perm())
}

func TestCopyTreeRefusesExistingDestination(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	assert.ErrorContains(t, CopyTree(src, dst), "already exists")
}

func TestFileSha256AndDirSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("abc"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), []byte("12345"), 0644))

	sum, err := FileSha256(filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)

	size, err := DirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
}

func TestExistsAndIsDir(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling")
	require.NoError(t, os.Symlink("nowhere", link))

	assert.True(t, Exists(link))
	assert.False(t, IsDir(link))
	assert.True(t, IsDir(dir))
	assert.False(t, Exists(filepath.Join(dir, "missing")))
}
