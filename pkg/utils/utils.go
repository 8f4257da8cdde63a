package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

func PrettyPrintDiskSize(size int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case size >= TB:
		return fmt.Sprintf("%.2f TB", float64(size)/float64(TB))
	case size >= GB:
		return fmt.Sprintf("%.2f GB", float64(size)/float64(GB))
	case size >= MB:
		return fmt.Sprintf("%.2f MB", float64(size)/float64(MB))
	case size >= KB:
		return fmt.Sprintf("%.2f KB", float64(size)/float64(KB))
	default:
		return fmt.Sprintf("%d B", size)
	}
}

// CopyTree copies source to destination keeping file modes, symlinks and
// modification times. Ownership is carried over when the process is allowed
// to change it. destination must not exist yet.
func CopyTree(source string, destination string) error {
	if _, err := os.Lstat(destination); err == nil {
		return fmt.Errorf("copy destination %s already exists", destination)
	}

	type dirTime struct {
		path string
		mod  time.Time
	}
	var dirs []dirTime

	err := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(destination, relPath)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, destPath); err != nil {
				return err
			}
		case info.IsDir():
			if err := os.Mkdir(destPath, info.Mode().Perm()|0700); err != nil {
				return err
			}
			dirs = append(dirs, dirTime{destPath, info.ModTime()})
			// perms are fixed below once the directory is populated
		case info.Mode().IsRegular():
			if err := CopyFile(path, destPath, info); err != nil {
				return err
			}
		default:
			// sockets, fifos and devices have no place in a code tree
			return nil
		}

		copyOwner(destPath, info)
		return nil
	})
	if err != nil {
		return err
	}

	// restore directory modes and times deepest first
	for i := len(dirs) - 1; i >= 0; i-- {
		src := filepath.Join(source, mustRel(destination, dirs[i].path))
		if info, err := os.Lstat(src); err == nil {
			if err := os.Chmod(dirs[i].path, info.Mode().Perm()); err != nil {
				return err
			}
		}
		_ = os.Chtimes(dirs[i].path, dirs[i].mod, dirs[i].mod)
	}
	return nil
}

func mustRel(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return "."
	}
	return rel
}

// CopyFile copies one regular file, preserving mode and mtime.
func CopyFile(source string, destination string, info os.FileInfo) error {
	if info == nil {
		var err error
		info, err = os.Stat(source)
		if err != nil {
			return err
		}
	}

	srcFile, err := os.Open(source)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return err
	}

	destFile, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(destFile, srcFile); err != nil {
		destFile.Close()
		return err
	}
	if err := destFile.Close(); err != nil {
		return err
	}

	if err := os.Chmod(destination, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(destination, info.ModTime(), info.ModTime())
}

func copyOwner(path string, info os.FileInfo) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	// EPERM when unprivileged and the source belongs to someone else; the
	// caller fixes ownership explicitly where it matters.
	_ = os.Lchown(path, int(st.Uid), int(st.Gid))
}

// ChownTree sets uid/gid on root and everything below it, without
// following symlinks.
func ChownTree(root string, uid, gid int) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}

// FileSha256 returns the hex sha256 of a regular file.
func FileSha256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// DirSize sums the sizes of regular files below root.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func IsDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
