package system

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

// ExportSnapshot writes ref as a gzipped tarball to destPath so it can be
// kept off the host. Entries are rooted at the snapshot ID.
func (sm *SnapshotManager) ExportSnapshot(ref botdeploy.SnapshotRef, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	tmpPath := destPath + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	err = writeSnapshotArchive(file, ref)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to export snapshot %s: %w", ref.ID, err)
	}
	return os.Rename(tmpPath, destPath)
}

func writeSnapshotArchive(w io.Writer, ref botdeploy.SnapshotRef) error {
	gzipWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzipWriter)

	err := filepath.WalkDir(ref.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(ref.Path, p)
		if err != nil {
			return err
		}
		name := path.Join(ref.ID, filepath.ToSlash(rel))
		return writeTarEntry(tarWriter, name, p, info)
	})
	if err != nil {
		return err
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzipWriter.Close()
}

func writeTarEntry(tw *tar.Writer, name string, p string, info os.FileInfo) error {
	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		link = target
	}
	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	file, err := os.Open(p)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(tw, file)
	return err
}

// ImportSnapshot unpacks an archive written by ExportSnapshot into the
// backup root. An existing snapshot with the same ID is never replaced.
func (sm *SnapshotManager) ImportSnapshot(archivePath string) (*botdeploy.SnapshotRef, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := os.MkdirAll(sm.root, 0700); err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp(sm.root, ".import-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	id, err := extractSnapshotArchive(file, staging)
	if err != nil {
		return nil, fmt.Errorf("failed to import %s: %w", archivePath, err)
	}
	if _, err := os.Stat(filepath.Join(staging, id, botdeploy.SnapshotManifestFile)); err != nil {
		return nil, fmt.Errorf("archive %s has no %s", archivePath, botdeploy.SnapshotManifestFile)
	}

	dest := filepath.Join(sm.root, id)
	if _, err := os.Lstat(dest); err == nil {
		return nil, fmt.Errorf("snapshot %s already exists", id)
	}
	if err := os.Rename(filepath.Join(staging, id), dest); err != nil {
		return nil, err
	}
	return sm.GetSnapshot(id)
}

// extractSnapshotArchive unpacks r under dir and returns the single
// top-level directory name all entries share.
func extractSnapshotArchive(r io.Reader, dir string) (string, error) {
	gzipReader, err := gzip.NewReader(r)
	if err != nil {
		return "", err
	}
	defer gzipReader.Close()

	id := ""
	links := map[string]bool{}
	dirModes := map[string]os.FileMode{}
	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		name := path.Clean(strings.TrimSuffix(header.Name, "/"))
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return "", fmt.Errorf("unsafe archive path %q", header.Name)
		}
		top := strings.SplitN(name, "/", 2)[0]
		if id == "" {
			id = top
		} else if top != id {
			return "", fmt.Errorf("archive holds more than one snapshot (%s, %s)", id, top)
		}
		target := filepath.Join(dir, filepath.FromSlash(name))
		if !isPathWithin(target, dir) || underLink(name, links) {
			return "", fmt.Errorf("unsafe archive path %q", header.Name)
		}

		mode := os.FileMode(header.Mode).Perm()
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0700); err != nil {
				return "", err
			}
			dirModes[target] = mode
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return "", err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return "", err
			}
			links[name] = true
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return "", err
			}
			if err := writeArchiveFile(tarReader, target, mode); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("unsupported archive entry %q", header.Name)
		}
	}
	if id == "" || id == "." {
		return "", fmt.Errorf("archive is empty")
	}
	for dir, mode := range dirModes {
		if err := os.Chmod(dir, mode); err != nil {
			return "", err
		}
	}
	return id, nil
}

// underLink reports whether name would be written through a symlink the
// archive created earlier.
func underLink(name string, links map[string]bool) bool {
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if links[dir] {
			return true
		}
	}
	return false
}

func writeArchiveFile(r io.Reader, target string, mode os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(target, mode)
}

func isPathWithin(p string, base string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}
