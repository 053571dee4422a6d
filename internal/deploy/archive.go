package deploy

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxArchiveFile bounds a single extracted file.
const maxArchiveFile = 1 << 30

// ArchiveFormat returns the archive format for path, or "" if unsupported.
func ArchiveFormat(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tgz"
	case strings.HasSuffix(lower, ".tar"):
		return "tar"
	case strings.HasSuffix(lower, ".zip"):
		return "zip"
	}
	return ""
}

// extractArchive unpacks path into dest. Entries escaping dest are
// rejected; a single top-level directory is flattened into dest.
func extractArchive(path, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	var err error
	switch ArchiveFormat(path) {
	case "zip":
		err = extractZip(path, dest)
	case "tgz":
		err = extractTar(path, dest, true)
	case "tar":
		err = extractTar(path, dest, false)
	default:
		return fmt.Errorf("unsupported archive format: %s (use .tar, .tar.gz, .tgz or .zip)", filepath.Base(path))
	}
	if err != nil {
		return err
	}
	return flatten(dest)
}

// safeJoin resolves name inside dest, refusing absolute paths, ".." and
// paths that pass through a symlink extracted earlier.
func safeJoin(dest, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("illegal path in archive: %q", name)
	}
	target := filepath.Join(dest, name)
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal path in archive: %q", name)
	}
	if err := noSymlinkOnPath(dest, target); err != nil {
		return "", fmt.Errorf("illegal path in archive: %q: %w", name, err)
	}
	return target, nil
}

// noSymlinkOnPath walks from dest to target and fails on the first
// existing symlink, target included. A chain like a -> . then a/b -> ..
// would otherwise resolve outside dest even though every name is clean.
func noSymlinkOnPath(dest, target string) error {
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == "." {
		return err
	}
	cur := dest
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("crosses symlink %s", part)
		}
	}
	return nil
}

func extractTar(path, dest string, gz bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if gz {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("malformed gzip stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("malformed tar archive: %w", err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := linkEntry(dest, target, hdr.Linkname); err != nil {
				return err
			}
		default:
			// hard links, devices and fifos are skipped
		}
	}
}

func extractZip(path, dest string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("malformed zip archive: %w", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if zf.Mode()&os.ModeSymlink != 0 {
			// zip stores link targets as file content
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("malformed zip entry %s: %w", zf.Name, err)
		}
		err = writeEntry(target, rc, zf.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	perm := os.FileMode(0644)
	if mode&0111 != 0 {
		perm = 0755
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, maxArchiveFile+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n > maxArchiveFile {
		return fmt.Errorf("archive entry %s exceeds %d bytes", filepath.Base(target), maxArchiveFile)
	}
	return nil
}

// linkEntry creates a symlink only when its target stays inside dest.
func linkEntry(dest, target, linkname string) error {
	// "a/.." is cleaned lexically but resolves through a when a is a link
	if filepath.IsAbs(linkname) || filepath.Clean(linkname) != linkname {
		return fmt.Errorf("illegal symlink in archive: %s -> %s", target, linkname)
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	if resolved != dest && !strings.HasPrefix(resolved, dest+string(os.PathSeparator)) {
		return fmt.Errorf("illegal symlink in archive: %s -> %s", target, linkname)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	return os.Symlink(linkname, target)
}

// flatten moves the contents of a lone top-level directory up into dest.
func flatten(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}
	inner := filepath.Join(dest, entries[0].Name())
	children, err := os.ReadDir(inner)
	if err != nil {
		return err
	}

	// move the inner dir aside first so a child with the same name fits
	tmp := filepath.Join(dest, ".flatten-"+entries[0].Name())
	if err := os.Rename(inner, tmp); err != nil {
		return err
	}
	for _, c := range children {
		if err := os.Rename(filepath.Join(tmp, c.Name()), filepath.Join(dest, c.Name())); err != nil {
			return err
		}
	}
	return os.Remove(tmp)
}
