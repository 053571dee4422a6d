package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ksyq12/sitectl/internal/store"
)

// mount maps a live config directory onto its copy in a staging tree.
type mount struct {
	live   string
	staged string
	ref    *regexp.Regexp
}

// stagedTree is a private copy of live config directories with candidate
// files laid over it. Absolute references to a copied directory, in file
// contents and symlink targets, point into the copy, so a service dry-run
// against the copy never reads the live files it replaces.
type stagedTree struct {
	dir    string
	mounts []mount
}

// stageTree copies roots into a fresh temp dir and applies files on top.
// A root nested in another root is copied once, as part of the outer one.
// Files outside every root are left out.
func stageTree(roots []string, files map[string]store.File) (*stagedTree, error) {
	dir, err := os.MkdirTemp("", "sitectl-validate-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	t := &stagedTree{dir: dir}

	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		if r != "" {
			clean = append(clean, filepath.Clean(r))
		}
	}
	sort.Slice(clean, func(i, j int) bool { return len(clean[i]) < len(clean[j]) })
	for _, r := range clean {
		if t.path(r) != "" {
			continue
		}
		staged := filepath.Join(dir, strconv.Itoa(len(t.mounts)))
		t.mounts = append(t.mounts, mount{
			live:   r,
			staged: staged,
			ref:    regexp.MustCompile(`(^|[^\w./-])` + regexp.QuoteMeta(r) + `(/|[^\w./-]|$)`),
		})
	}

	for _, m := range t.mounts {
		if err := t.copyDir(m); err != nil {
			t.Remove()
			return nil, err
		}
	}
	for _, p := range sortedPaths(files) {
		if err := t.overlay(p, files[p]); err != nil {
			t.Remove()
			return nil, err
		}
	}
	return t, nil
}

// path returns the staged location of live path p, or "" when p lies
// outside every copied root.
func (t *stagedTree) path(p string) string {
	p = filepath.Clean(p)
	for _, m := range t.mounts {
		if p == m.live {
			return m.staged
		}
		if strings.HasPrefix(p, m.live+"/") {
			return m.staged + p[len(m.live):]
		}
	}
	return ""
}

// rewrite points absolute references to copied roots into the copy.
func (t *stagedTree) rewrite(s string) string {
	for _, m := range t.mounts {
		s = m.ref.ReplaceAllString(s, "${1}"+m.staged+"${2}")
	}
	return s
}

// Remove deletes the staging tree.
func (t *stagedTree) Remove() {
	_ = os.RemoveAll(t.dir)
}

func (t *stagedTree) copyDir(m mount) error {
	if _, err := os.Stat(m.live); os.IsNotExist(err) {
		return os.MkdirAll(m.staged, 0755)
	}
	return filepath.WalkDir(m.live, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		dst := m.staged + p[len(m.live):]
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(dst, 0755)
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(t.link(target), dst)
		case info.Mode().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return os.WriteFile(dst, []byte(t.rewrite(string(data))), info.Mode().Perm())
		default:
			return nil
		}
	})
}

func (t *stagedTree) link(target string) string {
	if filepath.IsAbs(target) {
		if staged := t.path(target); staged != "" {
			return staged
		}
	}
	return target
}

func (t *stagedTree) overlay(p string, f store.File) error {
	dst := t.path(p)
	if dst == "" {
		return nil
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if f.Absent {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if f.Link != "" {
		return os.Symlink(t.link(f.Link), dst)
	}
	return os.WriteFile(dst, []byte(t.rewrite(f.Content)), 0644)
}

func sortedPaths(files map[string]store.File) []string {
	out := make([]string, 0, len(files))
	for p := range files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
