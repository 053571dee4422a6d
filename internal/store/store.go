// Package store keeps generated configuration files under versioned
// snapshots so any applied version can be restored.
//
// Every Write records one immutable Snapshot holding the state of every
// path the domain has ever tracked, plus the pre-write state of the paths
// it touched. The snapshot reaches disk before any live file changes,
// together with a PENDING marker; HEAD moves and the marker goes away
// once every target is in place. Files are staged next to their targets
// and renamed into place one by one; if a rename fails the already
// renamed targets are put back from the captured pre-write state, so
// callers observe either the whole write or none of it. A write cut
// short by a crash is undone by Reconcile from the recorded pre-state.
//
// Layout under the state directory:
//
//	snapshots/<domain>/0.yaml     baseline (state before the first write)
//	snapshots/<domain>/<v>.yaml   one file per version
//	snapshots/<domain>/HEAD       version currently applied
//	snapshots/<domain>/PENDING    version being written, if any
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/logger"
)

const (
	headFile    = "HEAD"
	pendingFile = "PENDING"
)

// File is the desired state of one path: regular content, a symlink
// (Link set) or removal (Absent set).
type File struct {
	Content string `yaml:"content,omitempty"`
	Link    string `yaml:"link,omitempty"`
	Absent  bool   `yaml:"absent,omitempty"`
}

// Regular returns a File with content.
func Regular(content string) File { return File{Content: content} }

// Symlink returns a File that is a symlink to target.
func Symlink(target string) File { return File{Link: target} }

// Removed returns a File that must not exist.
func Removed() File { return File{Absent: true} }

func (f File) String() string {
	switch {
	case f.Absent:
		return "absent"
	case f.Link != "":
		return "link -> " + f.Link
	default:
		return fmt.Sprintf("file (%d bytes)", len(f.Content))
	}
}

// Snapshot is one immutable version of a domain's tracked files. Record
// is opaque to the store: callers keep what the files were rendered from.
type Snapshot struct {
	Version   int             `yaml:"version"`
	Parent    int             `yaml:"parent"`
	Domain    string          `yaml:"domain"`
	Files     map[string]File `yaml:"files"`
	Previous  map[string]File `yaml:"previous,omitempty"`
	Record    string          `yaml:"record,omitempty"`
	CreatedAt time.Time       `yaml:"created_at"`
}

// Paths returns the tracked paths, sorted.
func (s *Snapshot) Paths() []string {
	return sortedKeys(s.Files)
}

// Store is a versioned config store rooted at a state directory.
type Store struct {
	dir string
	mu  sync.Mutex

	// rename and advance are swapped in tests to inject failures.
	rename  func(oldpath, newpath string) error
	advance func(domain string, v int) error
	now     func() time.Time
}

// New creates a Store keeping snapshots under stateDir/snapshots.
func New(stateDir string) *Store {
	s := &Store{
		dir:    filepath.Join(stateDir, "snapshots"),
		rename: os.Rename,
		now:    time.Now,
	}
	s.advance = s.advanceHead
	return s
}

func (s *Store) domainDir(domain string) string {
	return filepath.Join(s.dir, domain)
}

// Write applies files for domain and records a new snapshot. It returns
// the new version.
func (s *Store) Write(domain string, files map[string]File) (int, error) {
	return s.WriteRecord(domain, files, "")
}

// WriteRecord is Write with a caller-defined record kept in the snapshot.
func (s *Store) WriteRecord(domain string, files map[string]File, record string) (int, error) {
	if len(files) == 0 {
		return 0, errors.Validation("store: nothing to write")
	}
	for p := range files {
		if !filepath.IsAbs(p) || filepath.Clean(p) != p {
			return 0, errors.Validationf("store: path must be absolute and clean: %q", p)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.reconcile(domain); err != nil {
		return 0, err
	}
	snaps, err := s.loadAll(domain)
	if err != nil {
		return 0, err
	}
	head, hasHead, err := s.readHead(domain)
	if err != nil {
		return 0, err
	}

	pre, err := captureAll(sortedKeys(files))
	if err != nil {
		return 0, err
	}

	base := map[string]File{}
	parent := 0
	if hasHead {
		if hs, ok := snaps[head]; ok {
			base = hs.Files
		}
		parent = head
	}

	next := maxVersion(snaps) + 1
	snap := &Snapshot{
		Version:   next,
		Parent:    parent,
		Domain:    domain,
		Files:     copyFiles(base),
		Previous:  pre,
		Record:    record,
		CreatedAt: s.now().UTC(),
	}
	for p, f := range files {
		snap.Files[p] = f
	}

	var baseline *Snapshot
	if len(snaps) == 0 {
		baseline = &Snapshot{
			Version:   0,
			Domain:    domain,
			Files:     copyFiles(pre),
			CreatedAt: snap.CreatedAt,
		}
	}
	if err := s.record(domain, baseline, snap); err != nil {
		s.discard(domain, snap.Version, baseline != nil)
		return 0, err
	}

	if err := s.apply(files, pre); err != nil {
		s.discard(domain, snap.Version, baseline != nil)
		return 0, err
	}
	if err := s.advance(domain, snap.Version); err != nil {
		s.revert(pre, sortedKeys(files))
		s.discard(domain, snap.Version, baseline != nil)
		return 0, errors.Wrap(errors.ErrCodeInternal, "failed to advance HEAD", err)
	}

	logger.DebugFields("config written", map[string]interface{}{
		"domain":  domain,
		"version": next,
		"paths":   len(files),
	})
	return next, nil
}

// Reconcile undoes a write of domain that was interrupted after live
// files started changing but before HEAD moved: every path the write
// touched is put back to its recorded pre-write state and the unfinished
// snapshot is dropped. It reports whether such a write was found.
func (s *Store) Reconcile(domain string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcile(domain)
}

func (s *Store) reconcile(domain string) (bool, error) {
	v, ok, err := s.readVersionFile(domain, pendingFile)
	if err != nil || !ok {
		return false, err
	}
	head, hasHead, err := s.readHead(domain)
	if err != nil {
		return false, err
	}
	if hasHead && head == v {
		// HEAD moved; only the marker removal was lost
		return false, removePath(s.pendingPath(domain))
	}

	snap, err := s.load(domain, v)
	switch {
	case os.IsNotExist(err):
		// interrupted before the snapshot was saved, nothing live changed
	case err != nil:
		return false, err
	default:
		for _, p := range sortedKeys(snap.Previous) {
			if err := restore(p, snap.Previous[p]); err != nil {
				return false, errors.Wrap(errors.ErrCodeInternal, "failed to restore "+p, err)
			}
		}
	}
	s.discard(domain, v, !hasHead)

	logger.WarnFields("interrupted config write undone", map[string]interface{}{
		"domain":  domain,
		"version": v,
		"head":    head,
	})
	return true, nil
}

// Pending returns the domains with an unfinished write, sorted.
func (s *Store) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.pendingPath(e.Name())); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// StateAt returns the state at version of every path domain has tracked.
func (s *Store) StateAt(domain string, version int) (map[string]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.loadAll(domain)
	if err != nil {
		return nil, err
	}
	if _, ok := snaps[version]; !ok {
		return nil, errors.WrapDomain(errors.ErrCodeSnapshotNotFound, domain, fmt.Sprintf("snapshot %d not found", version), nil)
	}
	out := map[string]File{}
	for p := range trackedPaths(snaps) {
		out[p] = stateAt(snaps, version, p)
	}
	return out, nil
}

// Rollback restores every tracked path of domain to its state at version
// to and moves HEAD there. Rolling back to the current HEAD is a no-op.
func (s *Store) Rollback(domain string, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.reconcile(domain); err != nil {
		return err
	}
	snaps, err := s.loadAll(domain)
	if err != nil {
		return err
	}
	if _, ok := snaps[to]; !ok {
		return errors.WrapDomain(errors.ErrCodeSnapshotNotFound, domain, fmt.Sprintf("snapshot %d not found", to), nil)
	}
	head, hasHead, err := s.readHead(domain)
	if err != nil {
		return err
	}
	if hasHead && head == to {
		return nil
	}

	changes := map[string]File{}
	for p := range trackedPaths(snaps) {
		want := stateAt(snaps, to, p)
		have, err := capture(p)
		if err != nil {
			return err
		}
		if have != want {
			changes[p] = want
		}
	}

	if len(changes) > 0 {
		pre, err := captureAll(sortedKeys(changes))
		if err != nil {
			return err
		}
		if err := s.apply(changes, pre); err != nil {
			return err
		}
	}
	if err := s.writeHead(domain, to); err != nil {
		return err
	}

	logger.InfoFields("config rolled back", map[string]interface{}{
		"domain":  domain,
		"from":    head,
		"to":      to,
		"changed": len(changes),
	})
	return nil
}

// Prune deletes snapshots older than the newest keep versions. The HEAD
// version and anything after it are never deleted.
func (s *Store) Prune(domain string, keep int) (int, error) {
	if keep < 1 {
		return 0, errors.Validation("store: keep must be at least 1")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.versions(domain)
	if err != nil {
		return 0, err
	}
	if len(versions) <= keep {
		return 0, nil
	}
	cutoff := versions[len(versions)-keep]
	if head, ok, err := s.readHead(domain); err != nil {
		return 0, err
	} else if ok && head < cutoff {
		cutoff = head
	}

	removed := 0
	for _, v := range versions {
		if v >= cutoff {
			break
		}
		if err := os.Remove(s.snapshotPath(domain, v)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove snapshot %d: %w", v, err)
		}
		removed++
	}
	if removed > 0 {
		logger.Debug("pruned %d snapshots for %s", removed, domain)
	}
	return removed, nil
}

// Head returns the version currently applied for domain. ok is false when
// nothing was ever written.
func (s *Store) Head(domain string) (version int, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readHead(domain)
}

// Get returns the snapshot at version.
func (s *Store) Get(domain string, version int) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load(domain, version)
	if os.IsNotExist(err) {
		return nil, errors.WrapDomain(errors.ErrCodeSnapshotNotFound, domain, fmt.Sprintf("snapshot %d not found", version), nil)
	}
	return snap, err
}

// List returns all retained snapshots of domain, oldest first.
func (s *Store) List(domain string) ([]*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.loadAll(domain)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Purge removes the whole history of domain. Used once a site is deleted.
func (s *Store) Purge(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.domainDir(domain)); err != nil {
		return fmt.Errorf("purge snapshots for %s: %w", domain, err)
	}
	return nil
}

// Rename moves the history of oldDomain to newDomain.
func (s *Store) Rename(oldDomain, newDomain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.domainDir(oldDomain)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	return os.Rename(src, s.domainDir(newDomain))
}

// apply stages every file, then renames them into place in path order.
// On failure every applied path is restored from pre.
func (s *Store) apply(files map[string]File, pre map[string]File) error {
	paths := sortedKeys(files)

	staged := make(map[string]string, len(paths))
	cleanup := func() {
		for _, tmp := range staged {
			_ = os.Remove(tmp)
		}
	}
	for _, p := range paths {
		f := files[p]
		if f.Absent {
			continue
		}
		tmp, err := stage(p, f)
		if err != nil {
			cleanup()
			return errors.Wrap(errors.ErrCodeInternal, "failed to stage "+p, err)
		}
		staged[p] = tmp
	}

	var applied []string
	for _, p := range paths {
		var err error
		if files[p].Absent {
			err = removePath(p)
		} else {
			err = s.rename(staged[p], p)
			if err == nil {
				delete(staged, p)
			}
		}
		if err != nil {
			cleanup()
			s.revert(pre, applied)
			return errors.Wrap(errors.ErrCodeInternal, "failed to apply "+p, err)
		}
		applied = append(applied, p)
	}
	return nil
}

// revert restores paths to their state in pre, last applied first.
// Errors are logged and otherwise ignored.
func (s *Store) revert(pre map[string]File, paths []string) {
	for i := len(paths) - 1; i >= 0; i-- {
		p := paths[i]
		if err := restore(p, pre[p]); err != nil {
			logger.ErrorFields("failed to revert path", map[string]interface{}{
				"path":  p,
				"error": err,
			})
		}
	}
}

func restore(p string, f File) error {
	if f.Absent {
		return removePath(p)
	}
	tmp, err := stage(p, f)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// stage writes f to a hidden temp path next to p and returns that path.
func stage(p string, f File) (string, error) {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	prefix := "." + filepath.Base(p) + ".sitectl-"

	if f.Link != "" {
		tmp, err := os.CreateTemp(dir, prefix+"*")
		if err != nil {
			return "", err
		}
		name := tmp.Name()
		_ = tmp.Close()
		_ = os.Remove(name)
		if err := os.Symlink(f.Link, name); err != nil {
			return "", err
		}
		return name, nil
	}

	tmp, err := os.CreateTemp(dir, prefix+"*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(f.Content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	if err := os.Chmod(name, 0644); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func removePath(p string) error {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// capture reads the current on-disk state of p.
func capture(p string) (File, error) {
	info, err := os.Lstat(p)
	if os.IsNotExist(err) {
		return Removed(), nil
	}
	if err != nil {
		return File{}, err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return File{}, err
		}
		return Symlink(target), nil
	case info.Mode().IsRegular():
		data, err := os.ReadFile(p)
		if err != nil {
			return File{}, err
		}
		return Regular(string(data)), nil
	default:
		return File{}, errors.Newf(errors.ErrCodeValidation, "store: %s is not a regular file or symlink", p)
	}
}

func captureAll(paths []string) (map[string]File, error) {
	out := make(map[string]File, len(paths))
	for _, p := range paths {
		f, err := capture(p)
		if err != nil {
			return nil, err
		}
		out[p] = f
	}
	return out, nil
}

// stateAt resolves the state of p at version v. A path not tracked at v
// had whatever state the first later write that touched it captured.
func stateAt(snaps map[int]*Snapshot, v int, p string) File {
	if f, ok := snaps[v].Files[p]; ok {
		return f
	}
	best := -1
	for ver, sn := range snaps {
		if ver <= v {
			continue
		}
		if _, ok := sn.Previous[p]; ok && (best == -1 || ver < best) {
			best = ver
		}
	}
	if best == -1 {
		return Removed()
	}
	return snaps[best].Previous[p]
}

// record persists the pending marker, the baseline (if any) and the
// snapshot, in that order, before anything live is touched.
func (s *Store) record(domain string, baseline, snap *Snapshot) error {
	if err := os.MkdirAll(s.domainDir(domain), 0700); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "failed to create snapshot dir", err)
	}
	if err := writeAtomic(s.pendingPath(domain), []byte(strconv.Itoa(snap.Version)+"\n"), 0600); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "failed to mark write pending", err)
	}
	if baseline != nil {
		if err := s.save(baseline); err != nil {
			return err
		}
	}
	return s.save(snap)
}

// advanceHead makes v the applied version and clears the pending marker.
func (s *Store) advanceHead(domain string, v int) error {
	if err := s.writeHead(domain, v); err != nil {
		return err
	}
	return removePath(s.pendingPath(domain))
}

// discard drops an unfinished version v, the baseline too when it was
// created for it, and the pending marker.
func (s *Store) discard(domain string, v int, baseline bool) {
	paths := []string{s.snapshotPath(domain, v)}
	if baseline && v != 0 {
		paths = append(paths, s.snapshotPath(domain, 0))
	}
	paths = append(paths, s.pendingPath(domain))
	for _, p := range paths {
		if err := removePath(p); err != nil {
			logger.Warn("failed to remove %s: %v", p, err)
		}
	}
}

func (s *Store) pendingPath(domain string) string {
	return filepath.Join(s.domainDir(domain), pendingFile)
}

func trackedPaths(snaps map[int]*Snapshot) map[string]struct{} {
	tracked := map[string]struct{}{}
	for _, sn := range snaps {
		for p := range sn.Files {
			tracked[p] = struct{}{}
		}
		for p := range sn.Previous {
			tracked[p] = struct{}{}
		}
	}
	return tracked
}

func (s *Store) snapshotPath(domain string, v int) string {
	return filepath.Join(s.domainDir(domain), strconv.Itoa(v)+".yaml")
}

func (s *Store) save(snap *Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "failed to marshal snapshot", err)
	}
	if err := writeAtomic(s.snapshotPath(snap.Domain, snap.Version), data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "failed to save snapshot", err)
	}
	return nil
}

func (s *Store) load(domain string, v int) (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(domain, v))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, fmt.Sprintf("corrupt snapshot %d for %s", v, domain), err)
	}
	if snap.Files == nil {
		snap.Files = map[string]File{}
	}
	return &snap, nil
}

func (s *Store) versions(domain string) ([]int, error) {
	entries, err := os.ReadDir(s.domainDir(domain))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".yaml")
		if !ok {
			continue
		}
		v, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func (s *Store) loadAll(domain string) (map[int]*Snapshot, error) {
	versions, err := s.versions(domain)
	if err != nil {
		return nil, err
	}
	out := make(map[int]*Snapshot, len(versions))
	for _, v := range versions {
		sn, err := s.load(domain, v)
		if err != nil {
			return nil, err
		}
		out[v] = sn
	}
	return out, nil
}

func (s *Store) readHead(domain string) (int, bool, error) {
	return s.readVersionFile(domain, headFile)
}

func (s *Store) readVersionFile(domain, name string) (int, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.domainDir(domain), name))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, errors.Wrap(errors.ErrCodeInternal, "corrupt "+name+" for "+domain, err)
	}
	return v, true, nil
}

func (s *Store) writeHead(domain string, v int) error {
	return writeAtomic(filepath.Join(s.domainDir(domain), headFile), []byte(strconv.Itoa(v)+"\n"), 0600)
}

// writeAtomic writes data to a temp file and renames it over path.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

func maxVersion(snaps map[int]*Snapshot) int {
	m := 0
	for v := range snaps {
		if v > m {
			m = v
		}
	}
	return m
}

func copyFiles(in map[string]File) map[string]File {
	out := make(map[string]File, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]File) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteAtomic is exported for packages that persist small state files
// with the same temp-then-rename discipline.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return writeAtomic(path, data, perm)
}
