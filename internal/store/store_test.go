package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksyq12/sitectl/internal/errors"
)

type fixture struct {
	store *Store
	root  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	return &fixture{store: New(filepath.Join(root, "state")), root: root}
}

func (f *fixture) path(parts ...string) string {
	return filepath.Join(append([]string{f.root, "etc"}, parts...)...)
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

func TestWrite(t *testing.T) {
	f := newFixture(t)
	vhost := f.path("sites-available", "example.com.conf")
	link := f.path("sites-enabled", "example.com.conf")

	v, err := f.store.Write("example.com", map[string]File{
		vhost: Regular("server {}\n"),
		link:  Symlink(vhost),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	assert.Equal(t, "server {}\n", readFile(t, vhost))
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, vhost, target)

	head, ok, err := f.store.Head("example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, head)

	// baseline snapshot records the pre-write state
	base, err := f.store.Get("example.com", 0)
	require.NoError(t, err)
	assert.True(t, base.Files[vhost].Absent)
	assert.True(t, base.Files[link].Absent)

	// no temp files are left behind
	entries, err := os.ReadDir(filepath.Dir(vhost))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteVersionsIncrease(t *testing.T) {
	f := newFixture(t)
	p := f.path("a.conf")

	for i := 1; i <= 3; i++ {
		v, err := f.store.Write("example.com", map[string]File{p: Regular(fmt.Sprintf("v%d", i))})
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	require.NoError(t, f.store.Rollback("example.com", 1))
	v, err := f.store.Write("example.com", map[string]File{p: Regular("v4")})
	require.NoError(t, err)
	assert.Equal(t, 4, v, "versions are never reused after a rollback")

	snap, err := f.store.Get("example.com", 4)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Parent)
	assert.Equal(t, "v1", snap.Previous[p].Content)
}

func TestWriteRejectsRelativePaths(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Write("example.com", map[string]File{"etc/nginx/x.conf": Regular("x")})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = f.store.Write("example.com", nil)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestWriteAtomicity(t *testing.T) {
	f := newFixture(t)
	a := f.path("a.conf")
	b := f.path("b.conf")
	c := f.path("c.conf")

	_, err := f.store.Write("example.com", map[string]File{
		a: Regular("a1"),
		b: Regular("b1"),
	})
	require.NoError(t, err)

	f.store.rename = func(oldpath, newpath string) error {
		if newpath == c {
			return fmt.Errorf("injected failure")
		}
		return os.Rename(oldpath, newpath)
	}

	_, err = f.store.Write("example.com", map[string]File{
		a: Regular("a2"),
		b: Removed(),
		c: Regular("c2"),
	})
	require.Error(t, err)

	assert.Equal(t, "a1", readFile(t, a), "already renamed target must be reverted")
	assert.Equal(t, "b1", readFile(t, b), "removed target must be restored")
	_, err = os.Stat(c)
	assert.True(t, os.IsNotExist(err))

	head, _, err := f.store.Head("example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, head, "failed write must not move HEAD")

	_, err = f.store.Get("example.com", 2)
	assert.True(t, errors.Is(err, errors.ErrSnapshotNotFound))

	entries, err := os.ReadDir(f.path())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".sitectl-", "staged temp file left behind")
	}
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	vhost := f.path("vhost.conf")
	pool := f.path("pool.conf")

	_, err := f.store.Write("example.com", map[string]File{vhost: Regular("vhost v1")})
	require.NoError(t, err)
	_, err = f.store.Write("example.com", map[string]File{
		vhost: Regular("vhost v2"),
		pool:  Regular("pool v2"),
	})
	require.NoError(t, err)

	require.NoError(t, f.store.Rollback("example.com", 1))
	assert.Equal(t, "vhost v1", readFile(t, vhost))
	_, err = os.Stat(pool)
	assert.True(t, os.IsNotExist(err), "path first written after v1 is absent at v1")

	// rolling back again is a no-op
	require.NoError(t, f.store.Rollback("example.com", 1))
	assert.Equal(t, "vhost v1", readFile(t, vhost))

	require.NoError(t, f.store.Rollback("example.com", 2))
	assert.Equal(t, "pool v2", readFile(t, pool))

	// baseline removes everything this domain ever wrote
	require.NoError(t, f.store.Rollback("example.com", 0))
	_, err = os.Stat(vhost)
	assert.True(t, os.IsNotExist(err))
}

func TestRollbackPreservesExternalState(t *testing.T) {
	f := newFixture(t)
	p := f.path("existing.conf")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte("handwritten"), 0644))

	_, err := f.store.Write("example.com", map[string]File{p: Regular("generated")})
	require.NoError(t, err)

	require.NoError(t, f.store.Rollback("example.com", 0))
	assert.Equal(t, "handwritten", readFile(t, p))
}

func TestRollbackIdempotentLeavesFilesUntouched(t *testing.T) {
	f := newFixture(t)
	p := f.path("a.conf")
	_, err := f.store.Write("example.com", map[string]File{p: Regular("one")})
	require.NoError(t, err)
	_, err = f.store.Write("example.com", map[string]File{p: Regular("two")})
	require.NoError(t, err)

	require.NoError(t, f.store.Rollback("example.com", 1))
	before, err := os.Stat(p)
	require.NoError(t, err)

	f.store.rename = func(string, string) error {
		t.Fatal("no rename expected for a repeated rollback")
		return nil
	}
	require.NoError(t, f.store.Rollback("example.com", 1))

	after, err := os.Stat(p)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after))
}

func TestRollbackSnapshotNotFound(t *testing.T) {
	f := newFixture(t)
	err := f.store.Rollback("example.com", 7)
	assert.True(t, errors.Is(err, errors.ErrSnapshotNotFound))
}

func TestPrune(t *testing.T) {
	f := newFixture(t)
	p := f.path("a.conf")
	for i := 1; i <= 5; i++ {
		_, err := f.store.Write("example.com", map[string]File{p: Regular(fmt.Sprint(i))})
		require.NoError(t, err)
	}

	removed, err := f.store.Prune("example.com", 2)
	require.NoError(t, err)
	assert.Equal(t, 4, removed) // 0..3

	list, err := f.store.List("example.com")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 4, list[0].Version)
	assert.Equal(t, 5, list[1].Version)
}

func TestPruneNeverRemovesHead(t *testing.T) {
	f := newFixture(t)
	p := f.path("a.conf")
	for i := 1; i <= 5; i++ {
		_, err := f.store.Write("example.com", map[string]File{p: Regular(fmt.Sprint(i))})
		require.NoError(t, err)
	}
	require.NoError(t, f.store.Rollback("example.com", 2))

	_, err := f.store.Prune("example.com", 1)
	require.NoError(t, err)

	_, err = f.store.Get("example.com", 2)
	require.NoError(t, err, "HEAD snapshot must survive pruning")
	_, err = f.store.Get("example.com", 1)
	assert.True(t, errors.Is(err, errors.ErrSnapshotNotFound))

	_, err = f.store.Prune("example.com", 0)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestPurgeAndRename(t *testing.T) {
	f := newFixture(t)
	p := f.path("a.conf")
	_, err := f.store.Write("old.example.com", map[string]File{p: Regular("x")})
	require.NoError(t, err)

	require.NoError(t, f.store.Rename("old.example.com", "new.example.com"))
	head, ok, err := f.store.Head("new.example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, head)

	require.NoError(t, f.store.Purge("new.example.com"))
	_, ok, err = f.store.Head("new.example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDomainsAreIsolated(t *testing.T) {
	f := newFixture(t)
	a := f.path("a.conf")
	b := f.path("b.conf")

	_, err := f.store.Write("a.example.com", map[string]File{a: Regular("a1")})
	require.NoError(t, err)
	_, err = f.store.Write("b.example.com", map[string]File{b: Regular("b1")})
	require.NoError(t, err)
	_, err = f.store.Write("a.example.com", map[string]File{a: Regular("a2")})
	require.NoError(t, err)

	require.NoError(t, f.store.Rollback("a.example.com", 1))
	assert.Equal(t, "a1", readFile(t, a))
	assert.Equal(t, "b1", readFile(t, b))
}

// crash runs fn and swallows the panic it raises, standing in for a
// process that dies mid-write.
func crash(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		require.NotNil(t, recover(), "expected the write to be cut short")
	}()
	fn()
}

func TestWriteRecordsSnapshotBeforeHead(t *testing.T) {
	f := newFixture(t)
	p := f.path("a.conf")

	var seen *Snapshot
	f.store.advance = func(domain string, v int) error {
		// live file is in place and the snapshot is already durable
		assert.Equal(t, "a1", readFile(t, p))
		snap, err := f.store.load(domain, v)
		require.NoError(t, err)
		seen = snap
		_, err = os.Stat(f.store.pendingPath(domain))
		require.NoError(t, err, "pending marker must exist until HEAD moves")
		return f.store.advanceHead(domain, v)
	}

	_, err := f.store.WriteRecord("example.com", map[string]File{p: Regular("a1")}, "php: \"8.1\"\n")
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "php: \"8.1\"\n", seen.Record)

	_, err = os.Stat(f.store.pendingPath("example.com"))
	assert.True(t, os.IsNotExist(err))
}

func TestReconcileUndoesInterruptedWrite(t *testing.T) {
	f := newFixture(t)
	state := filepath.Join(f.root, "state")
	a := f.path("a.conf")
	b := f.path("b.conf")

	_, err := f.store.Write("example.com", map[string]File{a: Regular("a1")})
	require.NoError(t, err)

	f.store.advance = func(string, int) error { panic("killed") }
	crash(t, func() {
		_, _ = f.store.Write("example.com", map[string]File{
			a: Regular("a2"),
			b: Regular("b2"),
		})
	})
	assert.Equal(t, "a2", readFile(t, a), "live files changed before the crash")

	// a fresh process over the same state directory
	next := New(state)
	found, err := next.Reconcile("example.com")
	require.NoError(t, err)
	assert.True(t, found)

	assert.Equal(t, "a1", readFile(t, a))
	_, err = os.Stat(b)
	assert.True(t, os.IsNotExist(err))

	head, _, err := next.Head("example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, head)
	_, err = next.Get("example.com", 2)
	assert.True(t, errors.Is(err, errors.ErrSnapshotNotFound))

	found, err = next.Reconcile("example.com")
	require.NoError(t, err)
	assert.False(t, found, "nothing left to reconcile")
}

func TestReconcileFirstWrite(t *testing.T) {
	f := newFixture(t)
	a := f.path("a.conf")

	f.store.advance = func(string, int) error { panic("killed") }
	crash(t, func() {
		_, _ = f.store.Write("example.com", map[string]File{a: Regular("a1")})
	})

	next := New(filepath.Join(f.root, "state"))
	pending, err := next.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, pending)

	found, err := next.Reconcile("example.com")
	require.NoError(t, err)
	assert.True(t, found)

	pending, err = next.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = os.Stat(a)
	assert.True(t, os.IsNotExist(err))
	list, err := next.List("example.com")
	require.NoError(t, err)
	assert.Empty(t, list, "baseline of the unfinished first write is dropped")
}

func TestReconcileAfterHeadMoved(t *testing.T) {
	f := newFixture(t)
	a := f.path("a.conf")

	// HEAD reached disk but the marker removal did not
	f.store.advance = func(domain string, v int) error {
		require.NoError(t, f.store.writeHead(domain, v))
		panic("killed")
	}
	crash(t, func() {
		_, _ = f.store.Write("example.com", map[string]File{a: Regular("a1")})
	})

	next := New(filepath.Join(f.root, "state"))
	found, err := next.Reconcile("example.com")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "a1", readFile(t, a))
	head, _, err := next.Head("example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, head)
}

func TestWriteReconcilesFirst(t *testing.T) {
	f := newFixture(t)
	a := f.path("a.conf")
	b := f.path("b.conf")

	_, err := f.store.Write("example.com", map[string]File{a: Regular("a1")})
	require.NoError(t, err)

	f.store.advance = func(string, int) error { panic("killed") }
	crash(t, func() {
		_, _ = f.store.Write("example.com", map[string]File{b: Regular("b2")})
	})

	next := New(filepath.Join(f.root, "state"))
	v, err := next.Write("example.com", map[string]File{a: Regular("a3")})
	require.NoError(t, err)
	assert.Equal(t, 2, v, "the interrupted version is discarded")
	_, err = os.Stat(b)
	assert.True(t, os.IsNotExist(err))

	snap, err := next.Get("example.com", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Parent)
}

func TestStateAt(t *testing.T) {
	f := newFixture(t)
	a := f.path("a.conf")
	b := f.path("b.conf")

	_, err := f.store.Write("example.com", map[string]File{a: Regular("a1")})
	require.NoError(t, err)
	_, err = f.store.Write("example.com", map[string]File{b: Regular("b2")})
	require.NoError(t, err)

	state, err := f.store.StateAt("example.com", 1)
	require.NoError(t, err)
	assert.Equal(t, Regular("a1"), state[a])
	assert.True(t, state[b].Absent, "b was created after version 1")

	_, err = f.store.StateAt("example.com", 9)
	assert.True(t, errors.Is(err, errors.ErrSnapshotNotFound))
}
