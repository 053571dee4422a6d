package lockfile

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire(t *testing.T) {
	path := Path(t.TempDir(), "site", "example.com")

	first, err := TryAcquire(path)
	require.NoError(t, err)

	_, err = TryAcquire(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Release())
	second, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := Path(t.TempDir(), "apply", "")
	held, err := TryAcquire(path)
	require.NoError(t, err)

	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = held.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := Acquire(ctx, path)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAcquireHonorsContext(t *testing.T) {
	path := Path(t.TempDir(), "apply", "")
	held, err := TryAcquire(path)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHold(t *testing.T) {
	path := Path(t.TempDir(), "registry", "sites")

	ran := false
	require.NoError(t, Hold(path, time.Second, func() error {
		ran = true
		_, err := TryAcquire(path)
		assert.ErrorIs(t, err, ErrLocked, "held while fn runs")
		return nil
	}))
	assert.True(t, ran)

	held, err := TryAcquire(path)
	require.NoError(t, err)
	defer held.Release()
	err = Hold(path, 50*time.Millisecond, func() error {
		t.Error("fn ran without the lock")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseTwice(t *testing.T) {
	l, err := TryAcquire(Path(t.TempDir(), "deploy", "example.com"))
	require.NoError(t, err)
	require.NoError(t, l.Release())
	assert.NoError(t, l.Release())
}

// A lock held by another process is visible here. flock(1) from
// util-linux holds the lock while sleeping.
func TestLockHeldByOtherProcess(t *testing.T) {
	if _, err := exec.LookPath("flock"); err != nil {
		t.Skip("flock(1) is not available")
	}
	path := Path(t.TempDir(), "site", "example.com")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))

	cmd := exec.Command("flock", "-x", path, "sleep", "2")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	require.Eventually(t, func() bool {
		l, err := TryAcquire(path)
		if err == nil {
			_ = l.Release()
			return false
		}
		return errors.Is(err, ErrLocked)
	}, time.Second, 20*time.Millisecond)
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/var/lib/sitectl", "locks", "apply.lock"), Path("/var/lib/sitectl", "apply", ""))
	assert.Equal(t, filepath.Join("/var/lib/sitectl", "locks", "site-example.com.lock"), Path("/var/lib/sitectl", "site", "example.com"))
}
