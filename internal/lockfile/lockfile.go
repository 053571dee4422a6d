// Package lockfile provides exclusive advisory locks backed by flock(2).
//
// Every sitectl command is a separate process, so the serialization the
// engine promises (one operation per domain, one apply at a time on the
// host, one deployment per domain, one writer per registry file) is held
// in lock files under the state directory. flock locks belong to the open
// file description, which makes two Lock values on the same path exclude
// each other inside one process as well. The kernel drops a lock when its
// holder exits, so a crashed command never leaves a stale lock behind.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryAcquire when another holder owns the lock.
var ErrLocked = errors.New("lock is held by another operation")

// pollInterval is how often Acquire retries a held lock.
const pollInterval = 25 * time.Millisecond

// Lock is a held lock. Release it exactly once.
type Lock struct {
	f *os.File
}

func open(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	return f, nil
}

// TryAcquire takes the lock at path without waiting. It returns ErrLocked
// if the lock is held.
func TryAcquire(path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Acquire takes the lock at path, waiting for the current holder until
// ctx is done.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	for {
		l, err := TryAcquire(path)
		if !errors.Is(err, ErrLocked) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Hold runs fn with the lock at path held, waiting at most wait for the
// current holder.
func Hold(path string, wait time.Duration, fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	l, err := Acquire(ctx, path)
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer l.Release()
	return fn()
}

// Release drops the lock. The lock file stays in place; removing it would
// let a waiter lock an unlinked inode while a newcomer locks a fresh one.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// Dir returns the directory holding lock files under stateDir.
func Dir(stateDir string) string {
	return filepath.Join(stateDir, "locks")
}

// Path returns the lock file for kind and name under stateDir, e.g.
// Path(dir, "site", "example.com") is <dir>/locks/site-example.com.lock.
func Path(stateDir, kind, name string) string {
	if name == "" {
		return filepath.Join(Dir(stateDir), kind+".lock")
	}
	return filepath.Join(Dir(stateDir), kind+"-"+name+".lock")
}
