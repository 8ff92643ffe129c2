//go:build unix

package lockfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is an exclusive advisory lock on a file.
//
// The lock is held for the lifetime of the Lock and released by Release.
// It is advisory: only cooperating processes that go through Acquire are
// excluded.
type Lock struct {
	f *os.File
}

// ErrLocked is returned when another process already holds the lock.
var ErrLocked = errors.New("lockfile: already locked")

// Acquire takes an exclusive, non-blocking flock on path, creating the
// file if necessary. It returns ErrLocked immediately when the lock is
// held elsewhere; callers apply their own retry policy.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. The lock file itself is left in place; removing
// it would race with a concurrent Acquire on the same path.
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
