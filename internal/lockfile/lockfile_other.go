//go:build !unix

package lockfile

import (
	"errors"
	"fmt"
	"os"
)

// Lock is an exclusive lock on a file, implemented with an O_EXCL pid
// file on platforms without flock.
type Lock struct {
	path string
}

// ErrLocked is returned when another process already holds the lock.
var ErrLocked = errors.New("lockfile: already locked")

// Acquire creates path exclusively. It returns ErrLocked immediately when
// the file already exists.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}
	return &Lock{path: path}, nil
}

// Release drops the lock by removing the lock file.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
