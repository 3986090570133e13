// Package lockfile provides the per-feed single-instance lock: an exclusive
// flock on a well-known path, released by the OS on process exit.
package lockfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrBusy means another process holds the lock.
var ErrBusy = errors.New("lock held by another process")

type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the exclusive lock or fails immediately with ErrBusy.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrBusy)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{path: path, f: f}, nil
}

func (self *Lock) Path() string { return self.path }

// Release drops the lock. Safe to call more than once.
func (self *Lock) Release() error {
	if self.f == nil {
		return nil
	}
	err := self.f.Close()
	self.f = nil
	return err
}
