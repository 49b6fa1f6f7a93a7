//go:build unix

package fsutil

import (
	"fmt"
	"os"
	"syscall"

	"github.com/teranos/docpulse/errors"
)

// FileLock is an advisory flock held for the lifetime of a run so two
// processes never drive the same checkpoint file.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a lock backed by the file at path. Nothing is acquired
// until TryLock.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the lock without blocking. Returns an error wrapping
// errors.ErrLocked when another process holds it.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return errors.Wrap(err, "open lock file")
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		err = errors.Wrapf(errors.ErrLocked, "acquire %s: %v", fl.path, err)
		return errors.WithHint(err, "another run is using this checkpoint; wait for it or choose a different checkpoint path")
	}

	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
		_ = f.Sync()
	}

	fl.file = f
	return nil
}

// Unlock releases the lock and removes the lock file.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return errors.Wrap(err, "release lock")
	}
	if err := fl.file.Close(); err != nil {
		fl.file = nil
		return errors.Wrap(err, "close lock file")
	}

	_ = os.Remove(fl.path)
	fl.file = nil
	return nil
}
