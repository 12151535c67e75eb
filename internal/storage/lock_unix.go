//go:build unix

package storage

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const lockFileName = "LOCK"

// dirLock is an advisory exclusive lock on a store directory.
type dirLock struct {
	file *os.File
}

// lockDir takes the lock on dir without blocking. A lock held by another Store,
// in this process or another, fails with ErrLocked.
func lockDir(dir string) (*dirLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, ioError(err, "open lock file")
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(ErrLocked, "%s", dir)
		}
		return nil, ioError(err, "lock %s", dir)
	}
	return &dirLock{file: f}, nil
}

func (l *dirLock) release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return ioError(err, "unlock")
	}
	if err := l.file.Close(); err != nil {
		return ioError(err, "close lock file")
	}
	return nil
}
