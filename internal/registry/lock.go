package registry

import (
	"path/filepath"

	"github.com/portless-dev/portless/internal/lock"
)

// withLock acquires the registry's directory lock in dir, runs fn, and
// releases the lock on every exit path including when fn returns an error.
func withLock(dir string, fn func() error) error {
	l, err := lock.Acquire(filepath.Join(dir, LockName))
	if err != nil {
		return err
	}
	defer l.Release()

	return fn()
}
