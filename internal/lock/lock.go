// Package lock implements the directory-based advisory lock used to
// serialize access to the route registry across unrelated processes.
package lock

import (
	"fmt"
	"os"
	"time"
)

// staleAfter is how long a lock directory can sit untouched before a new
// acquirer presumes its holder is dead and removes it.
const staleAfter = 10 * time.Second

// retryBudget bounds how long Acquire keeps retrying mkdir before giving up.
const retryBudget = 2 * time.Second

const retrySleep = 20 * time.Millisecond

// Lock represents a held directory lock. The zero value is not valid;
// obtain one from Acquire.
type Lock struct {
	path string
	held bool
}

// Acquire takes the advisory lock rooted at path, which is created as a
// directory for the duration the lock is held. It retries mkdir for up to a
// fixed budget, reclaiming the lock if its modification time indicates the
// previous holder is stale. The returned Lock must be released with
// Release(), including on every error path of the caller.
func Acquire(path string) (*Lock, error) {
	deadline := time.Now().Add(retryBudget)
	for {
		err := os.Mkdir(path, 0700)
		if err == nil {
			return &Lock{path: path, held: true}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lock: create %s: %w", path, err)
		}

		if isStale(path) {
			// Best effort: another racer may reclaim first, in which case
			// our rmdir fails harmlessly and the next mkdir attempt loses
			// the race instead of corrupting state.
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock: %s held by another process, timed out after %s", path, retryBudget)
		}
		time.Sleep(retrySleep)
	}
}

// isStale reports whether the lock directory at path is older than
// staleAfter, meaning its holder is presumed dead.
func isStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		// Gone already (raced with the holder's own Release); not our lock
		// to reclaim, the next mkdir attempt will simply succeed.
		return false
	}
	return time.Since(info.ModTime()) > staleAfter
}

// Release removes the lock directory, giving up the lock. Calling Release
// more than once returns an error on the second and subsequent calls.
func (l *Lock) Release() error {
	if !l.held {
		return fmt.Errorf("lock: %s already released", l.path)
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: release %s: %w", l.path, err)
	}
	return nil
}
