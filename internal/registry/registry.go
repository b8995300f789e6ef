// Package registry implements the file-backed route registry: the JSON
// array of live routes that the daemon's reloader and the launchers'
// add/remove calls all read and write under the directory lock.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// FileName is the registry's on-disk name within the state directory.
const FileName = "routes.json"

// LockName is the advisory lock directory's name within the state directory.
const LockName = "routes.lock"

// Route is one hostname-to-backend mapping held by the registry.
type Route struct {
	Hostname string `json:"hostname"`
	Port     uint16 `json:"port"`
	PID      int    `json:"pid"`
}

// Load reads the registry file in dir, dropping entries whose pid is not a
// live process. A missing or malformed file is treated as an empty
// registry. Load does not acquire the lock: it is a read-only snapshot and
// may race with concurrent writers; callers needing a consistent
// read-modify-write compose Load inside Add/Remove under the lock.
func Load(dir string) ([]Route, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Route{}, nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}

	var routes []Route
	if err := json.Unmarshal(data, &routes); err != nil {
		// Malformed file is equivalent to empty; the next write overwrites it.
		return []Route{}, nil
	}

	live := make([]Route, 0, len(routes))
	for _, r := range routes {
		if isAlive(r.PID) {
			live = append(live, r)
		}
	}
	return live, nil
}

// Add acquires the lock, loads the current snapshot, replaces any existing
// entry for r.Hostname, appends r, and writes the result back atomically.
// Re-registering the same hostname is idempotent: it replaces the prior
// entry's port and pid.
func Add(dir string, r Route) error {
	return withLock(dir, func() error {
		routes, err := Load(dir)
		if err != nil {
			return err
		}

		out := make([]Route, 0, len(routes)+1)
		for _, existing := range routes {
			if existing.Hostname != r.Hostname {
				out = append(out, existing)
			}
		}
		out = append(out, r)

		return save(dir, out)
	})
}

// Remove acquires the lock, loads the current snapshot, drops any entry
// matching hostname, and writes the result back. Removing a hostname that
// isn't present is a successful no-op.
func Remove(dir string, hostname string) error {
	return withLock(dir, func() error {
		routes, err := Load(dir)
		if err != nil {
			return err
		}

		out := make([]Route, 0, len(routes))
		for _, existing := range routes {
			if existing.Hostname != hostname {
				out = append(out, existing)
			}
		}

		return save(dir, out)
	})
}

// save writes routes to the registry file via temp-file-then-rename, so
// readers see either the old file or the new one, never a partial write.
func save(dir string, routes []Route) error {
	path := filepath.Join(dir, FileName)

	data, err := json.Marshal(routes)
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".routes-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("registry: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("registry: rename temp file: %w", err)
	}
	return nil
}

// isAlive reports whether pid identifies a live, signalable process.
func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, syscall.Signal(0)) == nil
}
