// Package pidfile tracks in-flight specs through plain-text PID lock files,
// one per spec. The files double as crash evidence: a lock whose process is
// gone marks a run that died without cleaning up.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/Iron-Ham/specflow/internal/errors"
)

// Dir manages lock files under a single directory.
type Dir struct {
	dir string
}

// New creates a lock directory manager.
func New(dir string) *Dir {
	return &Dir{dir: dir}
}

// Path returns the lock file location for a spec.
func (d *Dir) Path(specID string) string {
	return filepath.Join(d.dir, specID+".pid")
}

// Write records the PID for a spec. The content is the decimal PID and a
// trailing newline, nothing else.
func (d *Dir) Write(specID string, pid int) error {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := os.WriteFile(d.Path(specID), []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write pid file for spec %s: %w", specID, err)
	}
	return nil
}

// Read returns the PID recorded for a spec.
func (d *Dir) Read(specID string) (int, error) {
	data, err := os.ReadFile(d.Path(specID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("pid file", specID)
		}
		return 0, fmt.Errorf("failed to read pid file for spec %s: %w", specID, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file for spec %s is not a number: %w", specID, err)
	}
	return pid, nil
}

// Remove deletes the lock file for a spec. Removing a lock that does not
// exist is not an error.
func (d *Dir) Remove(specID string) error {
	if err := os.Remove(d.Path(specID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file for spec %s: %w", specID, err)
	}
	return nil
}

// IsProcessRunning probes a PID with signal 0. A permission error still
// means the process exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// IsLocked reports whether the spec has a lock file with a live process
// behind it.
func (d *Dir) IsLocked(specID string) bool {
	pid, err := d.Read(specID)
	if err != nil {
		return false
	}
	return IsProcessRunning(pid)
}

// Stop sends SIGTERM to the process holding the spec's lock. Used by the
// pause and stop operations; the agent is expected to exit and the guard on
// the scheduler side removes the lock.
func (d *Dir) Stop(specID string) error {
	pid, err := d.Read(specID)
	if err != nil {
		return err
	}
	if !IsProcessRunning(pid) {
		return errors.Wrapf(errors.ErrProcessNotRunning, "spec %s (pid %d)", specID, pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d for spec %s: %w", pid, specID, err)
	}
	return nil
}

// Lock is one entry from the lock directory.
type Lock struct {
	SpecID string
	PID    int
	Alive  bool
}

// List returns every lock file and whether its process is still alive,
// sorted by spec ID (directory order is already sorted by os.ReadDir).
func (d *Dir) List() ([]Lock, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock directory: %w", err)
	}

	var locks []Lock
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		specID := strings.TrimSuffix(entry.Name(), ".pid")
		pid, err := d.Read(specID)
		if err != nil {
			continue
		}
		locks = append(locks, Lock{SpecID: specID, PID: pid, Alive: IsProcessRunning(pid)})
	}
	return locks, nil
}

// CleanupStale removes lock files whose processes are gone and returns the
// spec IDs that were unlocked.
func (d *Dir) CleanupStale() ([]string, error) {
	locks, err := d.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, lock := range locks {
		if lock.Alive {
			continue
		}
		if err := d.Remove(lock.SpecID); err != nil {
			return removed, err
		}
		removed = append(removed, lock.SpecID)
	}
	return removed, nil
}

// Guard holds a spec lock for the lifetime of a run. Release is idempotent
// and safe to call from deferred paths, signal handlers, and the normal
// exit path at once; the lock is removed exactly once.
type Guard struct {
	dir    *Dir
	specID string
	once   sync.Once
}

// Acquire claims the spec for the given PID. A live existing lock fails
// with ErrSpecLocked; a stale lock (dead process) is silently replaced.
func (d *Dir) Acquire(specID string, pid int) (*Guard, error) {
	if existing, err := d.Read(specID); err == nil {
		if IsProcessRunning(existing) {
			return nil, errors.NewSpecError(
				fmt.Sprintf("held by pid %d", existing), errors.ErrSpecLocked).WithSpecID(specID)
		}
	}
	if err := d.Write(specID, pid); err != nil {
		return nil, err
	}
	return &Guard{dir: d, specID: specID}, nil
}

// Release removes the lock. Safe to call multiple times.
func (g *Guard) Release() {
	g.once.Do(func() {
		_ = g.dir.Remove(g.specID)
	})
}
