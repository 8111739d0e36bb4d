// Package lock provides advisory, file-based mutual exclusion keyed by
// (repository, issue). Each lock is a small file whose content is the owning
// PID; a lock whose owner is no longer alive is stale and reclaimable, so a
// crashed run never deadlocks the next one.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned by Acquire when another live process holds the lock.
var ErrLocked = errors.New("already locked")

// Manager owns a directory of lock files.
type Manager struct {
	Dir string

	// alive overrides process liveness checking in tests; defaults to
	// processAlive.
	alive func(pid int) bool
}

// NewManager creates a Manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &Manager{Dir: dir}, nil
}

// Acquire takes the lock for (repo, issue) on behalf of the current process.
// It fails with ErrLocked when a live process already holds it; a lock left
// by a dead process is silently reclaimed. Creation uses O_EXCL so two
// racing processes never both succeed: the loser of the create race sees
// the winner's file and backs off.
func (m *Manager) Acquire(repo string, issue int) error {
	path := m.path(repo, issue)

	// Bounded retries: each pass either creates the file exclusively or
	// removes exactly one dead owner's file before trying again.
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := f.Write([]byte(strconv.Itoa(os.Getpid())))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return fmt.Errorf("writing lock file: %w", werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file: %w", err)
		}

		owner, rerr := readOwner(path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue // holder released between create and read
			}
			return fmt.Errorf("reading lock file: %w", rerr)
		}
		if owner == os.Getpid() {
			return nil // re-entrant within the same process
		}
		if m.isAlive(owner) {
			return fmt.Errorf("lock for %s#%d held by pid %d: %w", repo, issue, owner, ErrLocked)
		}
		// Stale: owner is dead. Remove its file and race for the
		// exclusive create on the next pass.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale lock: %w", err)
		}
	}
	return fmt.Errorf("lock for %s#%d: %w", repo, issue, ErrLocked)
}

// Release removes the lock for (repo, issue) only if the current process
// owns it. Releasing a lock owned by another process is a no-op, so a stale
// reclaim by a newer run is never undone by the crashed run's cleanup.
func (m *Manager) Release(repo string, issue int) error {
	path := m.path(repo, issue)
	owner, err := readOwner(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lock file: %w", err)
	}
	if owner != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// ReleaseAll removes every lock owned by the current process. It is called
// unconditionally at process exit, including from the signal handler.
func (m *Manager) ReleaseAll() error {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lock directory: %w", err)
	}

	var firstErr error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(m.Dir, e.Name())
		owner, err := readOwner(path)
		if err != nil || owner != os.Getpid() {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Holder returns the PID holding the lock for (repo, issue), or 0 when the
// lock is absent.
func (m *Manager) Holder(repo string, issue int) int {
	owner, err := readOwner(m.path(repo, issue))
	if err != nil {
		return 0
	}
	return owner
}

// path derives the lock file name from the key. Repo separators are
// flattened so "owner/name" stays a single filename component.
func (m *Manager) path(repo string, issue int) string {
	safe := strings.ReplaceAll(repo, "/", "-")
	return filepath.Join(m.Dir, fmt.Sprintf("%s-%d.lock", safe, issue))
}

func readOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing lock file %s: %w", path, err)
	}
	return pid, nil
}

func (m *Manager) isAlive(pid int) bool {
	if m.alive != nil {
		return m.alive(pid)
	}
	return processAlive(pid)
}

// processAlive checks whether a process with the given PID is running.
// On Unix, sending signal 0 checks for existence without affecting the
// process.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
