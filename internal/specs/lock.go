package specs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrSpecLocked indicates another orchestrator run owns the spec.
var ErrSpecLocked = errors.New("spec is locked by another process")

const lockFile = ".lock"

// Lock is a mutual-exclusion primitive co-located with a spec's storage
// directory. It prevents two orchestrator instances from running the same
// spec concurrently.
type Lock struct {
	path string
}

// AcquireLock claims exclusive ownership of a spec directory. A lock file
// left behind by a dead process is reclaimed.
func (s *Store) AcquireLock(id string) (*Lock, error) {
	dir := s.SpecDir(id)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, id)
	}
	path := filepath.Join(dir, lockFile)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}
		if !lockIsStale(path) {
			owner, _ := lockOwner(path)
			return nil, fmt.Errorf("%w (pid %d)", ErrSpecLocked, owner)
		}
		// Stale lock from a dead process; reclaim and retry once.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}
	return nil, ErrSpecLocked
}

// Release frees the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func lockOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func lockIsStale(path string) bool {
	pid, err := lockOwner(path)
	if err != nil || pid <= 0 {
		// Unreadable or malformed lock; treat as stale.
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	err = proc.Signal(syscall.Signal(0))
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
