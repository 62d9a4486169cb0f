// Package lock provides per-horizon advisory file locks so overlapping
// recalibration runs for the same horizon cannot interleave. Runs for
// distinct horizons never contend.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrHeld is returned by Acquire when another live run holds the lock.
var ErrHeld = errors.New("lock already held")

// DefaultStaleAfter is how old a lock file must be before a new run may take
// it over. Long enough to outlast the optimizer budget plus the monitoring
// window of a healthy run.
const DefaultStaleAfter = 2 * time.Hour

// info is what a lock file records about its owner, for operators inspecting
// a stuck run.
type info struct {
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Acquired time.Time `json:"acquired"`
}

// Lock is one held per-horizon lock. Release it when the run finishes.
type Lock struct {
	path string
}

// Acquire takes the advisory lock for a horizon. It fails with ErrHeld when a
// lock file newer than staleAfter exists; older lock files are treated as
// leftovers of a crashed run and taken over. A staleAfter of zero uses
// DefaultStaleAfter.
func Acquire(dir, horizon string, staleAfter time.Duration) (*Lock, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	path := filepath.Join(dir, horizon+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		st, statErr := os.Stat(path)
		if statErr != nil {
			if errors.Is(statErr, os.ErrNotExist) {
				// Holder released between our open and stat; retry once.
				return Acquire(dir, horizon, staleAfter)
			}
			return nil, fmt.Errorf("stat lock file: %w", statErr)
		}
		if time.Since(st.ModTime()) < staleAfter {
			return nil, fmt.Errorf("horizon %q: %w", horizon, ErrHeld)
		}
		// Stale lock from a crashed run. Remove and retry once; a concurrent
		// taker losing the race gets ErrHeld from the retry.
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", rmErr)
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("horizon %q: %w", horizon, ErrHeld)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	host, _ := os.Hostname()
	payload, _ := json.Marshal(info{PID: os.Getpid(), Hostname: host, Acquired: time.Now().UTC()})
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close lock file: %w", err)
	}

	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
