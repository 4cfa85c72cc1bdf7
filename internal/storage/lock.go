package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock holds the exclusive lock on a data directory.
type Lock struct {
	flock *flock.Flock
}

// AcquireLock takes the data directory lock without blocking. It fails if
// another taskflow process holds it.
func AcquireLock(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	lock := flock.New(filepath.Join(dataDir, ".taskflow.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring data directory lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another taskflow process is using %s", dataDir)
	}
	return &Lock{flock: lock}, nil
}

// Release gives the lock up.
func (l *Lock) Release() error {
	return l.flock.Unlock()
}
