// Package storage persists task and repository snapshots.
package storage

import (
	"fmt"
	"os"

	"github.com/danielolaszy/taskflow/pkg/models"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
)

// TaskState is the persisted content of the local task store.
type TaskState struct {
	Tasks []models.Task `json:"tasks"`

	// Untracked lists issues whose local task was deleted; they are not
	// imported again.
	Untracked []models.RemoteLink `json:"untracked,omitempty"`
}

// RegistryState is the persisted content of the repository registry.
type RegistryState struct {
	Repositories []models.Repository `json:"repositories"`
	Removed      []string            `json:"removed,omitempty"`
	Default      string              `json:"default,omitempty"`
}

// Backend loads and atomically replaces snapshots.
type Backend interface {
	// LoadTasks returns the stored task state, empty if nothing was saved yet.
	LoadTasks() (*TaskState, error)

	// SaveTasks replaces the stored task state. A crash during SaveTasks
	// leaves either the old or the new state.
	SaveTasks(state *TaskState) error

	// LoadRegistry returns the stored registry state.
	LoadRegistry() (*RegistryState, error)

	// SaveRegistry replaces the stored registry state.
	SaveRegistry(state *RegistryState) error

	// Close releases the backend.
	Close() error
}

// Open creates the backend for driver inside dataDir.
func Open(driver, dataDir string) (Backend, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(SQLitePath(dataDir))
	case DriverJSON:
		return NewJSONFiles(dataDir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q, expected %q or %q", driver, DriverSQLite, DriverJSON)
	}
}
