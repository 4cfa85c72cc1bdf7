// Package registry tracks the configured repositories, their credentials
// and sync cursors.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danielolaszy/taskflow/internal/logging"
	"github.com/danielolaszy/taskflow/internal/storage"
	"github.com/danielolaszy/taskflow/pkg/models"
)

var (
	// ErrNotFound is returned for unknown repository ids.
	ErrNotFound = errors.New("repository not found")

	// ErrDuplicateRemoved is returned when removing a repository that was
	// already removed.
	ErrDuplicateRemoved = errors.New("repository already removed")

	// ErrPersistence wraps failures of the storage backend.
	ErrPersistence = errors.New("persistence failure")
)

// RegisterOption sets optional fields during Register.
type RegisterOption func(*models.Repository)

// WithProvider selects the tracker implementation.
func WithProvider(provider string) RegisterOption {
	return func(r *models.Repository) {
		if provider == models.ProviderGitHub {
			provider = ""
		}
		r.Provider = provider
	}
}

// WithDisplayName sets a friendly label.
func WithDisplayName(name string) RegisterOption {
	return func(r *models.Repository) { r.DisplayName = name }
}

// Registry holds every configured repository keyed by its owner/name id.
type Registry struct {
	backend storage.Backend
	now     func() time.Time

	mu        sync.RWMutex
	repos     map[string]*models.Repository
	removed   map[string]struct{}
	defaultID string
	dirty     bool
}

// New creates an empty registry over backend. Call Load to read the
// persisted repositories.
func New(backend storage.Backend) *Registry {
	return &Registry{
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
		repos:   make(map[string]*models.Repository),
		removed: make(map[string]struct{}),
	}
}

// Load replaces the in-memory state with the backend's snapshot.
func (r *Registry) Load() error {
	state, err := r.backend.LoadRegistry()
	if err != nil {
		return fmt.Errorf("%w: load registry: %w", ErrPersistence, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.repos = make(map[string]*models.Repository, len(state.Repositories))
	for i := range state.Repositories {
		repo := state.Repositories[i]
		r.repos[repo.ID()] = &repo
	}
	r.removed = make(map[string]struct{}, len(state.Removed))
	for _, id := range state.Removed {
		r.removed[id] = struct{}{}
	}
	r.defaultID = state.Default
	r.dirty = false
	return nil
}

// Flush writes the registry through the backend if it changed.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.dirty {
		return nil
	}
	state := &storage.RegistryState{
		Repositories: r.sorted(),
		Default:      r.defaultID,
	}
	for id := range r.removed {
		state.Removed = append(state.Removed, id)
	}
	sort.Strings(state.Removed)

	if err := r.backend.SaveRegistry(state); err != nil {
		return fmt.Errorf("%w: save registry: %w", ErrPersistence, err)
	}
	r.dirty = false
	return nil
}

func validPart(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/ \t\n")
}

// Register adds a repository, or updates the credential reference of an
// existing one. A removed repository is revived.
func (r *Registry) Register(owner, name, credentialRef string, opts ...RegisterOption) (models.Repository, error) {
	if !validPart(owner) || !validPart(name) {
		return models.Repository{}, fmt.Errorf("invalid repository format: %s/%s, expected format: owner/repo", owner, name)
	}
	id := owner + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.repos[id]; ok {
		existing.CredentialRef = credentialRef
		for _, opt := range opts {
			opt(existing)
		}
		r.dirty = true
		logging.Info("updated repository", "repository", id)
		return *existing, nil
	}

	repo := &models.Repository{
		Owner:         owner,
		Name:          name,
		CredentialRef: credentialRef,
		Enabled:       true,
		CreatedAt:     r.now(),
	}
	for _, opt := range opts {
		opt(repo)
	}
	r.repos[id] = repo
	delete(r.removed, id)
	if r.defaultID == "" {
		r.defaultID = id
	}
	r.dirty = true
	logging.Info("registered repository", "repository", id, "provider", repo.ProviderName())
	return *repo, nil
}

// Get returns the repository with the given id.
func (r *Registry) Get(id string) (models.Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	repo, ok := r.repos[id]
	if !ok {
		return models.Repository{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *repo, nil
}

// List returns every registered repository in registration order.
func (r *Registry) List() []models.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted()
}

func (r *Registry) sorted() []models.Repository {
	repos := make([]models.Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		repos = append(repos, *repo)
	}
	sort.Slice(repos, func(i, j int) bool {
		if !repos[i].CreatedAt.Equal(repos[j].CreatedAt) {
			return repos[i].CreatedAt.Before(repos[j].CreatedAt)
		}
		return repos[i].ID() < repos[j].ID()
	})
	return repos
}

func (r *Registry) modify(id string, fn func(*models.Repository)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.repos[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(repo)
	r.dirty = true
	return nil
}

// Disable excludes a repository from syncs without forgetting it.
func (r *Registry) Disable(id string) error {
	return r.modify(id, func(repo *models.Repository) { repo.Enabled = false })
}

// Enable includes a repository in syncs again.
func (r *Registry) Enable(id string) error {
	return r.modify(id, func(repo *models.Repository) { repo.Enabled = true })
}

// SetDisplayName changes the label shown for a repository.
func (r *Registry) SetDisplayName(id, name string) error {
	return r.modify(id, func(repo *models.Repository) { repo.DisplayName = name })
}

// Remove forgets a repository. It is the only way a repository leaves the
// registry. Tasks that reference it are left alone.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.repos[id]; !ok {
		if _, gone := r.removed[id]; gone {
			return fmt.Errorf("%w: %s", ErrDuplicateRemoved, id)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.repos, id)
	r.removed[id] = struct{}{}
	if r.defaultID == id {
		r.defaultID = ""
	}
	r.dirty = true
	logging.Info("removed repository", "repository", id)
	return nil
}

// SetDefault selects the repository new tasks belong to when none is given.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.repos[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.defaultID = id
	r.dirty = true
	return nil
}

// Default returns the default repository.
func (r *Registry) Default() (models.Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultID == "" {
		return models.Repository{}, fmt.Errorf("%w: no default repository, register one with 'taskflow repo add'", ErrNotFound)
	}
	repo, ok := r.repos[r.defaultID]
	if !ok {
		return models.Repository{}, fmt.Errorf("%w: %s", ErrNotFound, r.defaultID)
	}
	return *repo, nil
}

// AdvanceCursor moves the sync cursor of a repository forward and records
// when it was synced. A cursor older than the stored one is ignored.
func (r *Registry) AdvanceCursor(id string, cursor models.SyncCursor, syncedAt time.Time) error {
	return r.modify(id, func(repo *models.Repository) {
		if cursor.UpdatedAt.After(repo.Cursor.UpdatedAt) {
			repo.Cursor = models.SyncCursor{UpdatedAt: cursor.UpdatedAt.UTC()}
		}
		if syncedAt.After(repo.LastSyncedAt) {
			repo.LastSyncedAt = syncedAt.UTC()
		}
	})
}
