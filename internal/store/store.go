// Package store owns the local tasks. Everything is held in memory; Load and
// Flush move full snapshots through a storage.Backend.
package store

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
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")

	// ErrAmbiguousID is returned when an id prefix matches several tasks.
	ErrAmbiguousID = errors.New("ambiguous task id")

	// ErrPersistence wraps failures of the storage backend.
	ErrPersistence = errors.New("persistence failure")
)

// NewTask holds the fields of a task to create.
type NewTask struct {
	Title       string
	Description string
	Priority    models.Priority
	Status      models.Status
	DueDate     *time.Time
	Repository  string
	Remote      *models.RemoteLink
}

// Fields holds the optional fields of an update. Nil pointers are left alone.
type Fields struct {
	Title        *string
	Description  *string
	Priority     *models.Priority
	Status       *models.Status
	DueDate      *time.Time
	ClearDueDate bool
	Repository   *string
	Remote       *models.RemoteLink
}

// SyncMark tags a write made by the reconciler.
type SyncMark struct {
	// SyncedAt is the time of the mutation.
	SyncedAt time.Time

	// RemoteUpdatedAt is the remote timestamp of the issue after the mutation.
	RemoteUpdatedAt time.Time

	// Pull marks writes that copy remote fields into the task. ModifiedAt
	// becomes RemoteUpdatedAt instead of now.
	Pull bool

	// Observed is the ModifiedAt the reconciler read before deciding. When
	// set and the task changed since, only the remote link is recorded.
	Observed time.Time
}

// Filter selects tasks in List. Zero fields match everything.
type Filter struct {
	Repository string
	Status     models.Status
	Priority   models.Priority
	Linked     *bool
	DueBefore  *time.Time
}

func (f Filter) match(t *models.Task) bool {
	if f.Repository != "" && t.Repository != f.Repository {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.Linked != nil && t.Linked() != *f.Linked {
		return false
	}
	if f.DueBefore != nil && (t.DueDate == nil || !t.DueDate.Before(*f.DueBefore)) {
		return false
	}
	return true
}

type issueKey struct {
	repository string
	number     int
}

// Store is the in-memory owner of every task. Callers get copies.
type Store struct {
	backend storage.Backend
	now     func() time.Time

	mu        sync.RWMutex
	tasks     map[string]*models.Task
	untracked map[issueKey]struct{}
	dirty     bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store over backend. Call Load to read persisted tasks.
func New(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		now:       func() time.Time { return time.Now().UTC() },
		tasks:     make(map[string]*models.Task),
		untracked: make(map[issueKey]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory state with the backend's snapshot.
func (s *Store) Load() error {
	state, err := s.backend.LoadTasks()
	if err != nil {
		return fmt.Errorf("%w: load tasks: %w", ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*models.Task, len(state.Tasks))
	for i := range state.Tasks {
		t := state.Tasks[i]
		s.tasks[t.ID] = &t
	}
	s.untracked = make(map[issueKey]struct{}, len(state.Untracked))
	for _, link := range state.Untracked {
		s.untracked[issueKey{link.Repository, link.Number}] = struct{}{}
	}
	s.dirty = false

	logging.Debug("loaded tasks", "count", len(s.tasks), "untracked", len(s.untracked))
	return nil
}

// Flush writes a snapshot through the backend if anything changed since the
// last Load or Flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	state := &storage.TaskState{Tasks: make([]models.Task, 0, len(s.tasks))}
	for _, t := range s.tasks {
		state.Tasks = append(state.Tasks, *t)
	}
	sort.Slice(state.Tasks, func(i, j int) bool {
		a, b := state.Tasks[i], state.Tasks[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	for key := range s.untracked {
		state.Untracked = append(state.Untracked, models.RemoteLink{Repository: key.repository, Number: key.number})
	}
	sort.Slice(state.Untracked, func(i, j int) bool {
		a, b := state.Untracked[i], state.Untracked[j]
		if a.Repository != b.Repository {
			return a.Repository < b.Repository
		}
		return a.Number < b.Number
	})

	if err := s.backend.SaveTasks(state); err != nil {
		return fmt.Errorf("%w: save tasks: %w", ErrPersistence, err)
	}
	s.dirty = false
	logging.Debug("flushed tasks", "count", len(state.Tasks))
	return nil
}

// Create adds a task. A non-nil mark records it as imported from the remote
// side.
func (s *Store) Create(in NewTask, mark *SyncMark) (models.Task, error) {
	now := s.now()
	t := &models.Task{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Priority:    in.Priority,
		Status:      in.Status,
		Repository:  in.Repository,
		ModifiedAt:  now,
		CreatedAt:   now,
	}
	if t.Priority == "" {
		t.Priority = models.PriorityMedium
	}
	if t.Status == "" {
		t.Status = models.StatusTodo
	}
	if in.DueDate != nil {
		due := in.DueDate.UTC()
		t.DueDate = &due
	}
	if in.Remote != nil {
		link := *in.Remote
		t.Remote = &link
	}
	if mark != nil {
		if mark.Pull {
			t.ModifiedAt = mark.RemoteUpdatedAt.UTC()
		}
		t.LastSyncedAt = syncedAt(mark, t.ModifiedAt)
	}
	if err := t.Validate(); err != nil {
		return models.Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[t.ID] = t
	s.dirty = true
	return *t.Clone(), nil
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *t.Clone(), nil
}

// Resolve finds the task whose id is, or uniquely starts with, prefix.
func (s *Store) Resolve(prefix string) (models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tasks[prefix]; ok {
		return *t.Clone(), nil
	}
	if prefix == "" {
		return models.Task{}, fmt.Errorf("%w: empty id", ErrNotFound)
	}

	var found *models.Task
	for id, t := range s.tasks {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if found != nil {
			return models.Task{}, fmt.Errorf("%w: %s", ErrAmbiguousID, prefix)
		}
		found = t
	}
	if found == nil {
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}
	return *found.Clone(), nil
}

// Update applies fields to a task and returns the result. Without a mark,
// ModifiedAt becomes now.
func (s *Store) Update(id string, fields Fields, mark *SyncMark) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if mark != nil && !mark.Observed.IsZero() && !current.ModifiedAt.Equal(mark.Observed) {
		// Changed locally after the reconciler read it. Keep the edit and
		// leave the sync timestamps so the next run pushes it.
		if fields.Remote == nil {
			return *current.Clone(), nil
		}
		t := current.Clone()
		link := *fields.Remote
		t.Remote = &link
		if err := t.Validate(); err != nil {
			return models.Task{}, err
		}
		s.tasks[id] = t
		s.dirty = true
		logging.Debug("task changed during sync, recorded link only", "task_id", id, "remote", link.String())
		return *t.Clone(), nil
	}

	t := current.Clone()
	apply(t, fields)

	switch {
	case mark == nil:
		t.ModifiedAt = s.now()
	case mark.Pull:
		t.ModifiedAt = mark.RemoteUpdatedAt.UTC()
	}
	if mark != nil {
		t.LastSyncedAt = syncedAt(mark, t.ModifiedAt)
	}

	if err := t.Validate(); err != nil {
		return models.Task{}, err
	}
	s.tasks[id] = t
	s.dirty = true
	return *t.Clone(), nil
}

func apply(t *models.Task, f Fields) {
	if f.Title != nil {
		t.Title = strings.TrimSpace(*f.Title)
	}
	if f.Description != nil {
		t.Description = *f.Description
	}
	if f.Priority != nil {
		t.Priority = *f.Priority
	}
	if f.Status != nil {
		t.Status = *f.Status
	}
	if f.ClearDueDate {
		t.DueDate = nil
	}
	if f.DueDate != nil {
		due := f.DueDate.UTC()
		t.DueDate = &due
	}
	if f.Repository != nil {
		t.Repository = *f.Repository
	}
	if f.Remote != nil {
		link := *f.Remote
		t.Remote = &link
	}
}

func syncedAt(mark *SyncMark, modified time.Time) time.Time {
	latest := mark.SyncedAt.UTC()
	for _, ts := range []time.Time{mark.RemoteUpdatedAt.UTC(), modified} {
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest
}

// Delete removes a task and returns it. The remote issue of a linked task is
// left alone and remembered as untracked so that it is not imported again.
func (s *Store) Delete(id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.tasks, id)
	if t.Remote != nil {
		s.untracked[issueKey{t.Remote.Repository, t.Remote.Number}] = struct{}{}
	}
	s.dirty = true
	return *t, nil
}

// IsUntracked reports whether the issue belonged to a deleted task.
func (s *Store) IsUntracked(repository string, number int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.untracked[issueKey{repository, number}]
	return ok
}

// List returns copies of the matching tasks, highest priority first, then
// oldest first.
func (s *Store) List(filter Filter) []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []models.Task
	for _, t := range s.tasks {
		if filter.match(t) {
			tasks = append(tasks, *t.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return tasks
}

// Len returns the number of tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
