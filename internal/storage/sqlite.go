package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/danielolaszy/taskflow/pkg/models"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	priority       TEXT NOT NULL,
	status         TEXT NOT NULL,
	due_date       DATETIME,
	repository     TEXT NOT NULL DEFAULT '',
	remote_number  INTEGER,
	remote_state   TEXT NOT NULL DEFAULT '',
	last_synced_at DATETIME NOT NULL,
	modified_at    DATETIME NOT NULL,
	created_at     DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS untracked_issues (
	repository TEXT NOT NULL,
	number     INTEGER NOT NULL,
	PRIMARY KEY (repository, number)
);
CREATE TABLE IF NOT EXISTS repositories (
	id             TEXT PRIMARY KEY,
	owner          TEXT NOT NULL,
	name           TEXT NOT NULL,
	display_name   TEXT NOT NULL DEFAULT '',
	provider       TEXT NOT NULL DEFAULT '',
	credential_ref TEXT NOT NULL DEFAULT '',
	cursor         DATETIME,
	enabled        INTEGER NOT NULL DEFAULT 1,
	created_at     DATETIME NOT NULL,
	last_synced_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS removed_repositories (
	id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const settingDefaultRepository = "default_repository"

// SQLitePath returns the database location inside dataDir.
func SQLitePath(dataDir string) string {
	return filepath.Join(dataDir, "taskflow.db")
}

// SQLite persists snapshots in a SQLite database. Each save runs in one
// transaction.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database at dbPath and ensures the
// schema exists. The caller is responsible for calling Close.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLite) Close() error { return s.db.Close() }

// LoadTasks implements Backend.
func (s *SQLite) LoadTasks() (*TaskState, error) {
	rows, err := s.db.Query(`
		SELECT id, title, description, priority, status, due_date, repository,
		       remote_number, remote_state, last_synced_at, modified_at, created_at
		FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	state := &TaskState{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		state.Tasks = append(state.Tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	untracked, err := s.db.Query(`SELECT repository, number FROM untracked_issues ORDER BY repository, number`)
	if err != nil {
		return nil, fmt.Errorf("list untracked issues: %w", err)
	}
	defer untracked.Close()
	for untracked.Next() {
		var link models.RemoteLink
		if err := untracked.Scan(&link.Repository, &link.Number); err != nil {
			return nil, err
		}
		state.Untracked = append(state.Untracked, link)
	}
	return state, untracked.Err()
}

// SaveTasks implements Backend.
func (s *SQLite) SaveTasks(state *TaskState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	for _, t := range state.Tasks {
		var number any
		var remoteState string
		if t.Remote != nil {
			number = t.Remote.Number
			remoteState = string(t.Remote.State)
		}
		_, err := tx.Exec(`
			INSERT INTO tasks
				(id, title, description, priority, status, due_date, repository,
				 remote_number, remote_state, last_synced_at, modified_at, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Title, t.Description, string(t.Priority), string(t.Status),
			nullTime(t.DueDate), t.Repository, number, remoteState,
			t.LastSyncedAt, t.ModifiedAt, t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM untracked_issues`); err != nil {
		return fmt.Errorf("clear untracked issues: %w", err)
	}
	for _, link := range state.Untracked {
		if _, err := tx.Exec(`INSERT INTO untracked_issues (repository, number) VALUES (?,?)`,
			link.Repository, link.Number); err != nil {
			return fmt.Errorf("insert untracked issue %s: %w", link, err)
		}
	}
	return tx.Commit()
}

// LoadRegistry implements Backend.
func (s *SQLite) LoadRegistry() (*RegistryState, error) {
	rows, err := s.db.Query(`
		SELECT owner, name, display_name, provider, credential_ref, cursor, enabled,
		       created_at, last_synced_at
		FROM repositories ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	state := &RegistryState{}
	for rows.Next() {
		var r models.Repository
		var cursor sql.NullTime
		var enabled int
		if err := rows.Scan(&r.Owner, &r.Name, &r.DisplayName, &r.Provider, &r.CredentialRef,
			&cursor, &enabled, &r.CreatedAt, &r.LastSyncedAt); err != nil {
			return nil, err
		}
		if cursor.Valid {
			r.Cursor.UpdatedAt = cursor.Time.UTC()
		}
		r.Enabled = enabled != 0
		r.CreatedAt = r.CreatedAt.UTC()
		r.LastSyncedAt = r.LastSyncedAt.UTC()
		state.Repositories = append(state.Repositories, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	removed, err := s.db.Query(`SELECT id FROM removed_repositories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list removed repositories: %w", err)
	}
	defer removed.Close()
	for removed.Next() {
		var id string
		if err := removed.Scan(&id); err != nil {
			return nil, err
		}
		state.Removed = append(state.Removed, id)
	}
	if err := removed.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, settingDefaultRepository).Scan(&state.Default)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read default repository: %w", err)
	}
	return state, nil
}

// SaveRegistry implements Backend.
func (s *SQLite) SaveRegistry(state *RegistryState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM repositories`); err != nil {
		return fmt.Errorf("clear repositories: %w", err)
	}
	for _, r := range state.Repositories {
		var cursor any
		if !r.Cursor.IsZero() {
			cursor = r.Cursor.UpdatedAt
		}
		enabled := 0
		if r.Enabled {
			enabled = 1
		}
		_, err := tx.Exec(`
			INSERT INTO repositories
				(id, owner, name, display_name, provider, credential_ref, cursor, enabled,
				 created_at, last_synced_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			r.ID(), r.Owner, r.Name, r.DisplayName, r.Provider, r.CredentialRef,
			cursor, enabled, r.CreatedAt, r.LastSyncedAt,
		)
		if err != nil {
			return fmt.Errorf("insert repository %s: %w", r.ID(), err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM removed_repositories`); err != nil {
		return fmt.Errorf("clear removed repositories: %w", err)
	}
	for _, id := range state.Removed {
		if _, err := tx.Exec(`INSERT INTO removed_repositories (id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("insert removed repository %s: %w", id, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM settings WHERE key = ?`, settingDefaultRepository); err != nil {
		return fmt.Errorf("clear default repository: %w", err)
	}
	if state.Default != "" {
		if _, err := tx.Exec(`INSERT INTO settings (key, value) VALUES (?,?)`,
			settingDefaultRepository, state.Default); err != nil {
			return fmt.Errorf("store default repository: %w", err)
		}
	}
	return tx.Commit()
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.Task, error) {
	var t models.Task
	var priority, status, remoteState string
	var dueDate sql.NullTime
	var remoteNumber sql.NullInt64

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &priority, &status, &dueDate, &t.Repository,
		&remoteNumber, &remoteState, &t.LastSyncedAt, &t.ModifiedAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Priority = models.Priority(priority)
	t.Status = models.Status(status)
	if dueDate.Valid {
		due := dueDate.Time.UTC()
		t.DueDate = &due
	}
	if remoteNumber.Valid {
		t.Remote = &models.RemoteLink{
			Repository: t.Repository,
			Number:     int(remoteNumber.Int64),
			State:      models.IssueState(remoteState),
		}
	}
	t.LastSyncedAt = t.LastSyncedAt.UTC()
	t.ModifiedAt = t.ModifiedAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
