// Package models defines data structures shared across the application.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the local urgency of a task. GitHub has no equivalent field.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities from low (0) to urgent (3).
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return -1
	}
}

// ParsePriority converts user input into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p.Rank() < 0 {
		return "", fmt.Errorf("invalid priority %q, expected one of low, medium, high, urgent", s)
	}
	return p, nil
}

// Status is the local workflow state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
)

// ParseStatus converts user input into a Status. "needs-help" is accepted
// as an alias for blocked.
func ParseStatus(s string) (Status, error) {
	normalized := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch normalized {
	case "todo":
		return StatusTodo, nil
	case "in_progress", "inprogress", "doing":
		return StatusInProgress, nil
	case "blocked", "needs_help":
		return StatusBlocked, nil
	case "done":
		return StatusDone, nil
	}
	return "", fmt.Errorf("invalid status %q, expected one of todo, in_progress, blocked, done", s)
}

// IssueState derives the open/closed state a task maps to on the remote side.
func (s Status) IssueState() IssueState {
	if s == StatusDone {
		return IssueClosed
	}
	return IssueOpen
}

// IssueState is the open/closed state of a remote issue.
type IssueState string

const (
	IssueOpen   IssueState = "open"
	IssueClosed IssueState = "closed"
)

// RemoteLink ties a local task to an issue in a remote tracker.
type RemoteLink struct {
	// Repository is the owner/name identifier of the linked repository
	Repository string `json:"repository" yaml:"repository"`

	// Number is the issue number in the remote tracker (e.g., 42)
	Number int `json:"number" yaml:"number"`

	// State is the last open/closed state seen on or pushed to the remote side
	State IssueState `json:"state,omitempty" yaml:"state,omitempty"`
}

func (l RemoteLink) String() string {
	return fmt.Sprintf("%s#%d", l.Repository, l.Number)
}

// Task is a locally tracked unit of work, optionally mirrored by a remote issue.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	DueDate     *time.Time `json:"due_date,omitempty"`

	// Repository is the owner/name identifier the task belongs to
	Repository string `json:"repository"`

	// Remote is set once the task is mirrored by a remote issue
	Remote *RemoteLink `json:"remote,omitempty"`

	LastSyncedAt time.Time `json:"last_synced_at"`
	ModifiedAt   time.Time `json:"modified_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Linked reports whether the task is mirrored by a remote issue.
func (t *Task) Linked() bool {
	return t.Remote != nil
}

// Validate checks the invariants of a task.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("task title must not be empty")
	}
	if t.Priority.Rank() < 0 {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	if _, err := ParseStatus(string(t.Status)); err != nil {
		return err
	}
	if t.Remote != nil && t.Remote.Repository != t.Repository {
		return fmt.Errorf("task %s is linked to %s but belongs to %q", t.ID, t.Remote, t.Repository)
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.DueDate != nil {
		due := *t.DueDate
		c.DueDate = &due
	}
	if t.Remote != nil {
		link := *t.Remote
		c.Remote = &link
	}
	return &c
}

// RemoteIssue represents an issue in a remote tracker with its essential fields
type RemoteIssue struct {
	// Number is the issue number in the remote tracker (e.g., 42)
	Number int

	// Title is the issue's title or summary
	Title string

	// Body is the full body text of the issue
	Body string

	// State is the current open/closed state of the issue
	State IssueState

	// Labels is a slice of label names attached to the issue
	Labels []string

	// UpdatedAt is the timestamp when the issue was last updated
	UpdatedAt time.Time
}

// SyncCursor is the per-repository watermark bounding incremental fetches.
type SyncCursor struct {
	// UpdatedAt is the highest remote-updated timestamp fully reconciled
	UpdatedAt time.Time `json:"updated_at"`
}

// IsZero reports whether the cursor has never been advanced.
func (c SyncCursor) IsZero() bool {
	return c.UpdatedAt.IsZero()
}

// Provider names a remote tracker implementation.
const (
	ProviderGitHub = "github"
	ProviderJira   = "jira"
)

// Repository is a configured remote issue tracker target.
type Repository struct {
	// Owner is the user or organization (or Jira project key)
	Owner string `json:"owner"`

	// Name is the repository name (or Jira issue type)
	Name string `json:"name"`

	// DisplayName is a friendly label shown by the CLI
	DisplayName string `json:"display_name,omitempty"`

	// Provider selects the gateway implementation; empty means github
	Provider string `json:"provider,omitempty"`

	// CredentialRef is empty, "env:NAME" or a literal token
	CredentialRef string `json:"credential_ref,omitempty"`

	Cursor       SyncCursor `json:"cursor"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSyncedAt time.Time  `json:"last_synced_at"`
}

// ID returns the owner/name identifier of the repository.
func (r Repository) ID() string {
	return r.Owner + "/" + r.Name
}

// ProviderName returns the provider, defaulting to github.
func (r Repository) ProviderName() string {
	if r.Provider == "" {
		return ProviderGitHub
	}
	return r.Provider
}

// Label returns the display name if set, the identifier otherwise.
func (r Repository) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.ID()
}

// ParseRepositoryID splits an "owner/name" identifier.
func ParseRepositoryID(id string) (owner, name string, err error) {
	parts := strings.Split(id, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format: %s, expected format: owner/repo", id)
	}
	return parts[0], parts[1], nil
}

// Outcome tags what a sync did to one task/issue pair.
type Outcome string

const (
	OutcomeCreatedLocal  Outcome = "created-local"
	OutcomeCreatedRemote Outcome = "created-remote"
	OutcomeUpdatedLocal  Outcome = "updated-local"
	OutcomeUpdatedRemote Outcome = "updated-remote"
	OutcomeConflict      Outcome = "conflict"
)

// PairOutcome is one entry of a SyncRecord.
type PairOutcome struct {
	TaskID      string  `json:"task_id" yaml:"task_id"`
	IssueNumber int     `json:"issue_number" yaml:"issue_number"`
	Title       string  `json:"title" yaml:"title"`
	Outcome     Outcome `json:"outcome" yaml:"outcome"`
}

// PairFailure records a task/issue pair that could not be reconciled.
type PairFailure struct {
	TaskID      string `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty" yaml:"issue_number,omitempty"`
	Error       string `json:"error" yaml:"error"`
}

// SyncRecord is the report of one repository sync.
type SyncRecord struct {
	Repository string        `json:"repository" yaml:"repository"`
	Outcomes   []PairOutcome `json:"outcomes" yaml:"outcomes"`
	Failures   []PairFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
	Attempts   int           `json:"attempts" yaml:"attempts"`
	DryRun     bool          `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
}

// Add appends an outcome.
func (r *SyncRecord) Add(taskID string, number int, title string, outcome Outcome) {
	r.Outcomes = append(r.Outcomes, PairOutcome{
		TaskID:      taskID,
		IssueNumber: number,
		Title:       title,
		Outcome:     outcome,
	})
}

// Count returns the number of outcomes with the given tag.
func (r *SyncRecord) Count(outcome Outcome) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Outcome == outcome {
			n++
		}
	}
	return n
}

// Empty reports whether the sync touched no pair.
func (r *SyncRecord) Empty() bool {
	return len(r.Outcomes) == 0 && len(r.Failures) == 0
}
