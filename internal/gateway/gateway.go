// Package gateway defines the remote issue operations the reconciler depends on.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielolaszy/taskflow/pkg/models"
)

// Gateway is the set of remote issue operations for a single tracker account.
type Gateway interface {
	// ListIssues returns the issues of repo updated at or after cursor.
	// A zero cursor lists every issue. Nothing is fetched until the first
	// call to Next.
	ListIssues(repo models.Repository, cursor models.SyncCursor) Pages

	// CreateIssue opens a new issue.
	CreateIssue(ctx context.Context, repo models.Repository, title, body string) (*models.RemoteIssue, error)

	// UpdateIssue edits the non-nil fields of an existing issue.
	UpdateIssue(ctx context.Context, repo models.Repository, number int, fields IssueFields) (*models.RemoteIssue, error)

	// CloseIssue closes an issue. Issues are never deleted.
	CloseIssue(ctx context.Context, repo models.Repository, number int) (*models.RemoteIssue, error)
}

// IssueFields holds the optional fields of an issue edit.
type IssueFields struct {
	Title *string
	Body  *string
	State *models.IssueState
}

var (
	// ErrAuthFailure is returned when the tracker rejects the credential.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrUnreachable is returned when the tracker cannot be contacted.
	ErrUnreachable = errors.New("remote unreachable")

	// ErrRateLimited matches every *RateLimitError.
	ErrRateLimited = errors.New("rate limited")

	// ErrIssueNotFound is returned when an issue no longer exists remotely.
	ErrIssueNotFound = errors.New("issue not found")
)

// RateLimitError reports that the tracker asked the caller to back off.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RateLimited builds a *RateLimitError.
func RateLimited(retryAfter time.Duration, err error) error {
	return &RateLimitError{RetryAfter: retryAfter, Err: err}
}

// Unreachable wraps a transport error so that it matches ErrUnreachable.
func Unreachable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// AuthFailure wraps an error so that it matches ErrAuthFailure.
func AuthFailure(err error) error {
	return fmt.Errorf("%w: %v", ErrAuthFailure, err)
}

// IsTransient reports whether an operation failing with err may succeed if
// retried later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnreachable)
}
