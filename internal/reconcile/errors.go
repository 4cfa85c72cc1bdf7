package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielolaszy/taskflow/internal/gateway"
)

// Kind classifies why a repository sync failed.
type Kind string

const (
	KindDisabled    Kind = "disabled"
	KindAuthFailure Kind = "auth-failure"
	KindUnreachable Kind = "unreachable"
	KindRateLimited Kind = "rate-limited"
)

// SyncError reports a repository sync that could not complete.
type SyncError struct {
	Repository string
	Kind       Kind

	// RetryAfter is the last delay requested by the tracker, for KindRateLimited.
	RetryAfter time.Duration

	Err error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sync %s: %s", e.Repository, e.Kind)
	}
	return fmt.Sprintf("sync %s: %s: %v", e.Repository, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// classify turns a gateway failure into a *SyncError. Errors outside the
// gateway taxonomy are returned as they are.
func classify(repoID string, err error) error {
	var rl *gateway.RateLimitError
	switch {
	case errors.As(err, &rl):
		return &SyncError{Repository: repoID, Kind: KindRateLimited, RetryAfter: rl.RetryAfter, Err: err}
	case errors.Is(err, gateway.ErrAuthFailure):
		return &SyncError{Repository: repoID, Kind: KindAuthFailure, Err: err}
	case errors.Is(err, gateway.ErrUnreachable):
		return &SyncError{Repository: repoID, Kind: KindUnreachable, Err: err}
	}
	return err
}

// KindOf returns the kind of a sync failure, "error" for failures outside
// the taxonomy and "canceled" for interrupted syncs.
func KindOf(err error) string {
	var se *SyncError
	switch {
	case errors.As(err, &se):
		return string(se.Kind)
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}
