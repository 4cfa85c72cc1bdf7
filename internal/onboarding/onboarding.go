// Package onboarding walks a new user from nothing to a repository ready to
// sync: collect a credential, collect a repository, done.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danielolaszy/taskflow/internal/logging"
	"github.com/danielolaszy/taskflow/pkg/models"
)

// State is a step of the onboarding flow.
type State string

const (
	StateCollectCredential State = "collect-credential"
	StateCollectRepository State = "collect-repo"
	StateReady             State = "ready"
)

var (
	// ErrUnexpectedEvent is returned for an event the current state does not accept.
	ErrUnexpectedEvent = errors.New("unexpected onboarding event")

	// ErrEmptyCredential is returned for a blank token.
	ErrEmptyCredential = errors.New("token cannot be empty")
)

// Verifier checks that token grants access to repo.
type Verifier func(ctx context.Context, repo models.Repository, token string) error

// Machine is the onboarding state machine. It holds no I/O; the caller
// feeds it events and acts on the result.
type Machine struct {
	state  State
	token  string
	repo   models.Repository
	verify Verifier
}

// New creates a Machine. A configured token skips the credential step and an
// already registered repository skips the repository step.
func New(token string, registered bool, verify Verifier) *Machine {
	m := &Machine{token: strings.TrimSpace(token), verify: verify}
	switch {
	case m.token == "":
		m.state = StateCollectCredential
	case !registered:
		m.state = StateCollectRepository
	default:
		m.state = StateReady
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Token returns the collected or configured token.
func (m *Machine) Token() string { return m.token }

// Repository returns the collected repository, zero until one is provided.
func (m *Machine) Repository() models.Repository { return m.repo }

// Prompt describes what the machine needs next.
func (m *Machine) Prompt() string {
	switch m.state {
	case StateCollectCredential:
		return "A GitHub token is required. Create a classic token with the repo scope at https://github.com/settings/tokens and pass it with --token or GITHUB_TOKEN."
	case StateCollectRepository:
		return "Add a repository to sync with, as owner/name."
	default:
		return "Setup complete. Run 'taskflow sync' to synchronize."
	}
}

// ProvideCredential records the token and moves on to the repository step.
func (m *Machine) ProvideCredential(token string) error {
	if m.state != StateCollectCredential {
		return fmt.Errorf("%w: credential in state %s", ErrUnexpectedEvent, m.state)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyCredential
	}
	m.token = token
	m.state = StateCollectRepository
	logging.Debug("onboarding credential collected", "token", logging.MaskSensitive(token))
	return nil
}

// ProvideRepository records the repository, verifies access when a verifier
// is set and finishes the flow. A failed verification leaves the machine in
// the repository step.
func (m *Machine) ProvideRepository(ctx context.Context, owner, name string) error {
	if m.state != StateCollectRepository {
		return fmt.Errorf("%w: repository in state %s", ErrUnexpectedEvent, m.state)
	}
	owner, name = strings.TrimSpace(owner), strings.TrimSpace(name)
	if owner == "" || name == "" {
		return fmt.Errorf("repository owner and name cannot be empty")
	}

	repo := models.Repository{Owner: owner, Name: name, Enabled: true}
	if m.verify != nil {
		if err := m.verify(ctx, repo, m.token); err != nil {
			return fmt.Errorf("verify access to %s: %w", repo.ID(), err)
		}
	}
	m.repo = repo
	m.state = StateReady
	logging.Info("onboarding complete", "repository", repo.ID())
	return nil
}
