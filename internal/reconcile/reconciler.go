// Package reconcile synchronizes local tasks with remote issues.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danielolaszy/taskflow/internal/gateway"
	"github.com/danielolaszy/taskflow/internal/logging"
	"github.com/danielolaszy/taskflow/internal/registry"
	"github.com/danielolaszy/taskflow/internal/store"
	"github.com/danielolaszy/taskflow/pkg/models"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxAttempts bounds the attempts of one repository sync.
const DefaultMaxAttempts = 3

const defaultBackoff = time.Second

// Connector hands out the gateway serving a repository.
type Connector interface {
	Connect(ctx context.Context, repo models.Repository) (gateway.Gateway, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, repo models.Repository) (gateway.Gateway, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, repo models.Repository) (gateway.Gateway, error) {
	return f(ctx, repo)
}

// Options tune a Reconciler.
type Options struct {
	// MaxAttempts caps the attempts of a sync failing with a transient error.
	MaxAttempts int

	// ImportClosed imports closed remote-only issues as done tasks.
	ImportClosed bool

	// DryRun classifies pairs without changing anything.
	DryRun bool

	// Backoff is the first wait after an Unreachable failure; it doubles on
	// each following attempt.
	Backoff time.Duration

	// Sleep waits between attempts. It must return early with ctx.Err()
	// when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now is the clock used for sync timestamps.
	Now func() time.Time
}

// Reconciler converges the tasks of one repository with its remote issues.
type Reconciler struct {
	store     *store.Store
	registry  *registry.Registry
	connector Connector
	opts      Options

	// locks holds one mutex per repository id.
	locks sync.Map
}

// New creates a Reconciler over an explicitly loaded store and registry.
func New(st *store.Store, reg *registry.Registry, connector Connector, opts Options) *Reconciler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{store: st, registry: reg, connector: connector, opts: opts}
}

// DryRun reports whether the reconciler only classifies.
func (r *Reconciler) DryRun() bool { return r.opts.DryRun }

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sync reconciles one repository and returns what it did. Transient gateway
// failures retry the whole repository; outcomes of every attempt are merged
// into the returned record. A canceled sync returns its partial record
// together with the context error. Syncs of the same repository never
// overlap; a second caller waits for the first to finish.
func (r *Reconciler) Sync(ctx context.Context, repoID string) (*models.SyncRecord, error) {
	defer r.lockRepository(repoID)()

	repo, err := r.registry.Get(repoID)
	if err != nil {
		return nil, err
	}
	if !repo.Enabled {
		return nil, &SyncError{Repository: repoID, Kind: KindDisabled}
	}

	gw, err := r.connector.Connect(ctx, repo)
	if err != nil {
		return nil, classify(repoID, err)
	}

	record := &models.SyncRecord{
		Repository: repoID,
		DryRun:     r.opts.DryRun,
		StartedAt:  r.opts.Now(),
	}
	defer func() { record.FinishedAt = r.opts.Now() }()

	log := logging.ForRepository(repoID)
	for attempt := 1; ; attempt++ {
		record.Attempts = attempt
		log.Info("syncing repository", "attempt", attempt, "dry_run", r.opts.DryRun)

		err := r.attempt(ctx, repo, gw, record)
		if err == nil {
			log.Info("repository synced", "outcomes", len(record.Outcomes), "failures", len(record.Failures))
			return record, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warn("sync canceled", "applied", len(record.Outcomes))
			return record, ctxErr
		}
		if !gateway.IsTransient(err) || attempt >= r.opts.MaxAttempts {
			log.Error("sync failed", "attempt", attempt, "error", err)
			return record, classify(repoID, err)
		}

		wait := r.backoff(err, attempt)
		log.Warn("transient sync failure, retrying", "attempt", attempt, "wait", wait, "error", err)
		if err := r.opts.Sleep(ctx, wait); err != nil {
			return record, err
		}

		// Pick up the cursor persisted by the failed attempt.
		if repo, err = r.registry.Get(repoID); err != nil {
			return record, err
		}
	}
}

func (r *Reconciler) lockRepository(id string) (unlock func()) {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Reconciler) backoff(err error, attempt int) time.Duration {
	var rl *gateway.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	return r.opts.Backoff << (attempt - 1)
}

type stepKind int

const (
	stepSkip stepKind = iota
	stepImport
	stepPush
	stepPull
	stepConflict
	stepCreate
)

// step is one task/issue pair and what to do with it. Steps with an issue
// carry remote data and move the cursor once applied.
type step struct {
	kind  stepKind
	task  *models.Task
	issue *models.RemoteIssue
}

// fetch drains the remote issues and lists the local tasks concurrently.
func (r *Reconciler) fetch(ctx context.Context, repo models.Repository, gw gateway.Gateway) ([]models.RemoteIssue, []models.Task, error) {
	var (
		remote []models.RemoteIssue
		local  []models.Task
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		issues, err := gateway.Drain(gctx, gw.ListIssues(repo, repo.Cursor))
		if err != nil {
			return fmt.Errorf("fetch issues of %s: %w", repo.ID(), err)
		}
		remote = issues
		return nil
	})
	g.Go(func() error {
		local = r.store.List(store.Filter{Repository: repo.ID()})
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return remote, local, nil
}

// plan classifies every pair. Steps carrying remote data come first, oldest
// remote update first, followed by pushes of locally changed tasks whose
// issue was not fetched and by creations of local-only tasks.
func (r *Reconciler) plan(repo models.Repository, remote []models.RemoteIssue, local []models.Task) []step {
	linked := make(map[int]*models.Task)
	var unlinked []*models.Task
	for i := range local {
		t := &local[i]
		if t.Remote == nil {
			unlinked = append(unlinked, t)
			continue
		}
		linked[t.Remote.Number] = t
	}

	sort.SliceStable(remote, func(i, j int) bool {
		if !remote[i].UpdatedAt.Equal(remote[j].UpdatedAt) {
			return remote[i].UpdatedAt.Before(remote[j].UpdatedAt)
		}
		return remote[i].Number < remote[j].Number
	})

	var steps []step
	fetched := make(map[int]bool, len(remote))
	for i := range remote {
		issue := &remote[i]
		fetched[issue.Number] = true

		task, ok := linked[issue.Number]
		switch {
		case !ok && r.store.IsUntracked(repo.ID(), issue.Number):
			steps = append(steps, step{kind: stepSkip, issue: issue})
		case !ok && issue.State == models.IssueClosed && !r.opts.ImportClosed:
			steps = append(steps, step{kind: stepSkip, issue: issue})
		case !ok:
			steps = append(steps, step{kind: stepImport, issue: issue})
		default:
			steps = append(steps, step{kind: comparePair(task, issue), task: task, issue: issue})
		}
	}

	for _, t := range local {
		if t.Remote == nil || fetched[t.Remote.Number] {
			continue
		}
		if t.ModifiedAt.After(t.LastSyncedAt) {
			task := t
			steps = append(steps, step{kind: stepPush, task: &task})
		}
	}

	sort.SliceStable(unlinked, func(i, j int) bool { return unlinked[i].CreatedAt.Before(unlinked[j].CreatedAt) })
	for _, t := range unlinked {
		steps = append(steps, step{kind: stepCreate, task: t})
	}
	return steps
}

// comparePair applies last-writer-wins to a linked pair. Equal timestamps
// resolve to the remote side and are reported as a conflict.
func comparePair(task *models.Task, issue *models.RemoteIssue) stepKind {
	localChanged := task.ModifiedAt.After(task.LastSyncedAt)
	remoteChanged := issue.UpdatedAt.After(task.LastSyncedAt)
	if !localChanged && !remoteChanged {
		return stepSkip
	}
	switch {
	case task.ModifiedAt.After(issue.UpdatedAt):
		return stepPush
	case issue.UpdatedAt.After(task.ModifiedAt):
		return stepPull
	default:
		return stepConflict
	}
}

// attempt runs one fetch-classify-apply pass. The cursor is persisted up to
// the last fully applied pair whatever the outcome.
func (r *Reconciler) attempt(ctx context.Context, repo models.Repository, gw gateway.Gateway, record *models.SyncRecord) error {
	remote, local, err := r.fetch(ctx, repo, gw)
	if err != nil {
		return err
	}
	steps := r.plan(repo, remote, local)
	logging.Debug("classified pairs", "repository", repo.ID(), "remote", len(remote), "local", len(local), "steps", len(steps))

	// Failures are recomputed by every attempt.
	record.Failures = nil

	cursor := repo.Cursor
	cursorHeld := false
	var runErr error
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		err := r.apply(ctx, repo, gw, s, record)
		if err != nil {
			if gateway.IsTransient(err) || errors.Is(err, gateway.ErrAuthFailure) {
				runErr = err
				break
			}
			r.fail(record, s, err)
			// Later pairs are still applied but the cursor stays before
			// this one so the next sync sees it again.
			cursorHeld = true
			continue
		}
		if s.issue != nil && !cursorHeld && s.issue.UpdatedAt.After(cursor.UpdatedAt) {
			cursor.UpdatedAt = s.issue.UpdatedAt
		}
	}

	if !r.opts.DryRun {
		var syncedAt time.Time
		if runErr == nil {
			syncedAt = r.opts.Now()
		}
		if err := r.registry.AdvanceCursor(repo.ID(), cursor, syncedAt); err != nil {
			return err
		}
	}
	return runErr
}

func (r *Reconciler) fail(record *models.SyncRecord, s step, err error) {
	failure := models.PairFailure{Error: err.Error()}
	if s.task != nil {
		failure.TaskID = s.task.ID
		if s.task.Remote != nil {
			failure.IssueNumber = s.task.Remote.Number
		}
	}
	if s.issue != nil {
		failure.IssueNumber = s.issue.Number
	}
	record.Failures = append(record.Failures, failure)
	logging.Warn("could not reconcile pair", "repository", record.Repository,
		"task_id", failure.TaskID, "issue_number", failure.IssueNumber, "error", err)
}

// apply performs one step. Gateway calls run without the caller's
// cancellation so that a pair is never left half applied.
func (r *Reconciler) apply(ctx context.Context, repo models.Repository, gw gateway.Gateway, s step, record *models.SyncRecord) error {
	if s.kind == stepSkip {
		return nil
	}
	if r.opts.DryRun {
		r.preview(s, record)
		return nil
	}

	mctx := context.WithoutCancel(ctx)
	switch s.kind {
	case stepImport:
		return r.importIssue(repo, s.issue, record)
	case stepPull:
		return r.pull(s.task, s.issue, models.OutcomeUpdatedLocal, record)
	case stepConflict:
		return r.pull(s.task, s.issue, models.OutcomeConflict, record)
	case stepPush:
		return r.push(mctx, repo, gw, s.task, s.issue, record)
	case stepCreate:
		return r.create(mctx, repo, gw, s.task, record)
	}
	return nil
}

func (r *Reconciler) preview(s step, record *models.SyncRecord) {
	var taskID string
	var number int
	var title string
	if s.task != nil {
		taskID, title = s.task.ID, s.task.Title
		if s.task.Remote != nil {
			number = s.task.Remote.Number
		}
	}
	if s.issue != nil {
		number = s.issue.Number
		if s.kind != stepPush {
			title = s.issue.Title
		}
	}

	outcome := map[stepKind]models.Outcome{
		stepImport:   models.OutcomeCreatedLocal,
		stepPull:     models.OutcomeUpdatedLocal,
		stepConflict: models.OutcomeConflict,
		stepPush:     models.OutcomeUpdatedRemote,
		stepCreate:   models.OutcomeCreatedRemote,
	}[s.kind]
	record.Add(taskID, number, title, outcome)
}

func (r *Reconciler) importIssue(repo models.Repository, issue *models.RemoteIssue, record *models.SyncRecord) error {
	status := models.StatusTodo
	if issue.State == models.IssueClosed {
		status = models.StatusDone
	}
	task, err := r.store.Create(store.NewTask{
		Title:       issue.Title,
		Description: issue.Body,
		Priority:    models.PriorityMedium,
		Status:      status,
		Repository:  repo.ID(),
		Remote:      &models.RemoteLink{Repository: repo.ID(), Number: issue.Number, State: issue.State},
	}, &store.SyncMark{
		SyncedAt:        r.opts.Now(),
		RemoteUpdatedAt: issue.UpdatedAt,
		Pull:            true,
	})
	if err != nil {
		return fmt.Errorf("import issue #%d: %w", issue.Number, err)
	}
	record.Add(task.ID, issue.Number, task.Title, models.OutcomeCreatedLocal)
	logging.Debug("imported issue", "repository", repo.ID(), "issue_number", issue.Number, "task_id", task.ID)
	return nil
}

// pull copies title and description of the issue into the task. Status and
// priority are local only.
func (r *Reconciler) pull(task *models.Task, issue *models.RemoteIssue, outcome models.Outcome, record *models.SyncRecord) error {
	link := *task.Remote
	link.State = issue.State
	_, err := r.store.Update(task.ID, store.Fields{
		Title:       &issue.Title,
		Description: &issue.Body,
		Remote:      &link,
	}, &store.SyncMark{
		SyncedAt:        r.opts.Now(),
		RemoteUpdatedAt: issue.UpdatedAt,
		Pull:            true,
		Observed:        task.ModifiedAt,
	})
	if err != nil {
		return fmt.Errorf("pull issue #%d: %w", issue.Number, err)
	}
	record.Add(task.ID, issue.Number, issue.Title, outcome)
	return nil
}

// push sends title, description and the status-derived open/closed state.
// issue is nil when the issue was not part of the fetch.
func (r *Reconciler) push(ctx context.Context, repo models.Repository, gw gateway.Gateway, task *models.Task, issue *models.RemoteIssue, record *models.SyncRecord) error {
	fields := gateway.IssueFields{Title: &task.Title, Body: &task.Description}
	want := task.Status.IssueState()
	current := task.Remote.State
	if issue != nil {
		current = issue.State
	}
	if current != want {
		fields.State = &want
	}

	updated, err := gw.UpdateIssue(ctx, repo, task.Remote.Number, fields)
	if err != nil {
		return fmt.Errorf("push task %s to %s: %w", task.ID, task.Remote, err)
	}

	link := *task.Remote
	link.State = updated.State
	if _, err := r.store.Update(task.ID, store.Fields{Remote: &link}, &store.SyncMark{
		SyncedAt:        r.opts.Now(),
		RemoteUpdatedAt: updated.UpdatedAt,
		Observed:        task.ModifiedAt,
	}); err != nil {
		return err
	}
	record.Add(task.ID, link.Number, task.Title, models.OutcomeUpdatedRemote)
	return nil
}

// create opens an issue for a local-only task and links them. Done tasks are
// closed right away.
func (r *Reconciler) create(ctx context.Context, repo models.Repository, gw gateway.Gateway, task *models.Task, record *models.SyncRecord) error {
	issue, err := gw.CreateIssue(ctx, repo, task.Title, task.Description)
	if err != nil {
		return fmt.Errorf("create issue for task %s: %w", task.ID, err)
	}
	link := models.RemoteLink{Repository: repo.ID(), Number: issue.Number, State: issue.State}

	if task.Status.IssueState() == models.IssueClosed {
		closed, err := gw.CloseIssue(ctx, repo, issue.Number)
		if err != nil {
			// Keep the link so the issue is not created twice; the task
			// stays changed and the next sync pushes the state.
			if _, uerr := r.store.Update(task.ID, store.Fields{Remote: &link}, nil); uerr != nil {
				return uerr
			}
			record.Add(task.ID, issue.Number, task.Title, models.OutcomeCreatedRemote)
			return fmt.Errorf("close issue %s: %w", link, err)
		}
		issue = closed
		link.State = closed.State
	}

	if _, err := r.store.Update(task.ID, store.Fields{Remote: &link}, &store.SyncMark{
		SyncedAt:        r.opts.Now(),
		RemoteUpdatedAt: issue.UpdatedAt,
		Observed:        task.ModifiedAt,
	}); err != nil {
		return err
	}
	record.Add(task.ID, issue.Number, task.Title, models.OutcomeCreatedRemote)
	logging.Debug("created issue", "repository", repo.ID(), "issue_number", issue.Number, "task_id", task.ID)
	return nil
}
