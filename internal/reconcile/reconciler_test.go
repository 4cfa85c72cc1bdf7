package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danielolaszy/taskflow/internal/gateway"
	"github.com/danielolaszy/taskflow/internal/gateway/gatewaytest"
	"github.com/danielolaszy/taskflow/internal/registry"
	"github.com/danielolaszy/taskflow/internal/storage"
	"github.com/danielolaszy/taskflow/internal/store"
	"github.com/danielolaszy/taskflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type harness struct {
	clock    *clock
	store    *store.Store
	registry *registry.Registry
	fake     *gatewaytest.Fake
	repo     models.Repository
	sleeps   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend, err := storage.NewJSONFiles(t.TempDir())
	require.NoError(t, err)

	c := &clock{t: t0}
	st := store.New(backend, store.WithClock(c.now))
	require.NoError(t, st.Load())
	reg := registry.New(backend)
	require.NoError(t, reg.Load())

	repo, err := reg.Register("octo", "app", "")
	require.NoError(t, err)

	fake := gatewaytest.New()
	fake.Now = c.now
	return &harness{clock: c, store: st, registry: reg, fake: fake, repo: repo}
}

func (h *harness) reconciler(opts Options) *Reconciler {
	if opts.Now == nil {
		opts.Now = h.clock.now
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}
	}
	connector := ConnectorFunc(func(ctx context.Context, repo models.Repository) (gateway.Gateway, error) {
		return h.fake, nil
	})
	return New(h.store, h.registry, connector, opts)
}

func (h *harness) sync(t *testing.T, opts Options) *models.SyncRecord {
	t.Helper()
	record, err := h.reconciler(opts).Sync(context.Background(), h.repo.ID())
	require.NoError(t, err)
	return record
}

// linkedTask creates a task linked to issue number, last synced at syncedAt.
// An optional priority and status follow.
func (h *harness) linkedTask(t *testing.T, title string, number int, syncedAt time.Time, meta ...any) models.Task {
	t.Helper()
	in := store.NewTask{Title: title, Repository: h.repo.ID()}
	for _, m := range meta {
		switch v := m.(type) {
		case models.Priority:
			in.Priority = v
		case models.Status:
			in.Status = v
		}
	}
	in.Remote = &models.RemoteLink{Repository: h.repo.ID(), Number: number, State: models.IssueOpen}

	task, err := h.store.Create(in, &store.SyncMark{SyncedAt: syncedAt, RemoteUpdatedAt: syncedAt, Pull: true})
	require.NoError(t, err)
	return task
}

func (h *harness) localTask(t *testing.T, title string) models.Task {
	t.Helper()
	task, err := h.store.Create(store.NewTask{Title: title, Repository: h.repo.ID()}, nil)
	require.NoError(t, err)
	return task
}

func ptr[T any](v T) *T { return &v }

func TestLocalOnlyTaskCreatesIssue(t *testing.T) {
	h := newHarness(t)
	task := h.localTask(t, "Fix bug")

	record := h.sync(t, Options{})
	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, models.OutcomeCreatedRemote, record.Outcomes[0].Outcome)
	assert.Equal(t, task.ID, record.Outcomes[0].TaskID)

	issues := h.fake.Issues(h.repo.ID())
	require.Len(t, issues, 1)
	assert.Equal(t, "Fix bug", issues[0].Title)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Remote)
	assert.Equal(t, models.RemoteLink{Repository: "octo/app", Number: issues[0].Number, State: models.IssueOpen}, *got.Remote)

	again := h.sync(t, Options{})
	assert.True(t, again.Empty(), "second sync has nothing to do")
	assert.Equal(t, 1, h.fake.CountCalls(gatewaytest.OpCreate), "no second issue is created")
}

func TestDoneLocalTaskCreatesClosedIssue(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Create(store.NewTask{Title: "Already done", Status: models.StatusDone, Repository: h.repo.ID()}, nil)
	require.NoError(t, err)

	h.sync(t, Options{})

	issues := h.fake.Issues(h.repo.ID())
	require.Len(t, issues, 1)
	assert.Equal(t, models.IssueClosed, issues[0].State)
	assert.True(t, h.sync(t, Options{}).Empty())
}

func TestRemoteOnlyIssueIsImported(t *testing.T) {
	h := newHarness(t)
	h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 7, Title: "Crash on start", Body: "stack trace", UpdatedAt: t0.Add(-time.Hour)})

	record := h.sync(t, Options{})
	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, models.OutcomeCreatedLocal, record.Outcomes[0].Outcome)
	assert.Equal(t, 7, record.Outcomes[0].IssueNumber)

	task, err := h.store.Get(record.Outcomes[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, "Crash on start", task.Title)
	assert.Equal(t, "stack trace", task.Description)
	assert.Equal(t, models.StatusTodo, task.Status)
	assert.Equal(t, models.PriorityMedium, task.Priority)
	assert.Equal(t, &models.RemoteLink{Repository: "octo/app", Number: 7, State: models.IssueOpen}, task.Remote)

	repo, err := h.registry.Get(h.repo.ID())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-time.Hour), repo.Cursor.UpdatedAt)
	assert.Equal(t, t0, repo.LastSyncedAt)

	assert.True(t, h.sync(t, Options{}).Empty())
	assert.Equal(t, 1, h.store.Len())
}

func TestClosedIssues(t *testing.T) {
	t.Run("Skipped by default", func(t *testing.T) {
		h := newHarness(t)
		h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 3, Title: "Old", State: models.IssueClosed, UpdatedAt: t0})

		assert.True(t, h.sync(t, Options{}).Empty())
		assert.Equal(t, 0, h.store.Len())
	})

	t.Run("Imported as done", func(t *testing.T) {
		h := newHarness(t)
		h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 3, Title: "Old", State: models.IssueClosed, UpdatedAt: t0})

		record := h.sync(t, Options{ImportClosed: true})
		require.Len(t, record.Outcomes, 1)
		task, err := h.store.Get(record.Outcomes[0].TaskID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDone, task.Status)
	})
}

func TestLocalChangeIsPushed(t *testing.T) {
	h := newHarness(t)
	at := func(hour int) time.Time { return time.Date(2024, 4, 1, hour, 0, 0, 0, time.UTC) }

	h.clock.set(at(8))
	task := h.linkedTask(t, "Old title", 5, at(8))
	h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 5, Title: "Old title", UpdatedAt: at(9)})

	h.clock.set(at(10))
	_, err := h.store.Update(task.ID, store.Fields{Title: ptr("New title")}, nil)
	require.NoError(t, err)

	record := h.sync(t, Options{})
	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, models.OutcomeUpdatedRemote, record.Outcomes[0].Outcome)
	assert.Equal(t, 5, record.Outcomes[0].IssueNumber)

	issue, ok := h.fake.Issue(h.repo.ID(), 5)
	require.True(t, ok)
	assert.Equal(t, "New title", issue.Title)
	assert.Equal(t, models.IssueOpen, issue.State)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, at(10), got.ModifiedAt, "a push does not touch the local timestamp")
	assert.False(t, got.LastSyncedAt.Before(at(10)))

	assert.True(t, h.sync(t, Options{}).Empty())
}

func TestDoneStatusClosesIssue(t *testing.T) {
	h := newHarness(t)
	task := h.linkedTask(t, "Ship it", 5, t0)
	h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 5, Title: "Ship it", UpdatedAt: t0})

	h.clock.set(t0.Add(time.Hour))
	_, err := h.store.Update(task.ID, store.Fields{Status: ptr(models.StatusDone)}, nil)
	require.NoError(t, err)

	h.sync(t, Options{})

	issue, _ := h.fake.Issue(h.repo.ID(), 5)
	assert.Equal(t, models.IssueClosed, issue.State)
	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueClosed, got.Remote.State)
}

func TestRemoteChangeIsPulled(t *testing.T) {
	h := newHarness(t)
	task := h.linkedTask(t, "Old title", 5, t0, models.PriorityUrgent, models.StatusBlocked)

	remoteTime := t0.Add(2 * time.Hour)
	h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 5, Title: "Renamed", Body: "more detail", State: models.IssueClosed, UpdatedAt: remoteTime})
	h.clock.set(t0.Add(3 * time.Hour))

	record := h.sync(t, Options{})
	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, models.OutcomeUpdatedLocal, record.Outcomes[0].Outcome)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, "more detail", got.Description)
	assert.Equal(t, models.PriorityUrgent, got.Priority)
	assert.Equal(t, models.StatusBlocked, got.Status, "status is never taken from the remote side")
	assert.Equal(t, models.IssueClosed, got.Remote.State)
	assert.Equal(t, remoteTime, got.ModifiedAt)

	assert.True(t, h.sync(t, Options{}).Empty())
	assert.Equal(t, 0, h.fake.CountCalls(gatewaytest.OpUpdate))
}

func TestEqualTimestampsResolveToRemote(t *testing.T) {
	h := newHarness(t)
	task := h.linkedTask(t, "Base", 5, t0, models.PriorityUrgent, models.StatusInProgress)

	edit := t0.Add(time.Hour)
	h.clock.set(edit)
	_, err := h.store.Update(task.ID, store.Fields{Title: ptr("Local edit")}, nil)
	require.NoError(t, err)
	h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 5, Title: "Remote edit", UpdatedAt: edit})

	record := h.sync(t, Options{})
	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, models.OutcomeConflict, record.Outcomes[0].Outcome)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Remote edit", got.Title)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Equal(t, models.PriorityUrgent, got.Priority)
	assert.Equal(t, 0, h.fake.CountCalls(gatewaytest.OpUpdate), "the local side never wins a tie")

	assert.True(t, h.sync(t, Options{}).Empty())
}

func TestLinkedIssueMissingFromFetch(t *testing.T) {
	h := newHarness(t)
	task := h.linkedTask(t, "Gone", 9, t0)
	h.clock.set(t0.Add(time.Hour))
	_, err := h.store.Update(task.ID, store.Fields{Title: ptr("Still gone")}, nil)
	require.NoError(t, err)
	other := h.localTask(t, "Unrelated")

	record, err := h.reconciler(Options{}).Sync(context.Background(), h.repo.ID())
	require.NoError(t, err, "a failing pair does not fail the repository")

	require.Len(t, record.Failures, 1)
	assert.Equal(t, task.ID, record.Failures[0].TaskID)
	assert.Equal(t, 9, record.Failures[0].IssueNumber)
	assert.Contains(t, record.Failures[0].Error, gateway.ErrIssueNotFound.Error())

	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, other.ID, record.Outcomes[0].TaskID)
}

func TestDeletedTaskIsNotReimported(t *testing.T) {
	h := newHarness(t)
	h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 7, Title: "Noise", UpdatedAt: t0})

	record := h.sync(t, Options{})
	require.Len(t, record.Outcomes, 1)
	_, err := h.store.Delete(record.Outcomes[0].TaskID)
	require.NoError(t, err)

	h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 7, Title: "Noise again", UpdatedAt: t0.Add(time.Hour)})
	assert.True(t, h.sync(t, Options{}).Empty())
	assert.Equal(t, 0, h.store.Len())
}

func TestRateLimitedAttemptsAreRetried(t *testing.T) {
	h := newHarness(t)
	h.localTask(t, "First")
	h.clock.set(t0.Add(time.Minute))
	h.localTask(t, "Second")

	creates := 0
	h.fake.Fail = func(op string) error {
		if op != gatewaytest.OpCreate {
			return nil
		}
		creates++
		if creates == 2 || creates == 3 {
			return gateway.RateLimited(5*time.Second, errors.New("slow down"))
		}
		return nil
	}

	record := h.sync(t, Options{})
	assert.Equal(t, 3, record.Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.sleeps)
	assert.Equal(t, 2, record.Count(models.OutcomeCreatedRemote))
	assert.Empty(t, record.Failures)
	assert.Equal(t, 2, h.fake.CountCalls(gatewaytest.OpCreate), "the issue created before the failure is not created again")
	assert.Len(t, h.fake.Issues(h.repo.ID()), 2)
}

func TestTransientFailureGivesUp(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		kind   Kind
		sleeps []time.Duration
	}{
		{
			name:   "Rate limited",
			err:    gateway.RateLimited(5*time.Second, errors.New("slow down")),
			kind:   KindRateLimited,
			sleeps: []time.Duration{5 * time.Second, 5 * time.Second},
		},
		{
			name:   "Unreachable backs off exponentially",
			err:    gateway.Unreachable(errors.New("connection refused")),
			kind:   KindUnreachable,
			sleeps: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name: "Auth failure is not retried",
			err:  gateway.AuthFailure(errors.New("bad credentials")),
			kind: KindAuthFailure,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.fake.Fail = func(op string) error { return tc.err }

			record, err := h.reconciler(Options{}).Sync(context.Background(), h.repo.ID())
			var se *SyncError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.kind, se.Kind)
			assert.Equal(t, "octo/app", se.Repository)
			assert.Equal(t, string(tc.kind), KindOf(err))
			assert.Equal(t, tc.sleeps, h.sleeps)
			require.NotNil(t, record)
			assert.Equal(t, len(tc.sleeps)+1, record.Attempts)
		})
	}
}

func TestPartialPageFailureIsNotReconciled(t *testing.T) {
	h := newHarness(t)
	for n := 1; n <= 3; n++ {
		h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: n, Title: "Issue", UpdatedAt: t0.Add(time.Duration(n) * time.Minute)})
	}

	lists := 0
	h.fake.Fail = func(op string) error {
		if op != gatewaytest.OpList {
			return nil
		}
		lists++
		if lists == 2 {
			return gateway.Unreachable(errors.New("connection reset"))
		}
		return nil
	}

	rec := h.reconciler(Options{Sleep: func(ctx context.Context, d time.Duration) error {
		assert.Equal(t, 0, h.store.Len(), "nothing is imported from an incomplete fetch")
		return nil
	}})
	record, err := rec.Sync(context.Background(), h.repo.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, record.Attempts)
	assert.Equal(t, 3, record.Count(models.OutcomeCreatedLocal))
}

func TestDisabledRepository(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Disable(h.repo.ID()))

	record, err := h.reconciler(Options{}).Sync(context.Background(), h.repo.ID())
	assert.Nil(t, record)
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindDisabled, se.Kind)
}

func TestUnknownRepository(t *testing.T) {
	h := newHarness(t)
	_, err := h.reconciler(Options{}).Sync(context.Background(), "octo/missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, "error", KindOf(err))
}

func TestCredentialFailureIsAuthFailure(t *testing.T) {
	h := newHarness(t)
	connector := gateway.NewConnector(func(provider, ref string) (string, error) {
		return "", errors.New("GITHUB_TOKEN is not set")
	})

	_, err := New(h.store, h.registry, connector, Options{}).Sync(context.Background(), h.repo.ID())
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindAuthFailure, se.Kind)
}

func TestCancellationKeepsAppliedPairs(t *testing.T) {
	h := newHarness(t)
	h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 1, Title: "Remote one", UpdatedAt: t0.Add(-2 * time.Hour)})
	h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 2, Title: "Remote two", UpdatedAt: t0.Add(-time.Hour)})
	h.localTask(t, "A")
	h.clock.set(t0.Add(time.Minute))
	h.localTask(t, "B")
	h.clock.set(t0.Add(2 * time.Minute))
	h.localTask(t, "C")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	creates := 0
	h.fake.Fail = func(op string) error {
		if op == gatewaytest.OpCreate {
			creates++
			if creates == 2 {
				// Canceled while B is being created; B still completes.
				cancel()
			}
		}
		return nil
	}

	record, err := h.reconciler(Options{}).Sync(ctx, h.repo.ID())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "canceled", KindOf(err))
	require.NotNil(t, record)
	assert.Equal(t, 2, record.Count(models.OutcomeCreatedLocal))
	assert.Equal(t, 2, record.Count(models.OutcomeCreatedRemote))

	repo, err := h.registry.Get(h.repo.ID())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-time.Hour), repo.Cursor.UpdatedAt)
	assert.True(t, repo.LastSyncedAt.IsZero(), "an interrupted sync is not a completed one")

	h.fake.Fail = nil
	resumed := h.sync(t, Options{})
	require.Len(t, resumed.Outcomes, 1)
	assert.Equal(t, models.OutcomeCreatedRemote, resumed.Outcomes[0].Outcome)
	assert.Equal(t, "C", resumed.Outcomes[0].Title)
	assert.Len(t, h.fake.Issues(h.repo.ID()), 5)
	assert.Equal(t, 5, h.store.Len())
}

func TestDryRunChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.fake.Put(h.repo.ID(), models.RemoteIssue{Number: 7, Title: "Remote", UpdatedAt: t0})
	h.localTask(t, "Local")

	record := h.sync(t, Options{DryRun: true})
	assert.True(t, record.DryRun)
	assert.Equal(t, 1, record.Count(models.OutcomeCreatedLocal))
	assert.Equal(t, 1, record.Count(models.OutcomeCreatedRemote))

	assert.Empty(t, h.fake.Calls())
	assert.Equal(t, 1, h.store.Len())
	repo, err := h.registry.Get(h.repo.ID())
	require.NoError(t, err)
	assert.True(t, repo.Cursor.IsZero())

	// The real run does exactly what the preview announced.
	applied := h.sync(t, Options{})
	assert.Equal(t, len(record.Outcomes), len(applied.Outcomes))
}
